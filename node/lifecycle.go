package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-p4node"
)

// PushChassisConfig records nodeID and pushes cfg to every manager in
// order, stopping at the first failure. The node becomes initialized
// only when every manager accepted the config.
func (n *Node) PushChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if nodeID == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "invalid node id 0")
	}
	if n.initialized && nodeID != n.nodeID {
		return p4node.Errorf(p4node.CodeRebootRequired,
			"detected a change in node id (%d != %d) on unit %d", nodeID, n.nodeID, n.unit)
	}
	n.nodeID = nodeID
	for _, c := range n.collaborators {
		if err := c.c.PushChassisConfig(ctx, cfg, nodeID); err != nil {
			n.logger.ErrorContext(ctx, "chassis config push failed", "node_id", nodeID, "manager", c.name, "error", err)
			return fmt.Errorf("push chassis config to %s: %w", c.name, err)
		}
	}
	n.initialized = true
	n.logger.InfoContext(ctx, "chassis config pushed", "node_id", nodeID)
	return nil
}

// VerifyChassisConfig checks cfg against every manager and reports all
// failures together.
func (n *Node) VerifyChassisConfig(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if nodeID == 0 {
		return p4node.Errorf(p4node.CodeInvalidParam, "invalid node id 0")
	}
	if n.initialized && nodeID != n.nodeID {
		return p4node.Errorf(p4node.CodeRebootRequired,
			"detected a change in node id (%d != %d) on unit %d", nodeID, n.nodeID, n.unit)
	}
	var errs []error
	for _, c := range n.collaborators {
		if err := c.c.VerifyChassisConfig(ctx, cfg, nodeID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown shuts the managers down in reverse push order. The node is
// left uninitialized even if a manager fails.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for i := len(n.collaborators) - 1; i >= 0; i-- {
		c := n.collaborators[i]
		if err := c.c.Shutdown(ctx); err != nil {
			n.logger.WarnContext(ctx, "manager shutdown failed", "manager", c.name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", c.name, err))
		}
	}
	n.initialized = false
	n.logger.InfoContext(ctx, "node shut down", "node_id", n.nodeID, "errors", len(errs))
	return errors.Join(errs...)
}

// Freeze is reserved for in-service upgrades and does nothing.
func (n *Node) Freeze(context.Context) error {
	return nil
}

// Unfreeze is reserved for in-service upgrades and does nothing.
func (n *Node) Unfreeze(context.Context) error {
	return nil
}
