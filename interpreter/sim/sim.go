// Package sim provides software implementations of the hardware
// managers. They keep the programmed state in memory and enforce the
// same existence and reference rules a switching ASIC would, which lets
// a node run end to end without hardware.
package sim

import (
	"context"

	"github.com/frobware/go-p4node"
)

// lifecycle is the chassis config handling shared by the simulated
// managers.
type lifecycle struct {
	unit   int
	nodeID uint64
}

func (l *lifecycle) VerifyChassisConfig(_ context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if cfg == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil chassis config")
	}
	node, ok := cfg.Node(nodeID)
	if !ok {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d not found in chassis config", nodeID)
	}
	if node.Unit != l.unit {
		return p4node.Errorf(p4node.CodeInvalidParam, "node %d is on unit %d, expected unit %d", nodeID, node.Unit, l.unit)
	}
	return nil
}

func (l *lifecycle) push(ctx context.Context, cfg *p4node.ChassisConfig, nodeID uint64) error {
	if err := l.VerifyChassisConfig(ctx, cfg, nodeID); err != nil {
		return err
	}
	l.nodeID = nodeID
	return nil
}

func (l *lifecycle) checkUnit(unit int) error {
	if unit != l.unit {
		return p4node.Errorf(p4node.CodeInternal, "entry for unit %d programmed on unit %d", unit, l.unit)
	}
	return nil
}
