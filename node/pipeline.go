package node

import (
	"context"
	"errors"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/tablemap"
)

// PushForwardingPipelineConfig installs a new pipeline. Static entries
// that only make sense under the old mapping are written first, then
// the mapper and the ACL manager take the new pipeline, then the static
// entries of the new pipeline are written.
func (n *Node) PushForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cfg == nil {
		return p4node.Errorf(p4node.CodeInvalidParam, "nil forwarding pipeline config")
	}
	dc, err := tablemap.DecodeDeviceConfig(cfg.GetP4DeviceConfig())
	if err != nil {
		return p4node.Wrap(p4node.CodeInvalidParam, err,
			"failed to parse p4 device config for node %d", n.nodeID)
	}
	static := dc.StaticWriteRequest()

	if err := n.staticEntryWrite(ctx, static, false); err != nil {
		return err
	}
	if err := n.mapper.PushForwardingPipelineConfig(ctx, cfg); err != nil {
		return err
	}
	if err := n.acl.PushForwardingPipelineConfig(ctx, cfg); err != nil {
		return err
	}
	if err := n.staticEntryWrite(ctx, static, true); err != nil {
		return err
	}
	n.logger.InfoContext(ctx, "forwarding pipeline pushed", "node_id", n.nodeID, "tables", len(dc.Tables), "static_entries", len(static.GetUpdates()))
	return nil
}

// VerifyForwardingPipelineConfig checks cfg with the mapper and the ACL
// manager and reports both results.
func (n *Node) VerifyForwardingPipelineConfig(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return errors.Join(
		n.mapper.VerifyForwardingPipelineConfig(ctx, cfg),
		n.acl.VerifyForwardingPipelineConfig(ctx, cfg),
	)
}

// staticEntryWrite applies the static entry changes of one phase of a
// pipeline push. Callers hold n.mu.
func (n *Node) staticEntryWrite(ctx context.Context, static *p4v1.WriteRequest, postPush bool) error {
	var (
		req *p4v1.WriteRequest
		err error
	)
	if postPush {
		req, err = n.mapper.HandlePostPushStaticEntryChanges(ctx, static)
	} else {
		req, err = n.mapper.HandlePrePushStaticEntryChanges(ctx, static)
	}
	if err != nil {
		return err
	}
	if len(req.GetUpdates()) == 0 {
		return nil
	}
	if !n.enableStaticWrites {
		n.logger.WarnContext(ctx, "skipping writes for static table entries", "count", len(req.GetUpdates()), "post_push", postPush)
		return nil
	}

	n.mapper.EnableStaticTableUpdates()
	defer n.mapper.DisableStaticTableUpdates()

	results, err := n.doWrite(ctx, req)
	n.mapper.CommitStaticEntryChanges(ctx, req, results)
	if err != nil {
		for i, r := range results {
			if r != nil {
				n.logger.ErrorContext(ctx, "static table entry error", "index", i, "post_push", postPush, "error", r)
			}
		}
	}
	return err
}
