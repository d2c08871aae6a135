// Package node is the per-device dispatcher. A Node owns one switching
// ASIC instance: it sequences chassis and pipeline config across the
// hardware managers, routes every write and read to the manager that
// owns the entity, and keeps the bookkeeping store in step with what
// was committed to hardware.
//
// # Locking
//
// A single RWMutex guards the node. Config pushes, pipeline pushes,
// shutdown, writes and receive-writer registration take it exclusively;
// verification, reads and packet transmission share it. Hardware calls
// run with the lock held, so a slow manager serialises everything
// behind it. Nothing is cancelled through the context, which only
// carries the operation id for logging and the store's SQL calls.
//
// # Batches
//
// A write batch is never short-circuited. Each update yields exactly one
// result in request order, and updates already applied are not rolled
// back when a later one fails.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-p4node/interpreter"
)

// Options configures a Node.
type Options struct {
	// Unit is the hardware instance the node drives.
	Unit int
	// EnableStaticTableWrites allows the pipeline installer to write
	// pipeline-declared static entries. When false they are counted
	// and skipped.
	EnableStaticTableWrites bool

	Mapper   interpreter.TableMapper
	Tables   interpreter.TableManager
	L2       interpreter.L2Manager
	L3       interpreter.L3Manager
	ACL      interpreter.ACLManager
	PacketIO interpreter.PacketIOManager

	Logger *slog.Logger
}

// collaborator is one entry of the push order.
type collaborator struct {
	name string
	c    interpreter.Collaborator
}

// Node dispatches P4Runtime entities to the managers of one unit.
type Node struct {
	unit               int
	enableStaticWrites bool

	mapper   interpreter.TableMapper
	tables   interpreter.TableManager
	l2       interpreter.L2Manager
	l3       interpreter.L3Manager
	acl      interpreter.ACLManager
	packetIO interpreter.PacketIOManager

	// collaborators is the chassis push order. Shutdown walks it
	// backwards.
	collaborators []collaborator
	handlers      map[tableOp]tableHandler
	logger        *slog.Logger

	mu          sync.RWMutex
	nodeID      uint64
	initialized bool
}

// New returns a Node driving opts.Unit through the given managers.
func New(opts Options) (*Node, error) {
	var missing []error
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, fmt.Errorf("missing %s manager", name))
		}
	}
	check("mapper", opts.Mapper != nil)
	check("table", opts.Tables != nil)
	check("l2", opts.L2 != nil)
	check("l3", opts.L3 != nil)
	check("acl", opts.ACL != nil)
	check("packetio", opts.PacketIO != nil)
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		unit:               opts.Unit,
		enableStaticWrites: opts.EnableStaticTableWrites,
		mapper:             opts.Mapper,
		tables:             opts.Tables,
		l2:                 opts.L2,
		l3:                 opts.L3,
		acl:                opts.ACL,
		packetIO:           opts.PacketIO,
		logger:             logger.With("component", "node", "unit", opts.Unit),
	}
	n.collaborators = []collaborator{
		{"mapper", opts.Mapper},
		{"tables", opts.Tables},
		{"l2", opts.L2},
		{"l3", opts.L3},
		{"acl", opts.ACL},
		{"packetio", opts.PacketIO},
	}
	n.handlers = n.tableHandlers()
	return n, nil
}

// CollaboratorNames returns the managers in chassis push order.
func (n *Node) CollaboratorNames() []string {
	names := make([]string, len(n.collaborators))
	for i, c := range n.collaborators {
		names[i] = c.name
	}
	return names
}

// Unit returns the hardware instance the node drives.
func (n *Node) Unit() int {
	return n.unit
}

// ID returns the node id recorded by the last chassis push, or 0.
func (n *Node) ID() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeID
}

// Initialized reports whether a chassis config has been pushed and the
// node has not been shut down since.
func (n *Node) Initialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}
