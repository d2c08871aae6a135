package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/frobware/go-p4node/bpffs"
)

// RuntimeDirs holds the runtime directory paths of a p4node daemon.
//
//	{base}/            - runtime root
//	{base}/fs/         - bpffs mount for the ebpf dataplane
//	{base}/fs/node-N/  - map pins of node N
//	{base}/db/         - bookkeeping databases, one per node
//	{base}/.lock       - daemon lock file
//	{base}-sock/       - gRPC socket directory
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
type RuntimeDirs struct {
	base string
	fs   string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns RuntimeDirs with production defaults.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/p4node")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at base, which must be an
// absolute path. The socket directory is {base}-sock so it can be
// mounted separately.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		fs:   filepath.Join(base, "fs"),
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path.
func (d RuntimeDirs) Base() string { return d.base }

// FS returns the bpffs mount point.
func (d RuntimeDirs) FS() string { return d.fs }

// DB returns the database directory.
func (d RuntimeDirs) DB() string { return d.db }

// Sock returns the gRPC socket directory.
func (d RuntimeDirs) Sock() string { return d.sock }

// Lock returns the daemon lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// SocketPath returns the full path to the gRPC socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "p4node.sock")
}

// DBPath returns the bookkeeping database of a node.
func (d RuntimeDirs) DBPath(nodeID uint64) string {
	return filepath.Join(d.db, "node-"+strconv.FormatUint(nodeID, 10)+".db")
}

// PinDir returns the directory holding a node's pinned maps.
func (d RuntimeDirs) PinDir(nodeID uint64) string {
	return filepath.Join(d.fs, "node-"+strconv.FormatUint(nodeID, 10))
}

// EnsureDirectories creates the runtime root, the database directory
// and the socket directory. Call this at startup to fail fast on
// permission problems.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureBPFFS mounts bpffs at FS() unless one is already there. It is
// only needed by the ebpf dataplane and requires CAP_SYS_ADMIN.
func (d RuntimeDirs) EnsureBPFFS() error {
	if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, d.fs); err != nil {
		return fmt.Errorf("failed to ensure bpffs at %s: %w", d.fs, err)
	}
	return nil
}
