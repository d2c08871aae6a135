// Package bpffs checks for and mounts the BPF filesystem that holds
// the ebpf dataplane's pinned maps.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMountInfoPath is the path to the mountinfo file.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// maxMountInfoLine bounds a single mountinfo line. Some runtimes
	// produce very long option lists.
	maxMountInfoLine = 1024 * 1024
)

// IsMounted reports whether a bpffs is mounted at mountPoint according
// to mountInfoPath.
//
// Each mountinfo line (proc(5)) looks like:
//
//	30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700
//
// The mount point is the fifth field. The filesystem type follows the
// " - " separator, which must be searched for because a variable
// number of optional fields precede it.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	file, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMountInfoLine)

	for scanner.Scan() {
		prefix, suffix, ok := strings.Cut(scanner.Text(), " - ")
		if !ok {
			continue
		}
		fields := strings.Fields(prefix)
		fsFields := strings.Fields(suffix)
		if len(fields) < 5 || len(fsFields) < 1 {
			continue
		}
		if fields[4] == mountPoint && fsFields[0] == "bpf" {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	return false, nil
}

// Mount mounts a bpffs at mountPoint, creating the directory if needed.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("mount point %s is not a directory", mountPoint)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	default:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := unix.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount bpffs: %w", err)
	}
	return nil
}

// EnsureMounted mounts a bpffs at mountPoint unless mountInfoPath
// already lists one there.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
