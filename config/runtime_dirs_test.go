package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-p4node/config"
)

func TestNewRuntimeDirs(t *testing.T) {
	tests := []struct {
		name string
		base string
		fs   string
		db   string
		sock string
		lock string
	}{
		{
			name: "production default",
			base: "/run/p4node",
			fs:   "/run/p4node/fs",
			db:   "/run/p4node/db",
			sock: "/run/p4node-sock",
			lock: "/run/p4node/.lock",
		},
		{
			name: "trailing slash",
			base: "/tmp/p4node-test/",
			fs:   "/tmp/p4node-test/fs",
			db:   "/tmp/p4node-test/db",
			sock: "/tmp/p4node-test-sock",
			lock: "/tmp/p4node-test/.lock",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := config.NewRuntimeDirs(tt.base)
			require.NoError(t, err)
			assert.Equal(t, filepath.Clean(tt.base), d.Base())
			assert.Equal(t, tt.fs, d.FS())
			assert.Equal(t, tt.db, d.DB())
			assert.Equal(t, tt.sock, d.Sock())
			assert.Equal(t, tt.lock, d.Lock())
		})
	}
}

func TestNewRuntimeDirsRejectsBadBase(t *testing.T) {
	for _, base := range []string{"", "run/p4node"} {
		_, err := config.NewRuntimeDirs(base)
		assert.Error(t, err, "base %q", base)
	}
}

func TestRuntimeDirsPaths(t *testing.T) {
	d := config.DefaultRuntimeDirs()
	assert.Equal(t, "/run/p4node-sock/p4node.sock", d.SocketPath())
	assert.Equal(t, "/run/p4node/db/node-7.db", d.DBPath(7))
	assert.Equal(t, "/run/p4node/fs/node-1099511627776", d.PinDir(1<<40))
}

func TestEnsureDirectories(t *testing.T) {
	d, err := config.NewRuntimeDirs(filepath.Join(t.TempDir(), "p4node"))
	require.NoError(t, err)

	require.NoError(t, d.EnsureDirectories())
	require.NoError(t, d.EnsureDirectories(), "idempotent")
	for _, dir := range []string{d.Base(), d.DB(), d.Sock()} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir(), dir)
	}
	_, err = os.Stat(d.FS())
	assert.True(t, os.IsNotExist(err), "bpffs is only mounted on request")
}
