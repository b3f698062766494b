package docker

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckSocket(t *testing.T) {
	dir := t.TempDir()

	sockPath := filepath.Join(dir, "docker.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	filePath := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(filePath, []byte("not a socket"), 0644))

	cases := []struct {
		name        string
		path        string
		expNotSock  bool
		expNotExist bool
	}{
		{name: "socket", path: sockPath},
		{name: "regular file", path: filePath, expNotSock: true},
		{name: "missing", path: filepath.Join(dir, "missing"), expNotExist: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := CheckSocket(c.path)
			switch {
			case c.expNotSock:
				require.ErrorIs(t, err, ErrNotSocket)
			case c.expNotExist:
				require.ErrorIs(t, err, os.ErrNotExist)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestNewRuntimeRejectsRegularFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "docker.sock")
	require.NoError(t, os.WriteFile(filePath, nil, 0644))

	_, err := NewRuntime(filePath)
	require.ErrorIs(t, err, ErrNotSocket)
}

func TestNewRuntime(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "docker.sock")
	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	rt, err := NewRuntime(sockPath)
	require.NoError(t, err)
	assert.Equal(t, "unix://"+sockPath, rt.Client.DaemonHost())
}
