package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	containeriface "github.com/guseggert/execws/container"
)

const DefaultSocket = "/var/run/docker.sock"

var ErrNotSocket = errors.New("not a socket, is the Docker daemon running?")

// Runtime runs execs in Docker containers through the Engine API.
type Runtime struct {
	Client *client.Client
}

// CheckSocket returns an error unless path refers to a Unix socket.
func CheckSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking Docker socket: %w", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotSocket)
	}
	return nil
}

// NewRuntime builds a Runtime talking to the daemon on the given Unix socket.
// The socket is validated but not dialed.
func NewRuntime(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	err := CheckSocket(socketPath)
	if err != nil {
		return nil, err
	}
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Runtime{Client: c}, nil
}

func (r *Runtime) CreateExec(ctx context.Context, containerID string, cfg containeriface.ExecConfig) (containeriface.Exec, error) {
	resp, err := r.Client.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          cfg.TTY,
		Detach:       false,
		Cmd:          cfg.Cmd,
	})
	if err != nil {
		return containeriface.Exec{}, fmt.Errorf("creating exec in container %q: %w", containerID, err)
	}
	return containeriface.Exec{ID: resp.ID, ContainerID: containerID, Config: cfg}, nil
}

func (r *Runtime) StartExec(ctx context.Context, exec containeriface.Exec) (containeriface.Attachment, error) {
	resp, err := r.Client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{Tty: exec.Config.TTY})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", exec.ID, err)
	}
	return &attachment{resp: resp, tty: exec.Config.TTY}, nil
}

func (r *Runtime) InspectExec(ctx context.Context, exec containeriface.Exec) (containeriface.ExecStatus, error) {
	resp, err := r.Client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return containeriface.ExecStatus{}, fmt.Errorf("inspecting exec %q: %w", exec.ID, err)
	}
	return containeriface.ExecStatus{Running: resp.Running, ExitCode: resp.ExitCode}, nil
}

type attachment struct {
	resp types.HijackedResponse
	tty  bool
}

func (a *attachment) CopyOutput(stdout, stderr io.Writer) error {
	// with a tty the daemon sends the raw terminal stream, otherwise stdout and stderr are multiplexed
	if a.tty {
		_, err := io.Copy(stdout, a.resp.Reader)
		return err
	}
	_, err := stdcopy.StdCopy(stdout, stderr, a.resp.Reader)
	return err
}

func (a *attachment) Write(b []byte) (int, error) { return a.resp.Conn.Write(b) }

func (a *attachment) CloseStdin() error { return a.resp.CloseWrite() }

func (a *attachment) Close() error {
	a.resp.Close()
	return nil
}
