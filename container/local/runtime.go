// Package local runs execs as processes on the host. The "container" argument is used as the working directory.
// This is useful for development and for testing the server without a container daemon.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	containeriface "github.com/guseggert/execws/container"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownExec = errors.New("unknown exec")

type Runtime struct {
	m     sync.Mutex
	execs map[string]*process
}

func NewRuntime() *Runtime {
	return &Runtime{execs: map[string]*process{}}
}

type process struct {
	cfg containeriface.ExecConfig
	dir string

	m        sync.Mutex
	cmd      *exec.Cmd
	started  bool
	exited   bool
	exitCode int
}

func (r *Runtime) lookup(id string) (*process, error) {
	r.m.Lock()
	defer r.m.Unlock()
	p, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownExec, id)
	}
	return p, nil
}

func (r *Runtime) CreateExec(ctx context.Context, containerID string, cfg containeriface.ExecConfig) (containeriface.Exec, error) {
	if len(cfg.Cmd) == 0 {
		return containeriface.Exec{}, errors.New("no command given")
	}
	path, err := exec.LookPath(cfg.Cmd[0])
	if err != nil {
		return containeriface.Exec{}, fmt.Errorf("looking up %q: %w", cfg.Cmd[0], err)
	}
	cmd := exec.Command(path, cfg.Cmd[1:]...)
	cmd.Dir = containerID

	id := uuid.NewString()
	r.m.Lock()
	r.execs[id] = &process{cfg: cfg, dir: containerID, cmd: cmd}
	r.m.Unlock()
	return containeriface.Exec{ID: id, ContainerID: containerID, Config: cfg}, nil
}

func (r *Runtime) StartExec(ctx context.Context, e containeriface.Exec) (containeriface.Attachment, error) {
	p, err := r.lookup(e.ID)
	if err != nil {
		return nil, err
	}
	p.m.Lock()
	defer p.m.Unlock()
	if p.started {
		return nil, fmt.Errorf("exec %q already started", e.ID)
	}
	p.started = true

	if p.cfg.TTY {
		f, err := pty.Start(p.cmd)
		if err != nil {
			return nil, fmt.Errorf("starting %q with a tty: %w", p.cfg.Cmd[0], err)
		}
		return &ttyAttachment{p: p, f: f}, nil
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}
	err = p.cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", p.cfg.Cmd[0], err)
	}
	return &pipeAttachment{p: p, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (r *Runtime) InspectExec(ctx context.Context, e containeriface.Exec) (containeriface.ExecStatus, error) {
	p, err := r.lookup(e.ID)
	if err != nil {
		return containeriface.ExecStatus{}, err
	}
	p.m.Lock()
	defer p.m.Unlock()
	if !p.exited {
		return containeriface.ExecStatus{Running: p.started}, nil
	}

	r.m.Lock()
	delete(r.execs, e.ID)
	r.m.Unlock()
	return containeriface.ExecStatus{ExitCode: p.exitCode}, nil
}

// wait reaps the process once all of its output has been read.
func (p *process) wait() {
	_ = p.cmd.Wait()
	p.m.Lock()
	defer p.m.Unlock()
	p.exited = true
	p.exitCode = p.cmd.ProcessState.ExitCode()
}

func (p *process) kill() {
	p.m.Lock()
	defer p.m.Unlock()
	if p.cmd.Process != nil && !p.exited {
		_ = p.cmd.Process.Kill()
	}
}

type pipeAttachment struct {
	p      *process
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (a *pipeAttachment) CopyOutput(stdout, stderr io.Writer) error {
	var group errgroup.Group
	group.Go(func() error {
		_, err := io.Copy(stdout, a.stdout)
		return err
	})
	group.Go(func() error {
		_, err := io.Copy(stderr, a.stderr)
		return err
	})
	err := group.Wait()
	if err != nil {
		// the consumer went away, don't leave the process holding the pipes
		a.p.kill()
	}
	a.p.wait()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (a *pipeAttachment) Write(b []byte) (int, error) { return a.stdin.Write(b) }

func (a *pipeAttachment) CloseStdin() error { return a.stdin.Close() }

func (a *pipeAttachment) Close() error {
	a.p.kill()
	return nil
}

type ttyAttachment struct {
	p *process
	f *os.File

	closeOnce sync.Once
}

func (a *ttyAttachment) CopyOutput(stdout, stderr io.Writer) error {
	_, err := io.Copy(stdout, a.f)
	// reading the pty master returns EIO once the child side is closed
	if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		err = nil
	}
	if err != nil {
		a.p.kill()
	}
	a.p.wait()
	a.closeOnce.Do(func() { a.f.Close() })
	return err
}

func (a *ttyAttachment) Write(b []byte) (int, error) { return a.f.Write(b) }

// CloseStdin sends the terminal EOF character, since the pty can't be half-closed.
func (a *ttyAttachment) CloseStdin() error {
	_, err := a.f.Write([]byte{4})
	return err
}

func (a *ttyAttachment) Close() error {
	a.p.kill()
	return nil
}
