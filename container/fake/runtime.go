// Package fake provides an in-memory container runtime whose execs are driven by tests.
package fake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	containeriface "github.com/guseggert/execws/container"
)

var ErrAttachmentClosed = errors.New("attachment closed")

// Runtime records every exec it creates and hands them to tests through Next.
type Runtime struct {
	// CreateErr and StartErr make the corresponding calls fail.
	CreateErr error
	StartErr  error

	m       sync.Mutex
	counter int
	execs   map[string]*Exec
	created chan *Exec
}

func NewRuntime() *Runtime {
	return &Runtime{
		execs:   map[string]*Exec{},
		created: make(chan *Exec, 128),
	}
}

// Next returns the next started exec.
func (r *Runtime) Next(ctx context.Context) (*Exec, error) {
	select {
	case e := <-r.created:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) CreateExec(ctx context.Context, containerID string, cfg containeriface.ExecConfig) (containeriface.Exec, error) {
	if r.CreateErr != nil {
		return containeriface.Exec{}, r.CreateErr
	}
	r.m.Lock()
	defer r.m.Unlock()
	r.counter++
	id := fmt.Sprintf("exec-%d", r.counter)
	r.execs[id] = newExec(id, containerID, cfg)
	return containeriface.Exec{ID: id, ContainerID: containerID, Config: cfg}, nil
}

func (r *Runtime) lookup(id string) (*Exec, error) {
	r.m.Lock()
	defer r.m.Unlock()
	e, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("no such exec %q", id)
	}
	return e, nil
}

func (r *Runtime) StartExec(ctx context.Context, exec containeriface.Exec) (containeriface.Attachment, error) {
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	e, err := r.lookup(exec.ID)
	if err != nil {
		return nil, err
	}
	r.created <- e
	return &attachment{e: e}, nil
}

func (r *Runtime) InspectExec(ctx context.Context, exec containeriface.Exec) (containeriface.ExecStatus, error) {
	e, err := r.lookup(exec.ID)
	if err != nil {
		return containeriface.ExecStatus{}, err
	}
	e.m.Lock()
	inspectErr := e.inspectErr
	block := e.inspectBlock
	status := containeriface.ExecStatus{Running: !e.exited, ExitCode: e.exitCode}
	e.m.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return containeriface.ExecStatus{}, ctx.Err()
		}
	}
	if inspectErr != nil {
		return containeriface.ExecStatus{}, inspectErr
	}
	return status, nil
}

type chunk struct {
	stderr bool
	b      []byte
}

// Exec is a fake exec. Output is produced with Stdout and Stderr, and the exec ends with Exit.
type Exec struct {
	ID          string
	ContainerID string
	Config      containeriface.ExecConfig

	output   chan chunk
	outputMu sync.Mutex
	ended    bool
	closed   chan struct{}

	m            sync.Mutex
	exited       bool
	exitCode     int
	inspectErr   error
	inspectBlock chan struct{}

	stdin       bytes.Buffer
	stdinClosed bool
	stdinBlock  chan struct{}
	// stdinChanged is closed and replaced on every stdin change
	stdinChanged chan struct{}
	closeOnce    sync.Once
}

func newExec(id, containerID string, cfg containeriface.ExecConfig) *Exec {
	return &Exec{
		ID:           id,
		ContainerID:  containerID,
		Config:       cfg,
		output:       make(chan chunk),
		closed:       make(chan struct{}),
		stdinChanged: make(chan struct{}),
	}
}

func (e *Exec) emit(ctx context.Context, c chunk) error {
	select {
	case e.output <- c:
		return nil
	case <-e.closed:
		return ErrAttachmentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stdout blocks until the chunk has been consumed by the attachment's reader.
func (e *Exec) Stdout(ctx context.Context, b []byte) error {
	return e.emit(ctx, chunk{b: b})
}

func (e *Exec) Stderr(ctx context.Context, b []byte) error {
	return e.emit(ctx, chunk{stderr: true, b: b})
}

// Exit records the exit code and ends the output stream.
func (e *Exec) Exit(code int) {
	e.m.Lock()
	e.exited = true
	e.exitCode = code
	e.m.Unlock()

	e.outputMu.Lock()
	defer e.outputMu.Unlock()
	if !e.ended {
		e.ended = true
		close(e.output)
	}
}

// FailInspect makes subsequent inspections return err.
func (e *Exec) FailInspect(err error) {
	e.m.Lock()
	defer e.m.Unlock()
	e.inspectErr = err
}

// BlockInspect makes inspections wait until the returned function is called.
func (e *Exec) BlockInspect() (unblock func()) {
	ch := make(chan struct{})
	e.m.Lock()
	e.inspectBlock = ch
	e.m.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// BlockStdin makes stdin writes wait until the returned function is called.
func (e *Exec) BlockStdin() (unblock func()) {
	ch := make(chan struct{})
	e.m.Lock()
	e.stdinBlock = ch
	e.m.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *Exec) notifyStdinLocked() {
	close(e.stdinChanged)
	e.stdinChanged = make(chan struct{})
}

func (e *Exec) StdinBytes() []byte {
	e.m.Lock()
	defer e.m.Unlock()
	return append([]byte(nil), e.stdin.Bytes()...)
}

func (e *Exec) StdinClosed() bool {
	e.m.Lock()
	defer e.m.Unlock()
	return e.stdinClosed
}

// WaitStdin blocks until cond holds for the stdin contents and closed state.
func (e *Exec) WaitStdin(ctx context.Context, cond func(b []byte, closed bool) bool) error {
	for {
		e.m.Lock()
		ok := cond(e.stdin.Bytes(), e.stdinClosed)
		ch := e.stdinChanged
		e.m.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Closed reports whether the attachment was closed by its owner.
func (e *Exec) Closed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

type attachment struct {
	e *Exec
}

func (a *attachment) CopyOutput(stdout, stderr io.Writer) error {
	for {
		select {
		case c, ok := <-a.e.output:
			if !ok {
				return nil
			}
			w := stdout
			if c.stderr {
				w = stderr
			}
			_, err := w.Write(c.b)
			if err != nil {
				return err
			}
		case <-a.e.closed:
			return nil
		}
	}
}

func (a *attachment) Write(b []byte) (int, error) {
	a.e.m.Lock()
	block := a.e.stdinBlock
	a.e.m.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-a.e.closed:
			return 0, ErrAttachmentClosed
		}
	}

	a.e.m.Lock()
	defer a.e.m.Unlock()
	if a.e.stdinClosed {
		return 0, io.ErrClosedPipe
	}
	a.e.stdin.Write(b)
	a.e.notifyStdinLocked()
	return len(b), nil
}

func (a *attachment) CloseStdin() error {
	a.e.m.Lock()
	defer a.e.m.Unlock()
	a.e.stdinClosed = true
	a.e.notifyStdinLocked()
	return nil
}

func (a *attachment) Close() error {
	a.e.closeOnce.Do(func() { close(a.e.closed) })
	return nil
}
