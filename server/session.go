package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/execws/container"
	"github.com/guseggert/execws/internal/flow"
	"github.com/guseggert/execws/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	// HighWaterMark is the number of output bytes that may be queued to the client and not yet written,
	// before the session stops reading process output.
	HighWaterMark = 8 * 1024 * 1024

	// maxChunkSize bounds the payload of a single stdout/stderr frame.
	maxChunkSize = 32 * 1024

	readLimit = 64 * 1024

	inspectPollInterval = 50 * time.Millisecond
)

var (
	errNoCommand     = errors.New("no command given")
	errSessionClosed = errors.New("session closed")
)

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type sessionConfig struct {
	log            *zap.SugaredLogger
	runtime        container.Runtime
	registry       *Registry
	containerID    string
	cmd            []string
	tty            bool
	inspectTimeout time.Duration
	closeTimeout   time.Duration
}

// Session binds one WebSocket connection to one exec for their whole lifetime.
// The session owns both: it closes the connection and releases the attachment when it finishes.
type Session struct {
	ID  string
	Cmd []string
	TTY bool

	log            *zap.SugaredLogger
	runtime        container.Runtime
	registry       *Registry
	containerID    string
	inspectTimeout time.Duration
	closeTimeout   time.Duration

	conn *websocket.Conn
	out  *sender
	gate *flow.Gate

	exec  container.Exec
	att   container.Attachment
	stdin *stdinPipe

	ctx    context.Context
	cancel func()

	m     sync.Mutex
	state State

	// pumpMu serializes stdout and stderr through the gate
	pumpMu sync.Mutex

	disconnected atomic.Bool
	finishing    atomic.Bool
	finishOnce   sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

func newSession(ctx context.Context, cfg sessionConfig, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:             id,
		Cmd:            cfg.cmd,
		TTY:            cfg.tty,
		log:            cfg.log.Named("session").With("SessionID", id),
		runtime:        cfg.runtime,
		registry:       cfg.registry,
		containerID:    cfg.containerID,
		inspectTimeout: cfg.inspectTimeout,
		closeTimeout:   cfg.closeTimeout,
		conn:           conn,
		gate:           flow.NewGate(HighWaterMark),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	s.out = newSender(s.log.Named("sender"), conn)
	return s
}

func (s *Session) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// setState moves the session forward. States never go backwards.
func (s *Session) setState(st State) {
	s.m.Lock()
	defer s.m.Unlock()
	if st > s.state {
		s.log.Debugf("%s -> %s", s.state, st)
		s.state = st
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run attaches to a new exec and serves the connection until the session is closed.
// The session must already be registered.
func (s *Session) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.out.run(s.ctx)
	}()

	err := s.attach()
	if err != nil {
		s.log.Warnf("attaching to exec: %s", err)
		s.finish(protocol.Encode(protocol.Error, []byte(err.Error())))
		s.wg.Wait()
		return
	}
	if s.finishing.Load() {
		// closed by the server while the exec was starting
		s.att.Close()
		s.wg.Wait()
		return
	}

	s.setState(StateRunning)
	s.sendControl(protocol.Resume)
	s.log.Debugw("session running", "Cmd", s.Cmd, "TTY", s.TTY, "ExecID", s.exec.ID)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.stdin.run(s.ctx)
	}()
	go s.readMessages()
	go s.pumpOutput()

	<-s.done
	s.wg.Wait()
}

func (s *Session) attach() error {
	if len(s.Cmd) == 0 {
		return errNoCommand
	}
	exec, err := s.runtime.CreateExec(s.ctx, s.containerID, container.ExecConfig{Cmd: s.Cmd, TTY: s.TTY})
	if err != nil {
		return fmt.Errorf("creating exec: %w", err)
	}
	att, err := s.runtime.StartExec(s.ctx, exec)
	if err != nil {
		return fmt.Errorf("starting exec: %w", err)
	}
	stdin := newStdinPipe(s.log.Named("stdin"), att, func() {
		s.sendControl(protocol.Resume)
		s.log.Debug("stdin drained, resumed client")
	})
	s.m.Lock()
	s.exec = exec
	s.att = att
	s.stdin = stdin
	s.m.Unlock()
	return nil
}

func (s *Session) attachment() (container.Attachment, *stdinPipe) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.att, s.stdin
}

func (s *Session) sendControl(op protocol.Opcode) {
	s.out.send(protocol.Encode(op, nil), nil)
}

// forward sends one output chunk to the client once the gate allows it.
func (s *Session) forward(op protocol.Opcode, b []byte) error {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()

	err := s.gate.Wait(s.ctx)
	if err != nil {
		return err
	}
	n := len(b)
	s.gate.Acquire(n)
	accepted := s.out.send(protocol.Encode(op, b), func(error) {
		s.gate.Release(n)
	})
	if !accepted {
		s.gate.Release(n)
		return errSessionClosed
	}
	return nil
}

type outputWriter struct {
	s  *Session
	op protocol.Opcode
}

func (w *outputWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); off += maxChunkSize {
		end := min(off+maxChunkSize, len(p))
		err := w.s.forward(w.op, p[off:end])
		if err != nil {
			return off, err
		}
	}
	return len(p), nil
}

// pumpOutput forwards process output until the output stream ends, then drains the session.
func (s *Session) pumpOutput() {
	defer s.wg.Done()
	err := s.att.CopyOutput(
		&outputWriter{s: s, op: protocol.Stdout},
		&outputWriter{s: s, op: protocol.Stderr},
	)
	if err != nil {
		s.log.Debugf("output stream ended with error: %s", err)
	} else {
		s.log.Debug("output stream ended")
	}
	s.drain()
}

// drain reports the exit status of the exec and closes the session.
func (s *Session) drain() {
	if s.finishing.Load() {
		return
	}
	s.setState(StateDraining)
	code, err := s.inspectExit()
	if err != nil {
		s.log.Debugf("unable to get exit code, shutting down: %s", err)
		s.finish(protocol.Encode(protocol.Shutdown, nil))
		return
	}
	s.log.Debugf("%d is exit code", code)
	s.finish(protocol.ExitStatus(code))
}

func (s *Session) inspectExit() (int, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.inspectTimeout)
	defer cancel()
	for {
		status, err := s.runtime.InspectExec(ctx, s.exec)
		if err != nil {
			return 0, err
		}
		if !status.Running {
			return status.ExitCode, nil
		}
		select {
		case <-time.After(inspectPollInterval):
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for exec to stop running: %w", ctx.Err())
		}
	}
}

func (s *Session) readMessages() {
	defer s.wg.Done()
	for {
		_, b, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.finishing.Load() {
				return
			}
			s.log.Debugw("client disconnected", "Error", err, "CloseStatus", websocket.CloseStatus(err))
			s.onDisconnect()
			return
		}
		s.messageHandler(b)
	}
}

func (s *Session) messageHandler(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.log.Debugf("bad message: %s", err)
		return
	}
	switch msg.Op {
	case protocol.Pause:
		s.gate.Pause()
		s.log.Debug("paused")
	case protocol.Resume:
		s.gate.Resume()
		s.log.Debug("resumed")
	case protocol.Stdin:
		s.writeStdin(msg.Payload)
	case protocol.End:
		err := s.stdin.close()
		if err != nil {
			s.log.Debugf("closing stdin: %s", err)
		}
	default:
		s.log.Debugf("unknown message code %s", msg.Op)
	}
}

// writeStdin queues stdin for the process without blocking the reader. If the process is not keeping up,
// the client is told to pause until the queue drains.
func (s *Session) writeStdin(b []byte) {
	saturated, err := s.stdin.offer(b)
	if err != nil {
		s.log.Debugf("dropping %d bytes of stdin: %s", len(b), err)
		return
	}
	if saturated {
		s.sendControl(protocol.Pause)
		s.log.Debug("stdin saturated, paused client")
	}
}

// onDisconnect asks the process to exit. The session finishes once its output ends.
func (s *Session) onDisconnect() {
	s.disconnected.Store(true)
	s.setState(StateDraining)
	// nobody is left to resume or acknowledge output
	s.gate.Unblock()
	s.terminate(s.stdin, false)
}

func (s *Session) terminate(stdin *stdinPipe, wait bool) {
	err := stdin.terminate()
	if err != nil {
		// after end the process only has EOF to go on
		s.log.Debugf("kill sequence not written: %s", err)
		return
	}
	if !wait {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.closeTimeout)
	defer cancel()
	err = stdin.wait(ctx)
	if err != nil {
		s.log.Debugf("waiting for kill sequence to be written: %s", err)
	}
}

// ForceClose ends the session without waiting for the process to exit. The client receives shutdown.
func (s *Session) ForceClose() {
	if s.finishing.Load() {
		<-s.done
		return
	}
	s.setState(StateDraining)
	if _, stdin := s.attachment(); stdin != nil {
		s.terminate(stdin, true)
	}
	s.finish(protocol.Encode(protocol.Shutdown, nil))
}

// finish sends the terminal frame and closes the session. Only the first call has any effect;
// later callers wait for the first to complete.
func (s *Session) finish(last []byte) {
	s.finishOnce.Do(func() {
		s.finishing.Store(true)
		s.setState(StateDraining)

		ctx, cancel := context.WithTimeout(s.ctx, s.closeTimeout)
		defer cancel()

		// if the client paused us, hold the terminal frame and the close until it resumes
		if !s.disconnected.Load() && !s.gate.Open() {
			s.log.Debug("output throttled, deferring close")
			err := s.gate.Wait(ctx)
			if err != nil {
				s.log.Debugf("gave up waiting for output throttle: %s", err)
			}
		}

		s.out.sendLast(last)
		select {
		case <-s.out.flushed():
		case <-ctx.Done():
			s.log.Debug("timed out flushing frames")
		}

		if s.registry.Remove(s) {
			s.log.Debugf("%d sessions remaining", s.registry.Len())
		}
		s.setState(StateClosed)

		err := s.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
		s.cancel()
		if att, _ := s.attachment(); att != nil {
			att.Close()
		}
		close(s.done)
	})
	<-s.done
}
