package server

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// frameWriter is the part of *websocket.Conn the sender needs.
type frameWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

type outbound struct {
	frame  []byte
	onSent func(error)
}

// sender delivers frames over one connection in the order they were queued.
// Queueing never blocks; every queued frame's callback is invoked exactly once, after the write completes or fails.
type sender struct {
	log  *zap.SugaredLogger
	conn frameWriter

	m      sync.Mutex
	queue  *queue.Queue
	sealed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSender(log *zap.SugaredLogger, conn frameWriter) *sender {
	return &sender{
		log:   log,
		conn:  conn,
		queue: queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// send queues a frame and reports whether it was accepted. onSent may be nil.
// onSent is only invoked for accepted frames.
func (s *sender) send(frame []byte, onSent func(error)) bool {
	s.m.Lock()
	if s.sealed {
		s.m.Unlock()
		return false
	}
	s.queue.Add(&outbound{frame: frame, onSent: onSent})
	s.m.Unlock()
	s.notify()
	return true
}

// sendLast queues a final frame and rejects everything queued after it.
// It reports whether the frame was accepted.
func (s *sender) sendLast(frame []byte) bool {
	s.m.Lock()
	if s.sealed {
		s.m.Unlock()
		return false
	}
	s.queue.Add(&outbound{frame: frame})
	s.sealed = true
	s.m.Unlock()
	s.notify()
	return true
}

func (s *sender) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sender) next() (*outbound, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.queue.Length() == 0 {
		return nil, s.sealed
	}
	return s.queue.Remove().(*outbound), false
}

// run writes queued frames until the sender is sealed and empty, or ctx is done.
// Frames still queued when ctx is done are failed with the context error.
func (s *sender) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			s.failPending(ctx.Err())
			return
		}
		o, finished := s.next()
		if finished {
			return
		}
		if o == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				s.failPending(ctx.Err())
				return
			}
		}
		err := s.conn.Write(ctx, websocket.MessageBinary, o.frame)
		if err != nil {
			s.log.Debugf("error writing %d byte frame: %s", len(o.frame), err)
		}
		if o.onSent != nil {
			o.onSent(err)
		}
	}
}

func (s *sender) failPending(err error) {
	s.m.Lock()
	s.sealed = true
	var pending []*outbound
	for s.queue.Length() > 0 {
		pending = append(pending, s.queue.Remove().(*outbound))
	}
	s.m.Unlock()
	for _, o := range pending {
		if o.onSent != nil {
			o.onSent(err)
		}
	}
}

// flushed is closed once run returns.
func (s *sender) flushed() <-chan struct{} { return s.done }
