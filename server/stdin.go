package server

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"github.com/guseggert/execws/container"
	"go.uber.org/zap"
)

// stdinQueueDepth is how many chunks may wait for the process before the client is asked to pause.
const stdinQueueDepth = 16

// killSequence is written to stdin when the client goes away: ctrl+c, ctrl+d, then an explicit exit.
// There's no kill operation on an exec, so this is best effort and works for shells and most REPLs.
var killSequence = []byte("\x03\x04\r\nexit\r\n")

var errStdinClosed = errors.New("stdin closed")

// stdinPipe feeds client stdin to the exec from a queue that is drained by one writer goroutine.
// Queueing never blocks, so the connection keeps being read while the process is slow.
// When more than stdinQueueDepth chunks are waiting the pipe becomes saturated; onDrain is called
// once the writer has emptied the queue again.
type stdinPipe struct {
	log     *zap.SugaredLogger
	att     container.Attachment
	onDrain func()

	m         sync.Mutex
	queue     *queue.Queue
	closed    bool
	saturated bool

	wake chan struct{}
	done chan struct{}
}

func newStdinPipe(log *zap.SugaredLogger, att container.Attachment, onDrain func()) *stdinPipe {
	return &stdinPipe{
		log:     log,
		att:     att,
		onDrain: onDrain,
		queue:   queue.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (p *stdinPipe) stoppedLocked() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *stdinPipe) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// offer queues b. It reports true when this chunk saturated the pipe, which happens once per episode.
func (p *stdinPipe) offer(b []byte) (bool, error) {
	p.m.Lock()
	if p.closed || p.stoppedLocked() {
		p.m.Unlock()
		return false, errStdinClosed
	}
	p.queue.Add(b)
	saturated := false
	if !p.saturated && p.queue.Length() > stdinQueueDepth {
		p.saturated = true
		saturated = true
	}
	p.m.Unlock()
	p.notify()
	return saturated, nil
}

// pending is the number of queued chunks not yet taken by the writer.
func (p *stdinPipe) pending() int {
	p.m.Lock()
	defer p.m.Unlock()
	return p.queue.Length()
}

// close queues EOF behind any pending data. Later writes fail.
func (p *stdinPipe) close() error {
	p.m.Lock()
	if p.closed {
		p.m.Unlock()
		return nil
	}
	if p.stoppedLocked() {
		p.m.Unlock()
		return errStdinClosed
	}
	// nil is the EOF marker
	p.queue.Add([]byte(nil))
	p.closed = true
	p.m.Unlock()
	p.notify()
	return nil
}

// terminate queues the kill sequence followed by EOF. It fails if stdin was already closed.
func (p *stdinPipe) terminate() error {
	p.m.Lock()
	if p.closed || p.stoppedLocked() {
		p.m.Unlock()
		return errStdinClosed
	}
	p.queue.Add(killSequence)
	p.queue.Add([]byte(nil))
	p.closed = true
	p.m.Unlock()
	p.notify()
	return nil
}

// wait blocks until the writer has stopped, which happens after EOF has been delivered.
func (p *stdinPipe) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *stdinPipe) next() ([]byte, bool) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.queue.Length() == 0 {
		return nil, false
	}
	return p.queue.Remove().([]byte), true
}

func (p *stdinPipe) run(ctx context.Context) {
	defer close(p.done)
	for {
		b, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if b == nil {
			err := p.att.CloseStdin()
			if err != nil {
				p.log.Debugf("error closing stdin: %s", err)
			}
			return
		}
		_, err := p.att.Write(b)
		if err != nil {
			p.log.Debugf("stdin write error: %s", err)
			return
		}
		p.checkDrained()
	}
}

func (p *stdinPipe) checkDrained() {
	p.m.Lock()
	drained := p.saturated && p.queue.Length() == 0
	if drained {
		p.saturated = false
	}
	p.m.Unlock()
	if drained && p.onDrain != nil {
		p.onDrain()
	}
}
