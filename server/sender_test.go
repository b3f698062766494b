package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// recordingWriter records frames. While hold is non-nil, writes wait for it to be closed.
type recordingWriter struct {
	m      sync.Mutex
	frames [][]byte
	hold   chan struct{}
	err    error
}

func (w *recordingWriter) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	w.m.Lock()
	hold := w.hold
	err := w.err
	w.m.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	w.m.Lock()
	defer w.m.Unlock()
	w.frames = append(w.frames, append([]byte(nil), p...))
	return nil
}

func (w *recordingWriter) Frames() [][]byte {
	w.m.Lock()
	defer w.m.Unlock()
	return append([][]byte(nil), w.frames...)
}

func TestSenderDeliversInOrderWithCallbacks(t *testing.T) {
	w := &recordingWriter{}
	s := newSender(zap.NewNop().Sugar(), w)
	go s.run(context.Background())

	var m sync.Mutex
	var completed []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, s.send([]byte{byte(i)}, func(err error) {
			assert.NoError(t, err)
			m.Lock()
			completed = append(completed, i)
			m.Unlock()
		}))
	}
	require.True(t, s.sendLast([]byte{255}))
	require.False(t, s.send([]byte{1}, func(error) { t.Error("callback for rejected frame") }))
	require.False(t, s.sendLast([]byte{254}))

	select {
	case <-s.flushed():
	case <-time.After(testTimeout):
		t.Fatal("sender did not flush")
	}

	frames := w.Frames()
	require.Len(t, frames, 101)
	for i := 0; i < 100; i++ {
		assert.Equal(t, []byte{byte(i)}, frames[i])
		assert.Equal(t, i, completed[i])
	}
	assert.Equal(t, []byte{255}, frames[100])
}

func TestSenderCallbackGetsWriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("conn closed")}
	s := newSender(zap.NewNop().Sugar(), w)
	go s.run(context.Background())

	errs := make(chan error, 1)
	s.send([]byte{1}, func(err error) { errs <- err })
	select {
	case err := <-errs:
		require.EqualError(t, err, "conn closed")
	case <-time.After(testTimeout):
		t.Fatal("no callback")
	}
}

func TestSenderFailsPendingOnCancel(t *testing.T) {
	w := &recordingWriter{hold: make(chan struct{})}
	s := newSender(zap.NewNop().Sugar(), w)
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx)

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		s.send([]byte{byte(i)}, func(err error) {
			assert.Error(t, err)
			wg.Done()
		})
	}
	cancel()
	wg.Wait()
	<-s.flushed()
	assert.Empty(t, w.Frames())
}
