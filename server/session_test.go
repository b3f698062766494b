package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/guseggert/execws/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newPumpSession builds a session whose frames go to w instead of a WebSocket.
func newPumpSession(t *testing.T, w *recordingWriter) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := newSession(ctx, sessionConfig{
		log:          zap.NewNop().Sugar(),
		registry:     NewRegistry(1),
		closeTimeout: time.Second,
	}, nil)
	s.out = newSender(zap.NewNop().Sugar(), w)
	go s.out.run(ctx)
	return s
}

func TestOutputStopsAboveHighWaterMark(t *testing.T) {
	hold := make(chan struct{})
	w := &recordingWriter{hold: hold}
	s := newPumpSession(t, w)

	chunk := bytes.Repeat([]byte("z"), maxChunkSize)
	const total = HighWaterMark/maxChunkSize + 20
	// the first chunk is stuck in the writer, and the mark is only exceeded strictly
	const expForwarded = HighWaterMark/maxChunkSize + 1

	forwarded := make(chan int, total)
	done := make(chan error, 1)
	go func() {
		out := &outputWriter{s: s, op: protocol.Stdout}
		for i := 0; i < total; i++ {
			if _, err := out.Write(chunk); err != nil {
				done <- err
				return
			}
			forwarded <- i
		}
		done <- nil
	}()

	require.Eventually(t, func() bool { return len(forwarded) == expForwarded }, testTimeout, time.Millisecond)
	// nothing more is pulled while over the mark
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, expForwarded, len(forwarded))
	assert.Greater(t, s.gate.Outstanding(), int64(HighWaterMark))
	assert.LessOrEqual(t, s.gate.Outstanding(), int64(HighWaterMark+maxChunkSize))

	close(hold)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return len(w.Frames()) == total }, testTimeout, time.Millisecond)
	assert.Equal(t, int64(0), s.gate.Outstanding())

	for _, f := range w.Frames() {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		require.Equal(t, protocol.Stdout, msg.Op)
		require.Equal(t, chunk, msg.Payload)
	}
}

func TestOutputBudgetAndClientPauseAreIndependent(t *testing.T) {
	w := &recordingWriter{}
	s := newPumpSession(t, w)

	s.messageHandler(protocol.Encode(protocol.Pause, nil))
	require.True(t, s.gate.Paused())

	written := make(chan error, 1)
	go func() {
		_, err := (&outputWriter{s: s, op: protocol.Stderr}).Write([]byte("err"))
		written <- err
	}()
	select {
	case <-written:
		t.Fatal("output was forwarded while paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(0), s.gate.Outstanding(), "budget is clear, only the pause holds output")

	s.messageHandler(protocol.Encode(protocol.Resume, nil))
	require.NoError(t, <-written)
	require.Eventually(t, func() bool { return len(w.Frames()) == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, protocol.Encode(protocol.Stderr, []byte("err")), w.Frames()[0])
}

func TestForwardAfterFinishIsRejected(t *testing.T) {
	w := &recordingWriter{}
	s := newPumpSession(t, w)

	require.True(t, s.out.sendLast(protocol.Encode(protocol.Shutdown, nil)))
	_, err := (&outputWriter{s: s, op: protocol.Stdout}).Write([]byte("late"))
	require.ErrorIs(t, err, errSessionClosed)
	assert.Equal(t, int64(0), s.gate.Outstanding())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestStateOnlyMovesForward(t *testing.T) {
	s := newPumpSession(t, &recordingWriter{})
	s.setState(StateDraining)
	s.setState(StateRunning)
	assert.Equal(t, StateDraining, s.State())
}
