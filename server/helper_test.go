package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/execws/container/fake"
	"github.com/guseggert/execws/protocol"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const testTimeout = 5 * time.Second

type testServer struct {
	srv *Server
	rt  *fake.Runtime
	url string
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *testServer {
	t.Helper()
	rt := fake.NewRuntime()
	router := httprouter.New()
	if cfg.ContainerID == "" {
		cfg.ContainerID = "container"
	}
	cfg.Router = router
	cfg.Path = "/exec"
	opts = append([]Option{WithLogger(zap.NewNop()), WithRuntime(rt)}, opts...)
	srv, err := New(cfg, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		srv.Close(ctx)
	})

	return &testServer{
		srv: srv,
		rt:  rt,
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/exec",
	}
}

func (s *testServer) nextExec(t *testing.T) *fake.Exec {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	e, err := s.rt.Next(ctx)
	require.NoError(t, err)
	return e
}

type frameOrErr struct {
	msg protocol.Message
	err error
}

// testConn is a raw protocol client. Frames are read in the background so that tests can wait with timeouts
// without canceling the WebSocket read, which would close the connection.
type testConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frameOrErr
}

func (s *testServer) dial(t *testing.T, query string) *testConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, s.url+"?"+query, nil)
	require.NoError(t, err)
	conn.SetReadLimit(1 << 20)

	c := &testConn{t: t, conn: conn, frames: make(chan frameOrErr, 1024)}
	go func() {
		for {
			_, b, err := conn.Read(context.Background())
			if err != nil {
				c.frames <- frameOrErr{err: err}
				close(c.frames)
				return
			}
			msg, err := protocol.Decode(b)
			c.frames <- frameOrErr{msg: msg, err: err}
		}
	}()
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return c
}

func (c *testConn) next() frameOrErr {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection already closed")
		}
		return f
	case <-time.After(testTimeout):
		c.t.Fatal("timed out waiting for frame")
	}
	return frameOrErr{}
}

func (c *testConn) expect(op protocol.Opcode) protocol.Message {
	c.t.Helper()
	f := c.next()
	require.NoError(c.t, f.err)
	require.Equal(c.t, op, f.msg.Op, "got %s", f.msg.Op)
	return f.msg
}

// expectClosed asserts that the connection is closed next, with no further frames.
func (c *testConn) expectClosed() websocket.StatusCode {
	c.t.Helper()
	f := c.next()
	require.Error(c.t, f.err, "expected close, got %s frame", f.msg.Op)
	return websocket.CloseStatus(f.err)
}

// expectNothing asserts that no frame arrives for a little while.
func (c *testConn) expectNothing() {
	c.t.Helper()
	select {
	case f := <-c.frames:
		c.t.Fatalf("expected no frame, got %s (err=%v)", f.msg.Op, f.err)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testConn) send(op protocol.Opcode, payload []byte) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(op, payload)))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}
