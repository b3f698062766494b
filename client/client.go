package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/guseggert/execws/internal/flow"
	"github.com/guseggert/execws/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	readLimit = 1024 * 1024

	stdinChunkSize = 16 * 1024
)

// ErrShutdown is returned by Wait when the server ended the session without an exit status.
var ErrShutdown = errors.New("session shut down by server")

// RemoteError is an error frame sent by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "server error: " + e.Message }

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger

	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the exec endpoint at rawURL (ws:// or wss://).
// Dialing is retried, so the client can be used while the server is still starting.
func NewClient(log *zap.SugaredLogger, rawURL string, opts ...ClientOption) *Client {
	c := &Client{
		URL:    rawURL,
		Logger: log.Named("execws_client"),
	}
	for _, o := range opts {
		o(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 20
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

type ExecRequest struct {
	// Command is the argv to run.
	Command []string
	TTY     bool

	// Stdin is streamed to the process. When it returns io.EOF, the process's stdin is closed.
	// A nil Stdin closes the process's stdin immediately.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	ExitCode int
}

type result struct {
	res *Result
	err error
}

// Process is a remote process started with Exec.
type Process struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	req    ExecRequest

	// gate holds stdin until the server is ready and while it has asked us to pause
	gate *flow.Gate

	// the first terminal frame or conn error wins
	resultOnce sync.Once
	outcome    result
	resultDone chan struct{}

	// readerDone is closed when the message reader exits
	readerDone chan struct{}

	closeConnOnce sync.Once
}

func (c *Client) execURL(req ExecRequest) (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	q := u.Query()
	q.Del("command")
	for _, arg := range req.Command {
		q.Add("command", arg)
	}
	if req.TTY {
		q.Set("tty", "true")
	} else {
		q.Del("tty")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exec starts a process on the server and streams its I/O until it exits.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (*Process, error) {
	u, err := c.execURL(req)
	if err != nil {
		return nil, err
	}
	c.Logger.Debugw("dialing WebSocket for exec", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to exec: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if req.Stdout == nil {
		req.Stdout = io.Discard
	}
	if req.Stderr == nil {
		req.Stderr = io.Discard
	}

	// the process outlives the dial context
	pctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		log:        c.Logger.Named("process"),
		conn:       conn,
		ctx:        pctx,
		cancel:     cancel,
		req:        req,
		gate:       flow.NewGate(0),
		resultDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	p.gate.Pause()

	go p.readMessages()
	// a Stdin read can't be interrupted, so this goroutine exits after its next read once the process is closed
	go p.writeStdin()
	return p, nil
}

// Wait waits for the process to exit. A process ended by the server without an exit status returns ErrShutdown.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.resultDone:
		return p.outcome.res, p.outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause asks the server to stop sending output.
func (p *Process) Pause(ctx context.Context) error {
	return p.send(ctx, protocol.Pause, nil)
}

// Resume asks the server to continue sending output.
func (p *Process) Resume(ctx context.Context) error {
	return p.send(ctx, protocol.Resume, nil)
}

// Close disconnects from the server, which asks the process to exit.
func (p *Process) Close() error {
	var err error
	p.closeConnOnce.Do(func() {
		err = p.conn.Close(websocket.StatusNormalClosure, "")
	})
	p.cancel()
	<-p.readerDone
	return err
}

func (p *Process) send(ctx context.Context, op protocol.Opcode, payload []byte) error {
	return p.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(op, payload))
}

func (p *Process) setResult(r result) {
	p.resultOnce.Do(func() {
		p.outcome = r
		close(p.resultDone)
	})
}

func (p *Process) readMessages() {
	defer close(p.readerDone)
	defer p.cancel()
	// stdin must not stay parked on the gate once the server is gone
	defer p.gate.Unblock()

	for {
		_, b, err := p.conn.Read(p.ctx)
		if err != nil {
			p.log.Debugf("message reader got error: %s", err)
			p.setResult(result{err: fmt.Errorf("conn closed before the process exited: %w", err)})
			return
		}
		msg, err := protocol.Decode(b)
		if err != nil {
			p.log.Debugf("bad message: %s", err)
			continue
		}
		switch msg.Op {
		case protocol.Stdout:
			_, err = p.req.Stdout.Write(msg.Payload)
		case protocol.Stderr:
			_, err = p.req.Stderr.Write(msg.Payload)
		case protocol.Pause:
			p.gate.Pause()
		case protocol.Resume:
			p.gate.Resume()
		case protocol.Stopped:
			code, cerr := msg.ExitCode()
			if cerr != nil {
				p.setResult(result{err: cerr})
			} else {
				p.setResult(result{res: &Result{ExitCode: code}})
			}
		case protocol.Shutdown:
			p.setResult(result{err: ErrShutdown})
		case protocol.Error:
			p.setResult(result{err: &RemoteError{Message: string(msg.Payload)}})
		default:
			p.log.Debugf("unknown message code %s", msg.Op)
		}
		if err != nil {
			p.log.Debugf("output writer got error: %s", err)
		}
	}
}

func (p *Process) writeStdin() {
	err := p.gate.Wait(p.ctx)
	if err != nil {
		return
	}
	if p.req.Stdin != nil {
		err = p.copyStdin()
		if err != nil {
			p.log.Debugf("done copying stdin: %s", err)
			return
		}
	}
	err = p.send(p.ctx, protocol.End, nil)
	if err != nil {
		p.log.Debugf("error sending end: %s", err)
	}
}

func (p *Process) copyStdin() error {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := p.req.Stdin.Read(buf)
		if n > 0 {
			werr := p.gate.Wait(p.ctx)
			if werr != nil {
				return werr
			}
			werr = p.send(p.ctx, protocol.Stdin, buf[:n])
			if werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
