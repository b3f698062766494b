package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/execws/container"
	"github.com/guseggert/execws/container/docker"
	"github.com/guseggert/execws/protocol"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

const (
	DefaultMaxSessions = 10
	DefaultHost        = "0.0.0.0"

	// TooManySessions is the error frame text sent when a connection arrives at the session limit.
	TooManySessions = "Too many sessions active!"
)

var (
	ErrMissingContainer = errors.New("required container ID missing")
	ErrListenerConfig   = errors.New("exactly one of port or router is required")
)

// Config configures a Server. Exactly one of Port and Router must be set.
type Config struct {
	// ContainerID is the name or ID of the container that execs run in. Required.
	ContainerID string

	// Path is where the WebSocket endpoint is served. Defaults to a random path.
	Path string

	// Port makes the server listen on its own HTTP server.
	Port int
	// Host is the address to bind when Port is set. Defaults to 0.0.0.0.
	Host string

	// Router attaches the endpoint to an existing router instead.
	Router *httprouter.Router

	// DockerSocket is the Docker daemon socket. It must be a Unix socket.
	// It is not used when a runtime is supplied with WithRuntime.
	DockerSocket string

	// MaxSessions bounds the number of concurrent sessions. Defaults to 10.
	MaxSessions int
}

// Server accepts WebSocket connections and runs one exec session per connection.
type Server struct {
	log *zap.SugaredLogger
	cfg Config

	runtime        container.Runtime
	registry       *Registry
	inspectTimeout time.Duration
	closeTimeout   time.Duration

	router     *httprouter.Router
	httpServer *http.Server

	m        sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("execws").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRuntime replaces the Docker runtime.
func WithRuntime(r container.Runtime) Option {
	return func(s *Server) {
		s.runtime = r
	}
}

// WithInspectTimeout bounds how long a finished exec's exit status may take to become available.
func WithInspectTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.inspectTimeout = d
	}
}

// WithCloseTimeout bounds how long closing a session waits for throttled or queued output.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.closeTimeout = d
	}
}

// New validates the config and builds a server. Configuration errors are returned here and nowhere else.
func New(cfg Config, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:            logger.Named("execws").Sugar(),
		inspectTimeout: 10 * time.Second,
		closeTimeout:   10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.ContainerID == "" {
		return nil, ErrMissingContainer
	}
	if (cfg.Port == 0) == (cfg.Router == nil) {
		return nil, ErrListenerConfig
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("invalid max sessions %d", cfg.MaxSessions)
	}
	if cfg.Path == "" {
		cfg.Path = "/" + uuid.NewString()
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = docker.DefaultSocket
	}
	if s.inspectTimeout <= 0 || s.closeTimeout <= 0 {
		return nil, errors.New("timeouts must be positive")
	}

	if s.runtime == nil {
		rt, err := docker.NewRuntime(cfg.DockerSocket)
		if err != nil {
			return nil, fmt.Errorf("setting up Docker: %w", err)
		}
		s.runtime = rt
	}

	s.cfg = cfg
	s.registry = NewRegistry(cfg.MaxSessions)

	s.router = cfg.Router
	if s.router == nil {
		s.router = httprouter.New()
		s.httpServer = &http.Server{Handler: s.router}
	}
	s.router.GET(cfg.Path, s.handle)

	if s.httpServer != nil {
		s.log.Debugf("%s:%d%s created", cfg.Host, cfg.Port, cfg.Path)
	} else {
		s.log.Debugf("%s attached to router", cfg.Path)
	}
	return s, nil
}

// Path returns the path the endpoint is served on.
func (s *Server) Path() string { return s.cfg.Path }

func (s *Server) Registry() *Registry { return s.registry }

// ServeHTTP serves the server's routes, so the server can be mounted in another HTTP server or test server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on the configured port and serves until Close is called.
func (s *Server) Run() error {
	if s.httpServer == nil {
		return errors.New("server is attached to a router and has no listener of its own")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.log.Debug("connection received")
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	query := r.URL.Query()
	sess := newSession(r.Context(), sessionConfig{
		log:            s.log,
		runtime:        s.runtime,
		registry:       s.registry,
		containerID:    s.cfg.ContainerID,
		cmd:            query["command"],
		tty:            strings.EqualFold(query.Get("tty"), "true"),
		inspectTimeout: s.inspectTimeout,
		closeTimeout:   s.closeTimeout,
	}, wsConn)

	reason, ok := s.admit(sess)
	if !ok {
		s.reject(r.Context(), wsConn, reason)
		return
	}
	defer s.sessions.Done()

	s.log.Debugf("%d sessions created", s.registry.Len())
	sess.Run()
}

// admit registers sess, or releases it and returns the reason it was turned away.
func (s *Server) admit(sess *Session) (string, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		sess.cancel()
		return "Server is shutting down", false
	}
	if !s.registry.TryAdd(sess) {
		sess.cancel()
		s.log.Debugf("rejecting connection, %d sessions active", s.registry.Max())
		return TooManySessions, false
	}
	s.sessions.Add(1)
	return "", true
}

// reject sends a single error frame and closes the connection.
func (s *Server) reject(ctx context.Context, conn *websocket.Conn, reason string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := conn.Write(ctx, websocket.MessageBinary, protocol.Encode(protocol.Error, []byte(reason)))
	if err != nil {
		s.log.Debugf("error sending rejection: %s", err)
	}
	conn.Close(websocket.StatusTryAgainLater, reason)
}

// Close stops accepting connections and force-closes every session, waiting for them until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return nil
	}
	s.closed = true
	s.m.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}

	sessions := s.registry.Sessions()
	s.log.Debugf("force closing %d sessions", len(sessions))
	for _, sess := range sessions {
		go sess.ForceClose()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
	}
	return err
}
