package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/execws/client"
	"github.com/guseggert/execws/container/local"
	"github.com/guseggert/execws/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

func main() {
	app := &cli.App{
		Name:  "execws",
		Usage: "run processes in a container over a WebSocket",
		Commands: []*cli.Command{
			serveCommand,
			execCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve exec sessions for a container",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "container-id",
			Usage:    "The name or ID of the container to exec in.",
			Required: true,
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "The port to listen on.",
			Value: 8080,
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "The address to bind.",
			Value: server.DefaultHost,
		},
		&cli.StringFlag{
			Name:  "path",
			Usage: "The path of the WebSocket endpoint. Defaults to a random path, which is logged at startup.",
		},
		&cli.StringFlag{
			Name:  "docker-socket",
			Usage: "The Docker daemon socket.",
		},
		&cli.IntFlag{
			Name:  "max-sessions",
			Usage: "The maximum number of concurrent sessions.",
			Value: server.DefaultMaxSessions,
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "One of [debug,info,warn,error].",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "runtime",
			Usage: "Where execs run. One of [docker,local]. With local, container-id is the working directory on this host.",
			Value: "docker",
		},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "How long to wait for sessions to close on shutdown.",
			Value: 15 * time.Second,
		},
	},
	Action: func(ctx *cli.Context) error {
		level, err := zapcore.ParseLevel(ctx.String("log-level"))
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		opts := []server.Option{
			server.WithLogger(logger),
			server.WithLogLevel(level),
		}
		switch rt := ctx.String("runtime"); rt {
		case "docker":
			// the server builds the Docker runtime from DockerSocket
		case "local":
			opts = append(opts, server.WithRuntime(local.NewRuntime()))
		default:
			return fmt.Errorf("unsupported runtime %q", rt)
		}

		srv, err := server.New(server.Config{
			ContainerID:  ctx.String("container-id"),
			Path:         ctx.String("path"),
			Port:         ctx.Int("port"),
			Host:         ctx.String("host"),
			DockerSocket: ctx.String("docker-socket"),
			MaxSessions:  ctx.Int("max-sessions"),
		}, opts...)
		if err != nil {
			return fmt.Errorf("building server: %w", err)
		}
		logger.Sugar().Infow("serving", "Host", ctx.String("host"), "Port", ctx.Int("port"), "Path", srv.Path())

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run() }()

		select {
		case err := <-errCh:
			return err
		case <-sigCtx.Done():
		}

		logger.Sugar().Info("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("shutdown-timeout"))
		defer cancel()
		err = srv.Close(closeCtx)
		if err != nil {
			return err
		}
		return <-errCh
	},
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "run a command through an execws server",
	ArgsUsage: "COMMAND [ARG...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "url",
			Usage:    "The WebSocket URL of the server endpoint, e.g. ws://127.0.0.1:8080/exec.",
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "tty",
			Aliases: []string{"t"},
			Usage:   "Allocate a TTY. The local terminal is put into raw mode.",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Enable debug logging.",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return errors.New("a command is required")
		}
		level := zapcore.WarnLevel
		if ctx.Bool("debug") {
			level = zapcore.DebugLevel
		}
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		logger, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		tty := ctx.Bool("tty")
		if tty {
			restore, err := makeStdinRaw()
			if err != nil {
				return fmt.Errorf("putting terminal in raw mode: %w", err)
			}
			defer restore()
		}

		c := client.NewClient(logger.Sugar(), ctx.String("url"))
		proc, err := c.Exec(ctx.Context, client.ExecRequest{
			Command: ctx.Args().Slice(),
			TTY:     tty,
			Stdin:   os.Stdin,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
		})
		if err != nil {
			return err
		}
		defer proc.Close()

		res, err := proc.Wait(ctx.Context)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return cli.Exit("", res.ExitCode)
		}
		return nil
	},
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}
