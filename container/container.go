package container

import (
	"context"
	"io"
)

type ExecConfig struct {
	Cmd []string
	TTY bool
}

// Exec is a handle to an exec created inside a container. It is only meaningful to the Runtime that created it.
type Exec struct {
	ID          string
	ContainerID string
	Config      ExecConfig
}

type ExecStatus struct {
	Running  bool
	ExitCode int
}

// Attachment is the attached I/O of a started exec.
type Attachment interface {
	// CopyOutput demultiplexes the exec's output into stdout and stderr until the output stream ends.
	// Writes to stdout and stderr may happen from different goroutines.
	// A write error stops the copy and is returned.
	CopyOutput(stdout, stderr io.Writer) error

	// Write writes to the exec's stdin.
	Write(b []byte) (int, error)

	// CloseStdin signals EOF on the exec's stdin.
	CloseStdin() error

	// Close releases the attachment. Any CopyOutput call returns soon after.
	Close() error
}

// Runtime creates, starts, and inspects execs. Implementations must be goroutine-safe.
type Runtime interface {
	CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (Exec, error)
	StartExec(ctx context.Context, exec Exec) (Attachment, error)
	InspectExec(ctx context.Context, exec Exec) (ExecStatus, error)
}
