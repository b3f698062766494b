package protocol

import (
	"errors"
	"fmt"
)

type Opcode byte

const (
	Stdin  Opcode = 0
	Stdout Opcode = 1
	Stderr Opcode = 2

	Pause  Opcode = 100
	Resume Opcode = 101
	End    Opcode = 102

	Stopped  Opcode = 200
	Shutdown Opcode = 201
	Error    Opcode = 202
)

var ErrEmptyFrame = errors.New("empty frame")

func (o Opcode) String() string {
	switch o {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case End:
		return "end"
	case Stopped:
		return "stopped"
	case Shutdown:
		return "shutdown"
	case Error:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", byte(o))
}

// Message is a single decoded frame.
type Message struct {
	Op      Opcode
	Payload []byte
}

// Encode builds a frame from an opcode and payload. The payload is copied.
func Encode(op Opcode, payload []byte) []byte {
	b := make([]byte, 1+len(payload))
	b[0] = byte(op)
	copy(b[1:], payload)
	return b
}

// Decode splits a frame into its opcode and payload.
// The payload aliases the frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}
	return Message{Op: Opcode(frame[0]), Payload: frame[1:]}, nil
}

func (m Message) Encode() []byte { return Encode(m.Op, m.Payload) }

// ExitStatus builds a stopped frame. Exit codes outside a byte are truncated the way a shell reports them.
func ExitStatus(code int) []byte {
	return []byte{byte(Stopped), byte(code & 0xff)}
}

// ExitCode returns the exit code carried by a stopped message.
func (m Message) ExitCode() (int, error) {
	if m.Op != Stopped {
		return 0, fmt.Errorf("message is %s, not stopped", m.Op)
	}
	if len(m.Payload) != 1 {
		return 0, fmt.Errorf("stopped payload has %d bytes, expected 1", len(m.Payload))
	}
	return int(m.Payload[0]), nil
}
