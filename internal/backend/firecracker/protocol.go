package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// GuestRequest asks the guest agent to run one task.
type GuestRequest struct {
	TaskID   string   `json:"task_id"`
	Argv     []string `json:"argv"`
	Env      []string `json:"env,omitempty"`
	WorkDir  string   `json:"work_dir,omitempty"`
	TimeoutS int      `json:"timeout_s"`
}

// GuestResponse reports how the task ended inside the guest.
type GuestResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Guest→host message types for vsock streaming.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Output stream names carried on log messages.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// GuestMessage is the envelope for all guest→host messages over vsock.
// While the task runs the guest sends Type="log" messages, one per output
// line; a single Type="result" message ends the exchange.
type GuestMessage struct {
	Type     string         `json:"type"`
	Stream   string         `json:"stream,omitempty"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
