package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry policy for reaching the guest agent while the VM boots.
const (
	dialAttempts    = 6
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is a connection to the guest agent inside one microVM. It is
// used by a single goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // keeps bytes buffered during the CONNECT handshake
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge at udsPath, retrying with exponential backoff while the guest boots.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 1; attempt <= dialAttempts; attempt++ {
		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			if deadline, ok := ctx.Deadline(); ok {
				if err := gc.conn.SetDeadline(deadline); err != nil {
					gc.conn.Close()
					return nil, fmt.Errorf("set deadline: %w", err)
				}
			}
			return gc, nil
		}
		lastErr = err
		if attempt == dialAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialAttempts, lastErr)
}

// dialVsockUDS performs Firecracker's host-initiated vsock handshake:
// send "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if line = strings.TrimSpace(line); !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT refused: %s", line)
	}
	return &GuestConn{conn: conn, reader: reader}, nil
}

// RunTask sends req and consumes the guest's messages until the final
// result. Each output line is passed to onLine as it arrives.
func (gc *GuestConn) RunTask(req GuestRequest, onLine func(stream, line string)) (GuestResponse, error) {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return GuestResponse{}, fmt.Errorf("send task: %w", err)
	}

	for {
		var msg GuestMessage
		if err := ReadMessage(gc.reader, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}
		switch msg.Type {
		case MsgTypeLog:
			if onLine != nil {
				onLine(msg.Stream, msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, fmt.Errorf("result message without response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
