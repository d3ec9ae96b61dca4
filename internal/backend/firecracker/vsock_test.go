package firecracker

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGuest reads one request from conn and replays msgs.
func fakeGuest(t *testing.T, conn net.Conn, msgs []GuestMessage, got chan<- GuestRequest) {
	t.Helper()
	go func() {
		defer conn.Close()
		var req GuestRequest
		if err := ReadMessage(conn, &req); err != nil {
			t.Errorf("guest read: %v", err)
			return
		}
		if got != nil {
			got <- req
		}
		for i := range msgs {
			if err := WriteMessage(conn, &msgs[i]); err != nil {
				return
			}
		}
	}()
}

func TestRunTaskResult(t *testing.T) {
	server, client := net.Pipe()
	gc := &GuestConn{conn: client, reader: client}

	want := GuestResponse{ExitCode: 3, Stdout: "out\n", Stderr: "err\n"}
	reqs := make(chan GuestRequest, 1)
	fakeGuest(t, server, []GuestMessage{{Type: MsgTypeResult, Response: &want}}, reqs)

	resp, err := gc.RunTask(GuestRequest{TaskID: "t1", Argv: []string{"false"}, TimeoutS: 10}, nil)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if resp != want {
		t.Errorf("RunTask() = %+v, want %+v", resp, want)
	}
	req := <-reqs
	if req.TaskID != "t1" || !slices.Equal(req.Argv, []string{"false"}) {
		t.Errorf("guest got %+v", req)
	}
}

func TestRunTaskStreamsLines(t *testing.T) {
	server, client := net.Pipe()
	gc := &GuestConn{conn: client, reader: client}

	fakeGuest(t, server, []GuestMessage{
		{Type: MsgTypeLog, Stream: StreamStdout, Line: "compiling"},
		{Type: MsgTypeLog, Stream: StreamStderr, Line: "warning"},
		{Type: MsgTypeLog, Stream: StreamStdout, Line: "done"},
		{Type: MsgTypeResult, Response: &GuestResponse{}},
	}, nil)

	var mu sync.Mutex
	var got []string
	resp, err := gc.RunTask(GuestRequest{TaskID: "t1"}, func(stream, line string) {
		mu.Lock()
		got = append(got, stream+":"+line)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", resp.ExitCode)
	}

	want := []string{"stdout:compiling", "stderr:warning", "stdout:done"}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestRunTaskErrors(t *testing.T) {
	tests := []struct {
		name    string
		msgs    []GuestMessage
		wantErr string
	}{
		{"guest hangs up", nil, "read guest message"},
		{"result without response", []GuestMessage{{Type: MsgTypeResult}}, "without response"},
		{"unknown type", []GuestMessage{{Type: "bogus"}}, "unknown message type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			gc := &GuestConn{conn: client, reader: client}
			fakeGuest(t, server, tt.msgs, nil)

			_, err := gc.RunTask(GuestRequest{TaskID: "t1"}, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("RunTask() error = %v, want %q", err, tt.wantErr)
			}
			gc.Close()
		})
	}
}

func TestDialGuestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := DialGuest(ctx, "/nonexistent.sock", DefaultVsockPort); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDialGuestRefused(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			bufio.NewReader(conn).ReadString('\n')
			conn.Write([]byte("NOPE\n"))
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = dialVsockUDS(ctx, sock, DefaultVsockPort)
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Errorf("dialVsockUDS() error = %v, want refused", err)
	}
}

func TestDialGuestRetriesUntilGuestListens(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "v.sock")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(250 * time.Millisecond)
		l, err := net.Listen("unix", sock)
		if err != nil {
			t.Errorf("listen: %v", err)
			return
		}
		defer l.Close()

		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, _ := bufio.NewReader(conn).ReadString('\n')
		if line != "CONNECT 1024\n" {
			t.Errorf("handshake = %q", line)
		}
		conn.Write([]byte("OK 1024\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gc, err := DialGuest(ctx, sock, 1024)
	if err != nil {
		t.Fatalf("DialGuest: %v", err)
	}
	gc.Close()
	wg.Wait()
}
