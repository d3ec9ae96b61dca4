package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/forge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	got    []string
	block  chan struct{}
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, t model.Task) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t.ID+":"+t.Status)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestAsyncDeliversInOrder(t *testing.T) {
	rec := &recordingPublisher{}
	a := NewAsync(rec, 16, testLogger())

	for _, s := range []string{model.StatusPending, model.StatusReady, model.StatusAssigned, model.StatusRunning} {
		a.Notify(model.Task{ID: "t1", Status: s})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []string{"t1:pending", "t1:ready", "t1:assigned", "t1:running"}
	if len(rec.got) != len(want) {
		t.Fatalf("got %v, want %v", rec.got, want)
	}
	for i := range want {
		if rec.got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, rec.got[i], want[i])
		}
	}
	if !rec.closed {
		t.Error("publisher not closed")
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recordingPublisher{block: make(chan struct{})}
	a := NewAsync(rec, 1, testLogger())

	// The first update may be taken by the delivery goroutine; at most one
	// more fits in the buffer.
	for i := 0; i < 10; i++ {
		a.Notify(model.Task{ID: "t", Status: model.StatusPending})
	}
	close(rec.block)
	a.Close()

	if n := len(rec.got); n < 1 || n > 2 {
		t.Errorf("delivered %d updates, want 1 or 2", n)
	}
}

func TestAsyncNotifyAfterClose(t *testing.T) {
	rec := &recordingPublisher{}
	a := NewAsync(rec, 4, testLogger())
	a.Close()
	a.Notify(model.Task{ID: "late"})
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if len(rec.got) != 0 {
		t.Errorf("delivered %v after close", rec.got)
	}
}

func TestAsyncKeepsGoingAfterError(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("down")}
	a := NewAsync(rec, 4, testLogger())
	a.Notify(model.Task{ID: "a"})
	a.Notify(model.Task{ID: "b"})
	a.Close()
	if len(rec.got) != 2 {
		t.Errorf("delivered %d updates, want 2", len(rec.got))
	}
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := NewRedisPublisher(ctx, RedisConfig{Addr: mr.Addr()}, testLogger())
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	defer pub.Close()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	ps := sub.Subscribe(ctx, UpdateChannel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	task := model.Task{ID: "t1", PipelineID: "p1", StageName: "build", Status: model.StatusRunning, WorkerID: "w1"}
	if err := pub.Publish(ctx, task); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	raw, err := mr.Get(TaskKeyPrefix + "t1")
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	var snap model.Task
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != model.StatusRunning || snap.WorkerID != "w1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if ttl := mr.TTL(TaskKeyPrefix + "t1"); ttl != DefaultSnapshotTTL {
		t.Errorf("TTL = %s, want %s", ttl, DefaultSnapshotTTL)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var u Update
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if u.TaskID != "t1" || u.Status != model.StatusRunning || u.PipelineID != "p1" {
		t.Errorf("update = %+v", u)
	}
}

func TestNewRedisPublisherUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := NewRedisPublisher(ctx, RedisConfig{Addr: addr}, testLogger()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
