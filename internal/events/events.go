// Package events fans task status changes out to external consumers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/forge/internal/model"
)

// Publisher delivers one task snapshot to consumers.
type Publisher interface {
	Publish(ctx context.Context, t model.Task) error
	Close() error
}

// Update is the message sent for every status change.
type Update struct {
	TaskID     string    `json:"task_id"`
	PipelineID string    `json:"pipeline_id"`
	Stage      string    `json:"stage_name"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// UpdateFor builds the update message for t.
func UpdateFor(t model.Task) Update {
	return Update{
		TaskID:     t.ID,
		PipelineID: t.PipelineID,
		Stage:      t.StageName,
		Status:     t.Status,
		WorkerID:   t.WorkerID,
		Timestamp:  time.Now().UTC(),
	}
}

// Noop discards every update.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, model.Task) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

const publishTimeout = 5 * time.Second

var publishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "forge_events_published_total",
		Help: "Task updates handed to the event publisher, by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(publishedTotal)
}

// Async decouples queue observers from publisher latency. Updates are
// delivered in order by a single goroutine; when the buffer is full new
// updates are dropped.
type Async struct {
	pub    Publisher
	ch     chan model.Task
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the delivery goroutine.
func NewAsync(pub Publisher, buffer int, logger *slog.Logger) *Async {
	a := &Async{
		pub:    pub,
		ch:     make(chan model.Task, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for t := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := a.pub.Publish(ctx, t)
		cancel()
		if err != nil {
			publishedTotal.WithLabelValues("error").Inc()
			a.logger.Warn("publish task update", "task_id", t.ID, "status", t.Status, "error", err)
			continue
		}
		publishedTotal.WithLabelValues("ok").Inc()
	}
}

// Notify queues t for delivery without blocking. It matches queue.Observer.
func (a *Async) Notify(t model.Task) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- t:
	default:
		publishedTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn("event buffer full, dropping update", "task_id", t.ID, "status", t.Status)
	}
}

// Close delivers what is buffered, then closes the publisher.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
		<-a.done
		err = a.pub.Close()
	})
	return err
}
