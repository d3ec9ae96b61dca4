package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans live output lines of running tasks out to subscribers.
// It is safe for concurrent use.
//
// A closed topic stays behind as a marker so that subscribing after a task
// finished yields a closed channel. Forget drops the marker once the task
// record itself is pruned.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Subscribe returns a channel that receives the task's output lines and an
// unsubscribe function. The channel is already closed when the task has
// finished.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	logSubscribers.Inc()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			logSubscribers.Dec()
		}
	}
}

// Publish sends a line to every subscriber of the task. Subscribers whose
// buffer is full miss the line.
func (b *LogBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			logLinesDropped.Inc()
		}
	}
}

// Close ends the task's stream: current subscriber channels are closed and
// later Subscribe calls get a closed channel.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &logTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
		logSubscribers.Dec()
	}
}

// Forget removes everything kept for the task, including the closed marker.
func (b *LogBroker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[taskID]; ok && !t.closed {
		return
	}
	delete(b.topics, taskID)
}
