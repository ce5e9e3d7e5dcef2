package service

import (
	"sync"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

const (
	// streamBufferLimit bounds the per-task replay buffer. Once full, new
	// events are no longer buffered (they still reach durable storage).
	streamBufferLimit = 1024
	// subscriberQueueSize bounds each subscriber's delivery queue. A slow
	// subscriber drops events rather than stalling execution.
	subscriberQueueSize = 256
)

// taskStream is the live-side state of one task: a bounded replay buffer and
// the attached subscriber queues.
type taskStream struct {
	mu        sync.Mutex
	buffer    []models.AuditEvent
	subs      map[int64]chan models.AuditEvent
	nextSubID int64
	closed    bool
}

// SubscriberRegistry holds the per-task live streams, keyed by task id.
// Streams are created on submit and removed during terminal cleanup.
type SubscriberRegistry struct {
	mu      sync.Mutex
	streams map[string]*taskStream
	logger  Logger
}

func NewSubscriberRegistry(logger Logger) *SubscriberRegistry {
	return &SubscriberRegistry{
		streams: make(map[string]*taskStream),
		logger:  logger,
	}
}

// Create registers an empty stream for a task id. Idempotent.
func (r *SubscriberRegistry) Create(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[taskID]; !ok {
		r.streams[taskID] = &taskStream{subs: make(map[int64]chan models.AuditEvent)}
	}
}

func (r *SubscriberRegistry) lookup(taskID string) *taskStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[taskID]
}

// Publish fans an event out to the task's buffer and subscribers. A full
// buffer or a full subscriber queue drops silently; publication never
// blocks the producer. A terminal event closes every subscriber queue.
func (r *SubscriberRegistry) Publish(taskID string, e models.AuditEvent) {
	st := r.lookup(taskID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if len(st.buffer) < streamBufferLimit {
		st.buffer = append(st.buffer, e)
	}
	for id, ch := range st.subs {
		select {
		case ch <- e:
		default:
			r.logger.Infof("Dropping event seq %d for slow subscriber %d on task %s", e.Seq, id, taskID)
		}
	}
	if e.Kind == models.TaskTerminalEvent {
		st.closed = true
		for id, ch := range st.subs {
			close(ch)
			delete(st.subs, id)
		}
	}
}

// Subscribe attaches a live subscriber, draining events already buffered
// beyond afterSeq before any new event. The second return is false when no
// live producer exists (task finished or unknown); callers then poll the
// durable log instead. The returned func detaches without affecting the
// task.
func (r *SubscriberRegistry) Subscribe(taskID string, afterSeq int64) (<-chan models.AuditEvent, func(), bool) {
	st := r.lookup(taskID)
	if st == nil {
		return nil, nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, nil, false
	}

	backlog := make([]models.AuditEvent, 0, len(st.buffer))
	for _, e := range st.buffer {
		if e.Seq > afterSeq || e.Kind.Ephemeral() {
			backlog = append(backlog, e)
		}
	}
	ch := make(chan models.AuditEvent, len(backlog)+subscriberQueueSize)
	for _, e := range backlog {
		ch <- e
	}

	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = ch

	detach := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(sub)
		}
	}
	return ch, detach, true
}

// Remove tears the stream down, closing any straggling subscribers. Runs
// unconditionally during task cleanup.
func (r *SubscriberRegistry) Remove(taskID string) {
	r.mu.Lock()
	st := r.streams[taskID]
	delete(r.streams, taskID)
	r.mu.Unlock()

	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
}
