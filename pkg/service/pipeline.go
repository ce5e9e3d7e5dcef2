package service

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/metrics"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

// taskCounter is the single writer of one task's sequence numbers.
type taskCounter struct {
	mu  sync.Mutex
	seq int64
}

// Pipeline is the single entry point for event emission. Persisted kinds are
// written to the durable store before they reach any subscriber, so a crash
// can never show a subscriber something storage does not know. Ephemeral
// kinds skip storage and carry the last persisted sequence number.
type Pipeline struct {
	store  storage.Store
	subs   *SubscriberRegistry
	logger Logger

	mu       sync.Mutex
	counters map[string]*taskCounter
}

func NewPipeline(store storage.Store, subs *SubscriberRegistry, logger Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		subs:     subs,
		logger:   logger,
		counters: make(map[string]*taskCounter),
	}
}

// Init registers the sequence counter for a new task.
func (p *Pipeline) Init(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.counters[taskID]; !ok {
		p.counters[taskID] = &taskCounter{}
	}
}

// Remove drops the counter during task cleanup.
func (p *Pipeline) Remove(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, taskID)
}

// counter never recreates a removed entry: a straggler goroutine emitting
// after cleanup must not restart the task's sequence at 1.
func (p *Pipeline) counter(taskID string) (*taskCounter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[taskID]
	return c, ok
}

// Emit assigns the event's sequence number, persists it when its kind is
// durable and fans it out to live subscribers.
func (p *Pipeline) Emit(e models.AuditEvent) error {
	if e.TaskID == "" {
		return errors.New("event task id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}

	c, ok := p.counter(e.TaskID)
	if !ok {
		return errors.Errorf("task %s has no event counter", e.TaskID)
	}
	c.mu.Lock()
	if e.Kind.Ephemeral() {
		e.Seq = c.seq
	} else {
		c.seq++
		e.Seq = c.seq
		if err := p.store.AppendEvent(e); err != nil {
			// Reissue the failed number so the durable log stays gap free.
			c.seq--
			c.mu.Unlock()
			return errors.Wrapf(err, "append event seq %d for task %s", e.Seq, e.TaskID)
		}
	}
	c.mu.Unlock()

	metrics.EventsEmittedTotal.WithLabelValues(string(e.Kind)).Inc()
	p.subs.Publish(e.TaskID, e)
	return nil
}

// EmitLog emits a log event with an optional structured payload.
func (p *Pipeline) EmitLog(taskID string, phase models.Phase, message string, payload map[string]any) error {
	return p.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.LogEvent,
		Phase:   phase,
		Message: message,
		Payload: mustJSONRaw(payload),
	})
}

// EmitProgress emits the task's current counters.
func (p *Pipeline) EmitProgress(taskID string, phase models.Phase, prog models.Progress) error {
	return p.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.ProgressEvent,
		Phase:   phase,
		Payload: mustJSONRaw(prog),
	})
}

// EmitThought streams a model-composition fragment to live subscribers only.
func (p *Pipeline) EmitThought(taskID string, phase models.Phase, fragment string) error {
	return p.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.ThoughtFragmentEvent,
		Phase:   phase,
		Message: fragment,
	})
}

func mustJSONRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are engine-built maps and structs; a marshal failure is
		// a programming error worth surfacing in the stream itself.
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}
