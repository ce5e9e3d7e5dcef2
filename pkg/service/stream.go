package service

import (
	"context"
	"time"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

const streamForwardQueueSize = 64

// StreamEvents returns a channel carrying the task's events from afterSeq
// onward. A running task is served live from the in-memory stream; a
// terminal or buffer-evicted task falls back to polling the durable log.
// The channel is closed when the task reaches a terminal state, the
// consumer context ends, or a polling stream sees no progress for the idle
// timeout. Heartbeats keep an otherwise quiet stream alive.
func (s *AuditService) StreamEvents(ctx context.Context, taskID string, afterSeq int64) (<-chan models.AuditEvent, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}

	if ch, detach, ok := s.subs.Subscribe(taskID, afterSeq); ok {
		out := make(chan models.AuditEvent, streamForwardQueueSize)
		go s.forwardLive(ctx, taskID, ch, out, detach)
		return out, nil
	}

	out := make(chan models.AuditEvent, streamForwardQueueSize)
	go s.pollStored(ctx, taskID, afterSeq, out)
	return out, nil
}

func (s *AuditService) forwardLive(ctx context.Context, taskID string, in <-chan models.AuditEvent, out chan<- models.AuditEvent, detach func()) {
	defer close(out)
	defer detach()
	heartbeat := time.NewTicker(s.pollInterval)
	defer heartbeat.Stop()
	lastSeq := int64(0)
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			lastSeq = e.Seq
		case <-heartbeat.C:
			select {
			case out <- models.AuditEvent{TaskID: taskID, Seq: lastSeq, Kind: models.HeartbeatEvent, EmittedAt: time.Now().UTC()}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// pollStored replays and then tails the durable log. It terminates on a
// terminal event, consumer disconnect, or an idle stretch with no new
// events.
func (s *AuditService) pollStored(ctx context.Context, taskID string, afterSeq int64, out chan<- models.AuditEvent) {
	defer close(out)
	seq := afterSeq
	lastProgress := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		events, err := s.store.ListEventsAfter(taskID, seq, streamForwardQueueSize)
		if err != nil {
			s.logger.Errorf("Stream poll for task %s failed: %v", taskID, err)
			return
		}
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			seq = e.Seq
			lastProgress = time.Now()
			if e.Kind == models.TaskTerminalEvent {
				return
			}
		}
		if len(events) == streamForwardQueueSize {
			continue
		}
		if time.Since(lastProgress) > s.idleTimeout {
			return
		}
		select {
		case out <- models.AuditEvent{TaskID: taskID, Seq: seq, Kind: models.HeartbeatEvent, EmittedAt: time.Now().UTC()}:
		default:
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
