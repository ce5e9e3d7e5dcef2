package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/lintsinghua/XCodeReviewer-sub001/internal/metrics"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// maxToolPayloadBytes bounds the payload copied into a tool-call event.
// Longer payloads are truncated with an explicit marker, never dropped.
const maxToolPayloadBytes = 8 * 1024

// Tool is an opaque, named capability a worker may invoke.
type Tool interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ToolRegistry holds the tools available to workers, by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errors.New("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	return nil
}

func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolRunner executes tools on behalf of workers: it bounds per-phase
// fan-out, emits the paired start/end events and converts tool failures
// into events rather than phase aborts.
type ToolRunner struct {
	registry *ToolRegistry
	pipeline *Pipeline
	sem      *semaphore.Weighted
}

func NewToolRunner(registry *ToolRegistry, pipeline *Pipeline, maxConcurrent int64) *ToolRunner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &ToolRunner{
		registry: registry,
		pipeline: pipeline,
		sem:      semaphore.NewWeighted(maxConcurrent),
	}
}

// Run executes one tool call. The returned error is the tool's own error;
// callers decide whether the phase can continue (it usually can).
func (tr *ToolRunner) Run(ctx context.Context, taskID string, phase models.Phase, nodeID, toolName string, input json.RawMessage) (json.RawMessage, error) {
	tool, ok := tr.registry.Lookup(toolName)
	if !ok {
		return nil, errors.Errorf("tool %q is not registered", toolName)
	}

	if err := tr.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer tr.sem.Release(1)

	callID := fmt.Sprintf("%s-%d", toolName, time.Now().UnixNano())
	_ = tr.pipeline.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.ToolCallStartedEvent,
		Phase:   phase,
		Message: toolName,
		Payload: mustJSONRaw(map[string]any{
			"call_id": callID,
			"node_id": nodeID,
			"tool":    toolName,
			"input":   truncatePayload(input),
		}),
	})

	started := time.Now()
	output, err := tool.Execute(ctx, input)
	duration := time.Since(started)
	metrics.ToolCallDurationSeconds.WithLabelValues(toolName).Observe(duration.Seconds())

	endPayload := map[string]any{
		"call_id":     callID,
		"node_id":     nodeID,
		"tool":        toolName,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		endPayload["error"] = err.Error()
	} else {
		endPayload["output"] = truncatePayload(output)
	}
	_ = tr.pipeline.Emit(models.AuditEvent{
		TaskID:  taskID,
		Kind:    models.ToolCallEndedEvent,
		Phase:   phase,
		Message: toolName,
		Payload: mustJSONRaw(endPayload),
	})

	return output, err
}

// truncatePayload caps a payload at maxToolPayloadBytes, appending a marker
// naming how much was cut.
func truncatePayload(raw json.RawMessage) string {
	if len(raw) <= maxToolPayloadBytes {
		return string(raw)
	}
	cut := len(raw) - maxToolPayloadBytes
	return string(raw[:maxToolPayloadBytes]) + fmt.Sprintf("...[truncated %d bytes]", cut)
}
