package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/storage"
)

type echoTool struct{ err error }

func (echoTool) Name() string { return "echo" }
func (t echoTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if t.err != nil {
		return nil, t.err
	}
	return input, nil
}

func newTestRunner(t *testing.T, tool Tool) (*ToolRunner, storage.Store) {
	t.Helper()
	store := storage.NewMockStore()
	subs := NewSubscriberRegistry(nopLogger{})
	pipeline := NewPipeline(store, subs, nopLogger{})
	pipeline.Init("t1")

	registry := NewToolRegistry()
	assert.NoError(t, registry.Register(tool))
	return NewToolRunner(registry, pipeline, 2), store
}

func TestToolRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("EmitsPairedEvents", func(t *testing.T) {
		runner, store := newTestRunner(t, echoTool{})
		out, err := runner.Run(ctx, "t1", models.AnalysisPhase, "node-1", "echo", json.RawMessage(`{"q":"hi"}`))
		assert.NoError(t, err)
		assert.JSONEq(t, `{"q":"hi"}`, string(out))

		events, err := store.ListEventsAfter("t1", 0, 10)
		assert.NoError(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, models.ToolCallStartedEvent, events[0].Kind)
		assert.Equal(t, models.ToolCallEndedEvent, events[1].Kind)
		assert.Equal(t, "echo", events[0].Message)

		// The call id pairs the two events.
		var startPayload, endPayload map[string]any
		assert.NoError(t, json.Unmarshal(events[0].Payload, &startPayload))
		assert.NoError(t, json.Unmarshal(events[1].Payload, &endPayload))
		assert.NotEmpty(t, startPayload["call_id"])
		assert.Equal(t, startPayload["call_id"], endPayload["call_id"])
		assert.Contains(t, endPayload, "duration_ms")
		assert.Contains(t, endPayload, "output")
	})

	t.Run("ToolErrorRecordedNotSwallowed", func(t *testing.T) {
		runner, store := newTestRunner(t, echoTool{err: errors.New("connection refused")})
		_, err := runner.Run(ctx, "t1", models.AnalysisPhase, "node-1", "echo", json.RawMessage(`{}`))
		assert.Error(t, err)

		events, listErr := store.ListEventsAfter("t1", 0, 10)
		assert.NoError(t, listErr)
		assert.Len(t, events, 2)
		var endPayload map[string]any
		assert.NoError(t, json.Unmarshal(events[1].Payload, &endPayload))
		assert.Equal(t, "connection refused", endPayload["error"])
		assert.NotContains(t, endPayload, "output")
	})

	t.Run("UnknownTool", func(t *testing.T) {
		runner, _ := newTestRunner(t, echoTool{})
		_, err := runner.Run(ctx, "t1", models.AnalysisPhase, "node-1", "nmap", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not registered")
	})

	t.Run("OversizedPayloadTruncated", func(t *testing.T) {
		big, err := json.Marshal(map[string]string{"blob": strings.Repeat("x", 10*1024)})
		assert.NoError(t, err)

		runner, store := newTestRunner(t, echoTool{})
		_, err = runner.Run(ctx, "t1", models.AnalysisPhase, "node-1", "echo", big)
		assert.NoError(t, err)

		events, err := store.ListEventsAfter("t1", 0, 10)
		assert.NoError(t, err)
		var startPayload map[string]any
		assert.NoError(t, json.Unmarshal(events[0].Payload, &startPayload))
		input, _ := startPayload["input"].(string)
		assert.Contains(t, input, "...[truncated")
		assert.Less(t, len(input), len(big))
	})
}
