package models

import (
	"encoding/json"
	"time"
)

// Phase is one named stage of the audit workflow.
type Phase string

const (
	PlanningPhase       Phase = "planning"
	ReconnaissancePhase Phase = "reconnaissance"
	AnalysisPhase       Phase = "analysis"
	VerificationPhase   Phase = "verification"
	ReportingPhase      Phase = "reporting"
)

func (p Phase) Valid() bool {
	switch p {
	case PlanningPhase, ReconnaissancePhase, AnalysisPhase, VerificationPhase, ReportingPhase:
		return true
	}
	return false
}

type EventKind string

const (
	PhaseStartedEvent    EventKind = "phase_started"
	PhaseCompletedEvent  EventKind = "phase_completed"
	ThoughtFragmentEvent EventKind = "thought_fragment"
	ToolCallStartedEvent EventKind = "tool_call_started"
	ToolCallEndedEvent   EventKind = "tool_call_ended"
	FindingEvent         EventKind = "finding"
	ProgressEvent        EventKind = "progress"
	LogEvent             EventKind = "log"
	TaskTerminalEvent    EventKind = "task_terminal"
	HeartbeatEvent       EventKind = "heartbeat"
)

// Ephemeral reports whether the kind is delivered to live subscribers only
// and never written to the durable log. Thought fragments are reconstructable
// from the eventual persisted message; heartbeats only keep idle streams open.
func (k EventKind) Ephemeral() bool {
	return k == ThoughtFragmentEvent || k == HeartbeatEvent
}

// AuditEvent is one entry of a task's totally ordered event history.
// Persisted kinds carry a strictly increasing, gap-free per-task sequence;
// ephemeral kinds repeat the last persisted sequence.
type AuditEvent struct {
	ID        string          `json:"id" db:"id"`
	TaskID    string          `json:"task_id" db:"task_id"`
	Seq       int64           `json:"seq" db:"seq"`
	Kind      EventKind       `json:"kind" db:"kind"`
	Phase     Phase           `json:"phase,omitempty" db:"phase"`
	Message   string          `json:"message,omitempty" db:"message"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	EmittedAt time.Time       `json:"emitted_at" db:"emitted_at"`
}
