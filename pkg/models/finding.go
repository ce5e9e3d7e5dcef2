package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Weight is the contribution of one finding of this severity to the task
// risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 6
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 1
	}
	return 0
}

type FindingStatus string

const (
	NewFinding           FindingStatus = "new"
	VerifiedFinding      FindingStatus = "verified"
	FalsePositiveFinding FindingStatus = "false_positive"
)

const fingerprintSnippetPrefix = 64

// Finding is a candidate vulnerability reported by a worker. Findings with
// the same fingerprint refer to the same underlying issue and are merged,
// never duplicated.
type Finding struct {
	ID          string        `json:"id" db:"id"`
	TaskID      string        `json:"task_id" db:"task_id"`
	Category    string        `json:"category" db:"category"`
	Severity    Severity      `json:"severity" db:"severity"`
	File        string        `json:"file" db:"file"`
	Line        int           `json:"line" db:"line"`
	Snippet     string        `json:"snippet,omitempty" db:"snippet"`
	Status      FindingStatus `json:"status" db:"status"`
	Confidence  float64       `json:"confidence" db:"confidence"`
	Fingerprint string        `json:"fingerprint" db:"fingerprint"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// ComputeFingerprint derives the stable dedupe hash from classification,
// location and a bounded snippet prefix.
func (f Finding) ComputeFingerprint() string {
	snippet := f.Snippet
	if len(snippet) > fingerprintSnippetPrefix {
		snippet = snippet[:fingerprintSnippetPrefix]
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", f.Category, f.File, f.Line, snippet)))
	return hex.EncodeToString(sum[:])
}
