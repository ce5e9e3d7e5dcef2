// Package workspace turns a project reference into a local directory the
// audit workers can read. Archive projects stream-extract; repository
// projects walk a fallback chain of branch-archive downloads and shallow
// clones, classifying failures into one actionable message.
package workspace

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// Provider is the acquisition interface the lifecycle controller consumes.
type Provider interface {
	Acquire(ctx context.Context, task models.AuditTask) (string, error)
	Release(dir string)
}

// FailureKind classifies an acquisition failure for the operator message.
type FailureKind string

const (
	AuthFailure     FailureKind = "auth"
	NotFoundFailure FailureKind = "not-found"
	NetworkFailure  FailureKind = "network"
	TimeoutFailure  FailureKind = "timeout"
	UnknownFailure  FailureKind = "unknown"
)

// AcquireError is the single terminal error produced once every attempt in
// the chain has been exhausted.
type AcquireError struct {
	Kind     FailureKind
	Attempts []string
}

func (e *AcquireError) Error() string {
	switch e.Kind {
	case AuthFailure:
		return "workspace acquisition failed: authentication rejected; check the project credentials (" + strings.Join(e.Attempts, "; ") + ")"
	case NotFoundFailure:
		return "workspace acquisition failed: repository or branch not found (" + strings.Join(e.Attempts, "; ") + ")"
	case TimeoutFailure:
		return "workspace acquisition failed: attempts timed out; the remote may be slow or unreachable (" + strings.Join(e.Attempts, "; ") + ")"
	case NetworkFailure:
		return "workspace acquisition failed: network error reaching the remote (" + strings.Join(e.Attempts, "; ") + ")"
	}
	return "workspace acquisition failed (" + strings.Join(e.Attempts, "; ") + ")"
}

// classify maps one attempt's error text onto a failure kind.
func classify(err error) FailureKind {
	if err == nil {
		return UnknownFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutFailure
	}
	detail := strings.ToLower(err.Error())
	switch {
	case strings.Contains(detail, "authentication"),
		strings.Contains(detail, "could not read username"),
		strings.Contains(detail, "permission denied"),
		strings.Contains(detail, "403"):
		return AuthFailure
	case strings.Contains(detail, "not found"),
		strings.Contains(detail, "couldn't find remote ref"),
		strings.Contains(detail, "404"):
		return NotFoundFailure
	case strings.Contains(detail, "could not resolve"),
		strings.Contains(detail, "connection refused"),
		strings.Contains(detail, "connection reset"),
		strings.Contains(detail, "timeout"),
		strings.Contains(detail, "tls"):
		return NetworkFailure
	}
	return UnknownFailure
}

// worstKind picks the most actionable classification across attempts: auth
// beats not-found beats timeout beats network beats unknown.
func worstKind(kinds []FailureKind) FailureKind {
	rank := map[FailureKind]int{
		AuthFailure:     4,
		NotFoundFailure: 3,
		TimeoutFailure:  2,
		NetworkFailure:  1,
		UnknownFailure:  0,
	}
	best := UnknownFailure
	for _, k := range kinds {
		if rank[k] > rank[best] {
			best = k
		}
	}
	return best
}
