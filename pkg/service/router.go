package service

import (
	"context"

	"github.com/lintsinghua/XCodeReviewer-sub001/pkg/models"
)

// RouterAction is one member of the closed action set the router may choose
// from after a phase completes.
type RouterAction string

const (
	ActionAnalyze RouterAction = "analyze"
	ActionVerify  RouterAction = "verify"
	ActionReport  RouterAction = "report"
)

// allowedActions is the action domain per completed phase. The model's
// answer is only ever a hint validated against this set; anything outside
// it is treated as a failed call.
var allowedActions = map[models.Phase][]RouterAction{
	models.ReconnaissancePhase: {ActionAnalyze, ActionReport},
	models.AnalysisPhase:       {ActionAnalyze, ActionVerify},
	models.VerificationPhase:   {ActionAnalyze, ActionReport},
}

// actionPhase maps a chosen action to the next phase.
var actionPhase = map[RouterAction]models.Phase{
	ActionAnalyze: models.AnalysisPhase,
	ActionVerify:  models.VerificationPhase,
	ActionReport:  models.ReportingPhase,
}

// StateSummary is the routing input: a compact view of the audit so far.
type StateSummary struct {
	Phase           models.Phase `json:"phase"`
	Findings        int          `json:"findings"`
	Confirmed       int          `json:"confirmed"`
	FalsePositives  int          `json:"false_positives"`
	EntryPoints     int          `json:"entry_points"`
	RiskAreas       int          `json:"risk_areas"`
	AnalysisEntries int          `json:"analysis_entries"`
	MaxIterations   int          `json:"max_iterations"`
}

// RouterDecision is the model's recommendation with its justification.
type RouterDecision struct {
	Action RouterAction `json:"action"`
	Reason string       `json:"reason"`
}

// RouterClient asks the coordinating model for the next action. Failures
// are always recovered locally by the deterministic fallback and never
// surface to the task.
type RouterClient interface {
	Decide(ctx context.Context, summary StateSummary, allowed []RouterAction) (RouterDecision, error)
}

// verifyFindingThreshold is the finding count at which analysis hands over
// to verification even with budget remaining.
const verifyFindingThreshold = 3

// budgetExhausted reports whether another analysis entry would exceed the
// iteration budget.
func (s StateSummary) budgetExhausted() bool {
	return s.AnalysisEntries >= s.MaxIterations
}

// fallbackDecision is the total, deterministic routing function used when
// the model call fails, parses badly or answers outside the allowed set.
func fallbackDecision(s StateSummary) RouterDecision {
	switch s.Phase {
	case models.ReconnaissancePhase:
		if s.EntryPoints > 0 || s.RiskAreas > 0 {
			return RouterDecision{Action: ActionAnalyze, Reason: "entry points or risk areas identified"}
		}
		return RouterDecision{Action: ActionReport, Reason: "nothing to analyze"}
	case models.AnalysisPhase:
		if s.Findings >= verifyFindingThreshold || s.budgetExhausted() {
			return RouterDecision{Action: ActionVerify, Reason: "enough findings or iteration budget spent"}
		}
		return RouterDecision{Action: ActionAnalyze, Reason: "analysis budget remains with few findings"}
	case models.VerificationPhase:
		if s.FalsePositives > s.Confirmed && !s.budgetExhausted() {
			return RouterDecision{Action: ActionAnalyze, Reason: "false positives outweigh confirmed findings"}
		}
		return RouterDecision{Action: ActionReport, Reason: "verification holds or budget spent"}
	}
	return RouterDecision{Action: ActionReport, Reason: "no routing defined for phase"}
}

func validDecision(d RouterDecision, allowed []RouterAction) bool {
	for _, a := range allowed {
		if d.Action == a {
			return true
		}
	}
	return false
}

// routeSource tags where a transition decision came from.
type routeSource string

const (
	routeSourceModel    routeSource = "model"
	routeSourceFallback routeSource = "fallback"
	routeSourceCeiling  routeSource = "ceiling"
)

// route resolves the next phase after s.Phase. The model is consulted
// first; the fallback fires on error, on an empty action or on an action
// outside the current state's domain.
func route(ctx context.Context, client RouterClient, s StateSummary, logger Logger) (models.Phase, RouterDecision, routeSource) {
	allowed := allowedActions[s.Phase]
	if client != nil {
		decision, err := client.Decide(ctx, s, allowed)
		if err == nil && validDecision(decision, allowed) {
			return actionPhase[decision.Action], decision, routeSourceModel
		}
		if err != nil {
			logger.Errorf("Router call failed after %s, using fallback: %v", s.Phase, err)
		} else {
			logger.Errorf("Router chose %q outside the allowed set after %s, using fallback", decision.Action, s.Phase)
		}
	}
	decision := fallbackDecision(s)
	return actionPhase[decision.Action], decision, routeSourceFallback
}
