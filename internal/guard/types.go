// Package guard implements the layered input-validation pipeline that
// inspects every inbound lead message before it may reach the language model
// or influence stored conversation state. Five detectors run in a fixed
// order (syntactic, legacy pattern, semantic, contextual, historical) and
// the orchestrator short-circuits on the first failing stage.
package guard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// RiskLevel is the aggregated verdict risk exposed to the chat collaborator.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "low"
	}
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "high":
		*r = RiskHigh
	case "medium":
		*r = RiskMedium
	default:
		*r = RiskLow
	}
	return nil
}

// riskFromSeverity maps an event severity onto the verdict risk scale.
func riskFromSeverity(s core.Severity) RiskLevel {
	switch {
	case s >= core.SeverityHigh:
		return RiskHigh
	case s == core.SeverityMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ValidationRequest is the immutable input for one pipeline run. History is
// ordered most-recent-last and owned by the caller.
type ValidationRequest struct {
	Message         string
	LeadID          string
	UserID          string
	MessageID       string
	History         []string
	ConversationAge time.Duration
	MessageCount    int
}

// Input is the mutable carrier threaded through the stages. Sanitized starts
// as the raw message; content-mutating stages (syntactic, semantic) replace
// it and later stages see the cleaned text.
type Input struct {
	Request   *ValidationRequest
	Sanitized string
}

// StageResult is the outcome of one detector run.
type StageResult struct {
	Name      string                `json:"name"`
	Passed    bool                  `json:"passed"`
	RiskScore float64               `json:"risk_score"`
	Issues    []string              `json:"issues,omitempty"`
	Events    []*core.SecurityEvent `json:"-"`
	Sanitized string                `json:"-"` // empty means content unchanged
	Duration  time.Duration         `json:"duration"`
}

// Stage is one detector in the ordered validation pipeline. Run must not
// panic for well-formed input; the orchestrator recovers from a panic and
// converts it into a failed stage.
type Stage interface {
	Name() string
	Run(ctx context.Context, in *Input) *StageResult
}

// ResultMetadata carries run diagnostics for logging by the caller.
type ResultMetadata struct {
	TotalDuration   time.Duration `json:"total_duration"`
	StagesRun       int           `json:"stages_run"`
	OriginalLength  int           `json:"original_length"`
	SanitizedLength int           `json:"sanitized_length"`
}

// ValidationResult is the pipeline's final verdict and the sole contract the
// orchestrator exposes to its caller. It is not persisted as a unit; only the
// emitted events are.
type ValidationResult struct {
	IsValid        bool                  `json:"is_valid"`
	RiskLevel      RiskLevel             `json:"risk_level"`
	SanitizedInput string                `json:"sanitized_input"`
	FailedStages   []string              `json:"failed_stages,omitempty"`
	Stages         []*StageResult        `json:"stages"`
	Events         []*core.SecurityEvent `json:"events,omitempty"`
	Metadata       ResultMetadata        `json:"metadata"`
}

// EventSink receives every SecurityEvent produced by a pipeline run. The
// monitoring service sits behind it, usually via the event bus.
type EventSink interface {
	Publish(event *core.SecurityEvent)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(event *core.SecurityEvent)

func (f SinkFunc) Publish(event *core.SecurityEvent) { f(event) }
