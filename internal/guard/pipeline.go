package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// Pipeline runs the validation stages in fixed order, short-circuiting on the
// first failing stage, and aggregates the verdict. Unexpected errors anywhere
// inside a run degrade closed: callers always get a verdict, never an error,
// and the fallback verdict blocks the message.
type Pipeline struct {
	stages  []Stage
	tracker *Tracker
	sink    EventSink
	logger  zerolog.Logger
}

// NewPipeline assembles the five stages in their fixed order, skipping any
// disabled in config. The tracker is shared with the historical stage so the
// orchestrator can record the run's outcome on the lead's profile.
func NewPipeline(cfg *core.Config, stages []Stage, tracker *Tracker, sink EventSink, logger zerolog.Logger) *Pipeline {
	enabled := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if cfg.StageEnabled(s.Name()) {
			enabled = append(enabled, s)
		} else {
			logger.Info().Str("stage", s.Name()).Msg("validation stage disabled by config")
		}
	}
	return &Pipeline{
		stages:  enabled,
		tracker: tracker,
		sink:    sink,
		logger:  logger.With().Str("component", "validation_pipeline").Logger(),
	}
}

// DefaultStages builds the standard stage order: syntactic, legacy pattern,
// semantic, contextual, historical.
func DefaultStages(cfg *core.Config, semantic *SemanticValidator, tracker *Tracker) []Stage {
	return []Stage{
		NewSyntacticValidator(cfg.Guard.Syntactic),
		NewLegacyValidator(cfg.Guard.RateLimit),
		semantic,
		NewContextualValidator(cfg.Guard.Contextual),
		NewHistoricalValidator(cfg.Guard.Historical, tracker),
	}
}

// Validate runs the pipeline for one inbound message and returns the verdict.
// There is no cancellation for an in-flight validation: once started, the
// message runs to a verdict or to the fail-closed fallback.
func (p *Pipeline) Validate(ctx context.Context, req *ValidationRequest) (result *ValidationResult) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("lead_id", req.LeadID).
				Interface("panic", rec).
				Msg("validation pipeline panicked, degrading closed")
			ev := core.NewSecurityEvent("pipeline", core.ThreatValidationFailure, core.SeverityHigh,
				"internal pipeline fault, message blocked")
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			p.publish(ev)
			result = &ValidationResult{
				IsValid:        false,
				RiskLevel:      RiskHigh,
				SanitizedInput: "",
				FailedStages:   []string{"pipeline"},
				Events:         []*core.SecurityEvent{ev},
				Metadata: ResultMetadata{
					TotalDuration:  time.Since(start),
					OriginalLength: len(req.Message),
				},
			}
		}
	}()

	in := &Input{Request: req, Sanitized: req.Message}
	result = &ValidationResult{
		IsValid:   true,
		RiskLevel: RiskLow,
		Metadata:  ResultMetadata{OriginalLength: len(req.Message)},
	}

	for _, stage := range p.stages {
		sr := p.runStage(ctx, stage, in)
		result.Stages = append(result.Stages, sr)
		result.Metadata.StagesRun++

		for _, ev := range sr.Events {
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			p.publish(ev)
			result.Events = append(result.Events, ev)
		}

		if sr.Sanitized != "" {
			in.Sanitized = sr.Sanitized
		}

		if level := stageRiskLevel(sr); level > result.RiskLevel {
			result.RiskLevel = level
		}

		if !sr.Passed {
			// Fail fast: later stages never run once one fails.
			result.IsValid = false
			result.FailedStages = append(result.FailedStages, sr.Name)
			if result.RiskLevel < RiskMedium {
				result.RiskLevel = RiskMedium
			}
			break
		}
	}

	result.SanitizedInput = in.Sanitized
	result.Metadata.SanitizedLength = len(in.Sanitized)
	result.Metadata.TotalDuration = time.Since(start)

	if req.LeadID != "" {
		p.tracker.Classify(req.LeadID, classify(result), len(req.Message))
	}

	p.logger.Debug().
		Str("lead_id", req.LeadID).
		Bool("valid", result.IsValid).
		Str("risk", result.RiskLevel.String()).
		Int("stages_run", result.Metadata.StagesRun).
		Dur("duration", result.Metadata.TotalDuration).
		Msg("validation complete")

	return result
}

// runStage executes one stage, converting a panic or internal error into a
// failed stage with a validation_failure event instead of letting it escape.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, in *Input) (sr *StageResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("stage", stage.Name()).
				Interface("panic", rec).
				Msg("validation stage panicked")
			ev := core.NewSecurityEvent(stage.Name(), core.ThreatValidationFailure, core.SeverityHigh,
				"stage failed with an internal error")
			sr = &StageResult{
				Name:      stage.Name(),
				Passed:    false,
				RiskScore: 1.0,
				Issues:    []string{"internal stage error"},
				Events:    []*core.SecurityEvent{ev},
			}
		}
	}()
	return stage.Run(ctx, in)
}

func (p *Pipeline) publish(ev *core.SecurityEvent) {
	if p.sink != nil {
		p.sink.Publish(ev)
	}
}

// stageRiskLevel maps a stage's risk score onto the verdict scale.
func stageRiskLevel(sr *StageResult) RiskLevel {
	switch {
	case sr.RiskScore >= 0.7:
		return RiskHigh
	case sr.RiskScore >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// classify maps a verdict onto the lead's behavior profile class.
func classify(result *ValidationResult) Classification {
	if result.IsValid {
		return ClassLegitimate
	}
	if result.RiskLevel == RiskHigh {
		return ClassMalicious
	}
	return ClassSuspicious
}
