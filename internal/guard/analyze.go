package guard

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// AnalysisResult is the verdict of the lighter single-pass analyzer.
type AnalysisResult struct {
	IsSecure         bool      `json:"is_secure"`
	RiskLevel        RiskLevel `json:"risk_level"`
	DetectedPatterns []string  `json:"detected_patterns,omitempty"`
	SanitizedContent string    `json:"sanitized_content"`
}

// Analyzer is the legacy single-pass message classifier retained for the
// secondary chat entry point. Its rule set is a subset of the legacy and
// semantic stages; it bypasses rate limiting, embeddings, and all
// cross-message state, and is an independent surface rather than a re-export
// of the pipeline.
type Analyzer struct {
	patterns []legacyPattern
	sink     EventSink
	logger   zerolog.Logger
}

// NewAnalyzer creates the single-pass analyzer.
func NewAnalyzer(sink EventSink, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		patterns: compileLegacyPatterns(),
		sink:     sink,
		logger:   logger.With().Str("component", "input_analyzer").Logger(),
	}
}

// AnalyzeInput scans a message against the deterministic pattern set plus the
// semantic regex sub-detectors, and returns a sanitized copy.
func (a *Analyzer) AnalyzeInput(message, leadID string) *AnalysisResult {
	res := &AnalysisResult{IsSecure: true, RiskLevel: RiskLow}

	normalized := normalizeWhitespace(message)

	for _, p := range a.patterns {
		if !p.Regex.MatchString(normalized) {
			continue
		}
		res.IsSecure = false
		res.RiskLevel = RiskHigh
		res.DetectedPatterns = append(res.DetectedPatterns, p.Name)
		ev := core.NewSecurityEvent("input_analyzer", p.Threat, core.SeverityHigh,
			fmt.Sprintf("known jailbreak phrasing %q in lead message", p.Name))
		ev.LeadID = leadID
		ev.Metadata["pattern"] = p.Name
		ev.Metadata["category"] = p.Category
		a.publish(ev)
	}

	if contextSwitchRe.MatchString(normalized) {
		res.DetectedPatterns = append(res.DetectedPatterns, "context_switching")
		if res.RiskLevel < RiskMedium {
			res.RiskLevel = RiskMedium
			res.IsSecure = false
		}
		ev := core.NewSecurityEvent("input_analyzer", core.ThreatContextSwitching, core.SeverityMedium,
			"context-switching phrasing in lead message")
		ev.LeadID = leadID
		a.publish(ev)
	}
	if roleManipRe.MatchString(normalized) {
		res.DetectedPatterns = append(res.DetectedPatterns, "role_manipulation")
		if res.RiskLevel < RiskMedium {
			res.RiskLevel = RiskMedium
			res.IsSecure = false
		}
		ev := core.NewSecurityEvent("input_analyzer", core.ThreatRoleManipulation, core.SeverityMedium,
			"role-manipulation phrasing in lead message")
		ev.LeadID = leadID
		a.publish(ev)
	}
	if infoExtractRe.MatchString(normalized) {
		res.DetectedPatterns = append(res.DetectedPatterns, "information_extraction")
		res.RiskLevel = RiskHigh
		res.IsSecure = false
		ev := core.NewSecurityEvent("input_analyzer", core.ThreatInfoExtraction, core.SeverityHigh,
			"request to reveal prompts or configuration")
		ev.LeadID = leadID
		a.publish(ev)
	}

	res.SanitizedContent = sanitizeSemantic(normalized)
	return res
}

func (a *Analyzer) publish(ev *core.SecurityEvent) {
	if a.sink != nil {
		a.sink.Publish(ev)
	}
}
