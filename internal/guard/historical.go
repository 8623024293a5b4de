package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/state"
)

// StageHistorical is the name of the cross-message behavioral stage.
const StageHistorical = "historical_validation"

// indicatorRe matches the suspicious indicator tokens tracked per lead.
var indicatorRe = regexp.MustCompile(`(?i)\b(ignore|override|system|prompts?|instructions?|forget|pretend|role|character|mode)\b`)

// ConversationPattern is the rolling per-lead window of suspicious indicator
// tokens, capped FIFO at the configured window size.
type ConversationPattern struct {
	Indicators  []string
	LastUpdated time.Time
	RiskScore   float64
}

// Classification is the outcome class recorded on a lead's behavior profile
// after each validation run.
type Classification int

const (
	ClassLegitimate Classification = iota
	ClassSuspicious
	ClassMalicious
)

// UserBehaviorProfile holds per-lead message counters. RiskScore is always
// recomputed from the counters, never adjusted independently.
type UserBehaviorProfile struct {
	TotalMessages   int
	LegitimateCount int
	SuspiciousCount int
	MaliciousCount  int
	TotalChars      int
	FirstSeen       time.Time
	LastSeen        time.Time
	RiskScore       float64
}

func (p *UserBehaviorProfile) recompute() {
	if p.TotalMessages == 0 {
		p.RiskScore = 0
		return
	}
	p.RiskScore = (float64(p.SuspiciousCount)*0.5 + float64(p.MaliciousCount)) / float64(p.TotalMessages)
}

// AvgLength returns the lead's historical average message length.
func (p *UserBehaviorProfile) AvgLength() float64 {
	if p.TotalMessages == 0 {
		return 0
	}
	return float64(p.TotalChars) / float64(p.TotalMessages)
}

// Tracker owns the two per-lead behavioral tables. All updates run as merges
// under the store lock so close-together messages from one lead cannot lose
// counts. Merges copy before writing, so every pattern or profile handed out
// is an immutable snapshot safe to read without the lock.
type Tracker struct {
	window   int
	patterns *state.Store[*ConversationPattern]
	profiles *state.Store[*UserBehaviorProfile]
}

// NewTracker creates a behavioral tracker with the given indicator window.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = 50
	}
	return &Tracker{
		window:   window,
		patterns: state.MustNew[*ConversationPattern](100000),
		profiles: state.MustNew[*UserBehaviorProfile](100000),
	}
}

// RecordIndicators appends the indicator tokens observed in the current
// message to the lead's rolling window, dropping oldest entries first.
func (t *Tracker) RecordIndicators(leadID string, tokens []string) *ConversationPattern {
	return t.patterns.Update(leadID, func(current *ConversationPattern, found bool) *ConversationPattern {
		next := &ConversationPattern{}
		if found {
			next.Indicators = append(next.Indicators, current.Indicators...)
		}
		next.Indicators = append(next.Indicators, tokens...)
		if len(next.Indicators) > t.window {
			next.Indicators = next.Indicators[len(next.Indicators)-t.window:]
		}
		next.LastUpdated = time.Now().UTC()
		next.RiskScore = clamp01(float64(len(next.Indicators)) / float64(t.window))
		return next
	})
}

// Pattern returns the lead's indicator window if one exists.
func (t *Tracker) Pattern(leadID string) (*ConversationPattern, bool) {
	return t.patterns.Get(leadID)
}

// Profile returns the lead's behavior profile if one exists.
func (t *Tracker) Profile(leadID string) (*UserBehaviorProfile, bool) {
	return t.profiles.Get(leadID)
}

// Classify records the outcome of a validation run on the lead's profile and
// recomputes the derived risk score.
func (t *Tracker) Classify(leadID string, class Classification, msgLen int) *UserBehaviorProfile {
	now := time.Now().UTC()
	return t.profiles.Update(leadID, func(current *UserBehaviorProfile, found bool) *UserBehaviorProfile {
		var next UserBehaviorProfile
		if found {
			next = *current
		} else {
			next.FirstSeen = now
		}
		next.TotalMessages++
		next.TotalChars += msgLen
		next.LastSeen = now
		switch class {
		case ClassLegitimate:
			next.LegitimateCount++
		case ClassSuspicious:
			next.SuspiciousCount++
		case ClassMalicious:
			next.MaliciousCount++
		}
		next.recompute()
		return &next
	})
}

// HistoricalValidator detects progressive multi-turn attacks from the lead's
// indicator window and sudden behavioral anomalies from its profile. This is
// the only stage with true cross-request memory.
type HistoricalValidator struct {
	cfg     core.HistoricalConfig
	tracker *Tracker
}

// NewHistoricalValidator creates the behavioral stage sharing the given tracker.
func NewHistoricalValidator(cfg core.HistoricalConfig, tracker *Tracker) *HistoricalValidator {
	return &HistoricalValidator{cfg: cfg, tracker: tracker}
}

func (v *HistoricalValidator) Name() string { return StageHistorical }

func (v *HistoricalValidator) Run(_ context.Context, in *Input) *StageResult {
	start := time.Now()
	res := &StageResult{Name: StageHistorical, Passed: true}
	req := in.Request

	tokens := extractIndicators(in.Sanitized)
	pattern := v.tracker.RecordIndicators(req.LeadID, tokens)

	// Progressive attack: enough distinct indicator types and occurrences
	// in the recent window, and the current message keeps contributing.
	recent := pattern.Indicators
	if len(recent) > v.cfg.RecentIndicators {
		recent = recent[len(recent)-v.cfg.RecentIndicators:]
	}
	distinct := make(map[string]bool)
	for _, tok := range recent {
		distinct[tok] = true
	}
	if len(distinct) >= v.cfg.MinDistinctTypes && len(recent) >= v.cfg.MinOccurrences && len(tokens) > 0 {
		confidence := float64(len(distinct)) / 5 * 0.8
		if confidence > 0.9 {
			confidence = 0.9
		}
		res.Passed = false
		res.RiskScore = confidence
		res.Issues = append(res.Issues,
			fmt.Sprintf("progressive attack: %d distinct indicator types across %d recent occurrences", len(distinct), len(recent)))
		ev := core.NewSecurityEvent(StageHistorical, core.ThreatProgressiveAttack, core.SeverityHigh,
			fmt.Sprintf("progressive multi-turn attack pattern (%d indicator types, confidence %.2f)", len(distinct), confidence))
		ev.LeadID = req.LeadID
		ev.UserID = req.UserID
		ev.MessageID = req.MessageID
		ev.Metadata["distinct_types"] = len(distinct)
		ev.Metadata["occurrences"] = len(recent)
		ev.Metadata["confidence"] = confidence
		res.Events = append(res.Events, ev)
	}

	// Behavioral anomalies only once the lead has history to compare with.
	if profile, ok := v.tracker.Profile(req.LeadID); ok && profile.TotalMessages >= v.cfg.MinProfileMessages {
		avg := profile.AvgLength()
		if avg > 0 && float64(len(in.Sanitized)) > v.cfg.LengthMultiplier*avg {
			sev := core.SeverityLow
			if float64(len(in.Sanitized)) > 2*v.cfg.LengthMultiplier*avg {
				sev = core.SeverityMedium
			}
			res.Issues = append(res.Issues,
				fmt.Sprintf("message length %d far above lead average %.0f", len(in.Sanitized), avg))
			if res.RiskScore < 0.3 {
				res.RiskScore = 0.3
			}
			ev := core.NewSecurityEvent(StageHistorical, core.ThreatBehavioralAnomaly, sev,
				"sudden message length anomaly for lead")
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			ev.Metadata["length"] = len(in.Sanitized)
			ev.Metadata["avg_length"] = avg
			res.Events = append(res.Events, ev)
		}
		if profile.RiskScore < v.cfg.LowRiskCeiling && len(tokens) > v.cfg.SuddenIndicatorsMin {
			res.Passed = false
			if res.RiskScore < 0.8 {
				res.RiskScore = 0.8
			}
			res.Issues = append(res.Issues,
				fmt.Sprintf("sudden suspicious behavior: %d indicators from a historically clean lead", len(tokens)))
			ev := core.NewSecurityEvent(StageHistorical, core.ThreatBehavioralAnomaly, core.SeverityHigh,
				fmt.Sprintf("historically clean lead sent %d suspicious indicators at once", len(tokens)))
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			ev.Metadata["indicators"] = len(tokens)
			ev.Metadata["profile_risk"] = profile.RiskScore
			res.Events = append(res.Events, ev)
		}
	}

	res.Duration = time.Since(start)
	return res
}

// extractIndicators returns the normalized suspicious tokens in text.
func extractIndicators(text string) []string {
	matches := indicatorRe.FindAllString(text, -1)
	tokens := make([]string, 0, len(matches))
	for _, m := range matches {
		tok := strings.ToLower(m)
		tok = strings.TrimSuffix(tok, "s")
		tokens = append(tokens, tok)
	}
	return tokens
}
