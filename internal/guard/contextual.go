package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// StageContextual is the name of the topical-relevance stage.
const StageContextual = "contextual_validation"

// salesKeywords mark a message as on-topic for the sales persona.
var salesKeywords = []string{
	"price", "pricing", "cost", "quote", "book", "booking", "appointment",
	"schedule", "availability", "available", "demo", "call", "meeting",
	"product", "service", "plan", "subscription", "trial", "invoice",
	"tuesday", "monday", "wednesday", "thursday", "friday", "time", "slot",
}

// offTopicKeywords indicate drift away from the sales conversation.
var offTopicKeywords = []string{
	"politics", "religion", "crypto", "bitcoin", "lottery", "gambling",
	"dating", "homework", "essay", "poem", "story", "joke", "recipe",
	"weather", "sports", "celebrity",
}

// ContextualValidator applies coarse lexical heuristics against the recent
// conversation: an abrupt topic change with no word overlap, and off-topic
// drift once the conversation is established. Intentionally cheap since it
// runs after the expensive semantic stage.
type ContextualValidator struct {
	cfg core.ContextualConfig
}

// NewContextualValidator creates the contextual stage.
func NewContextualValidator(cfg core.ContextualConfig) *ContextualValidator {
	return &ContextualValidator{cfg: cfg}
}

func (v *ContextualValidator) Name() string { return StageContextual }

func (v *ContextualValidator) Run(_ context.Context, in *Input) *StageResult {
	start := time.Now()
	res := &StageResult{Name: StageContextual, Passed: true}
	req := in.Request
	text := in.Sanitized

	if len(req.History) > 0 {
		last := req.History[len(req.History)-1]
		if len(text) > v.cfg.AbruptChangeMinLength && wordOverlap(last, text) == 0 {
			res.Issues = append(res.Issues, "abrupt topic change from previous message")
			res.RiskScore = 0.5
			ev := core.NewSecurityEvent(StageContextual, core.ThreatContextSwitching, core.SeverityMedium,
				"abrupt topic change: no lexical overlap with previous message")
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			res.Events = append(res.Events, ev)
		}
	}

	if req.MessageCount > v.cfg.OffTopicAfterMessages {
		lower := strings.ToLower(text)
		if containsAny(lower, offTopicKeywords) && !containsAny(lower, salesKeywords) {
			res.Issues = append(res.Issues, "off-topic drift in established conversation")
			if res.RiskScore < 0.4 {
				res.RiskScore = 0.4
			}
			ev := core.NewSecurityEvent(StageContextual, core.ThreatContextSwitching, core.SeverityLow,
				fmt.Sprintf("off-topic message after %d messages", req.MessageCount))
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			res.Events = append(res.Events, ev)
		}
	}

	if len(res.Issues) > 0 {
		res.Passed = false
	}

	res.Duration = time.Since(start)
	return res
}

// wordOverlap counts distinct words appearing in both texts, ignoring case
// and very short words.
func wordOverlap(a, b string) int {
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(a)) {
		if len(w) >= 3 {
			seen[strings.Trim(w, ".,!?'\"")] = true
		}
	}
	overlap := 0
	counted := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(b)) {
		w = strings.Trim(w, ".,!?'\"")
		if len(w) >= 3 && seen[w] && !counted[w] {
			overlap++
			counted[w] = true
		}
	}
	return overlap
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
