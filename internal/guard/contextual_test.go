package guard

import (
	"testing"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

func contextualValidator() *ContextualValidator {
	return NewContextualValidator(core.DefaultConfig().Guard.Contextual)
}

func contextualInput(message string, history []string, messageCount int) *Input {
	return &Input{
		Request: &ValidationRequest{
			Message:      message,
			LeadID:       "lead-test",
			History:      history,
			MessageCount: messageCount,
		},
		Sanitized: message,
	}
}

// ─── Abrupt topic change ─────────────────────────────────────────────────────

func TestContextual_NoHistoryAlwaysPasses(t *testing.T) {
	res := contextualValidator().Run(nil, contextualInput(
		"this is a rather long first message about something entirely unrelated", nil, 0))
	if !res.Passed {
		t.Errorf("first message has nothing to compare against, issues: %v", res.Issues)
	}
}

func TestContextual_AbruptTopicChangeFails(t *testing.T) {
	history := []string{"I'd like to schedule a demo for the premium plan next week"}
	message := "my grandmother used to tell wonderful bedtime tales about dragons and castles"

	res := contextualValidator().Run(nil, contextualInput(message, history, 3))

	if res.Passed {
		t.Fatal("long message with zero lexical overlap should fail")
	}
	if res.RiskScore != 0.5 {
		t.Errorf("RiskScore = %v, want 0.5", res.RiskScore)
	}
	if len(res.Events) != 1 || res.Events[0].Type != core.ThreatContextSwitching {
		t.Errorf("expected one context_switching event, got %v", res.Events)
	}
	if res.Events[0].Severity != core.SeverityMedium {
		t.Errorf("severity = %s, want MEDIUM", res.Events[0].Severity)
	}
}

func TestContextual_OverlappingTopicPasses(t *testing.T) {
	history := []string{"I'd like to schedule a demo for the premium plan next week"}
	message := "actually could we schedule that demo for the following week instead, same plan"

	res := contextualValidator().Run(nil, contextualInput(message, history, 3))

	if !res.Passed {
		t.Errorf("overlapping topic should pass, issues: %v", res.Issues)
	}
}

func TestContextual_ShortMessageNeverAbrupt(t *testing.T) {
	history := []string{"I'd like to schedule a demo for the premium plan"}

	res := contextualValidator().Run(nil, contextualInput("ok thanks bye", history, 3))

	if !res.Passed {
		t.Error("short messages are exempt from the abrupt-change check")
	}
}

// ─── Off-topic drift ─────────────────────────────────────────────────────────

func TestContextual_OffTopicAfterEstablishedConversation(t *testing.T) {
	res := contextualValidator().Run(nil, contextualInput(
		"write me a poem about the weather", nil, 8))

	if res.Passed {
		t.Fatal("off-topic message in an established conversation should fail")
	}
	if len(res.Events) != 1 || res.Events[0].Severity != core.SeverityLow {
		t.Errorf("expected one low-severity event, got %v", res.Events)
	}
}

func TestContextual_OffTopicEarlyConversationTolerated(t *testing.T) {
	res := contextualValidator().Run(nil, contextualInput(
		"write me a poem about the weather", nil, 2))

	if !res.Passed {
		t.Error("early off-topic chatter is tolerated")
	}
}

func TestContextual_SalesKeywordOverridesOffTopic(t *testing.T) {
	res := contextualValidator().Run(nil, contextualInput(
		"funny story, but back to the demo pricing", nil, 8))

	if !res.Passed {
		t.Errorf("sales keywords should keep the message on-topic, issues: %v", res.Issues)
	}
}

// ─── wordOverlap ─────────────────────────────────────────────────────────────

func TestWordOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"identical", "book the demo", "book the demo", 3},
		{"disjoint", "alpha bravo charlie", "delta echo foxtrot", 0},
		{"case insensitive", "Book a Demo", "demo book", 2},
		{"short words ignored", "go to it", "go to it", 0},
		{"punctuation trimmed", "pricing, please!", "please share pricing", 2},
		{"duplicates counted once", "demo demo demo", "demo time demo", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wordOverlap(tt.a, tt.b); got != tt.want {
				t.Errorf("wordOverlap(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
