package guard

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/state"
)

// StageLegacy is the name of the deterministic pattern-matching stage.
const StageLegacy = "legacy_pattern_validation"

// legacyPattern is one compiled jailbreak phrasing. These patterns have
// historically near-zero false-positive rate, so a single hit hard-fails the
// whole pipeline.
type legacyPattern struct {
	Name     string
	Category string
	Threat   core.ThreatType
	Regex    *regexp.Regexp
}

func compileLegacyPatterns() []legacyPattern {
	return []legacyPattern{
		// === Role manipulation ===
		{Name: "role_switch", Category: "role_manipulation", Threat: core.ThreatRoleManipulation,
			Regex: regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\s+(a\s+|an\s+)?(different|another|new|evil|unrestricted|unfiltered|jailbroken|DAN)`)},
		{Name: "persona_strip", Category: "role_manipulation", Threat: core.ThreatRoleManipulation,
			Regex: regexp.MustCompile(`(?i)(stop\s+being|you\s+are\s+no\s+longer|drop\s+the\s+act\s+of\s+being)\s+(a\s+|an\s+|the\s+)?(sales|assistant|ai|bot|helpful)`)},
		{Name: "dan_mode", Category: "role_manipulation", Threat: core.ThreatRoleManipulation,
			Regex: regexp.MustCompile(`(?i)(DAN\s*(mode|\d+)|do\s+anything\s+now|developer\s+mode|god\s+mode|unrestricted\s+mode)`)},

		// === Instruction injection ===
		{Name: "ignore_instructions", Category: "instruction_injection", Threat: core.ThreatPromptInjection,
			Regex: regexp.MustCompile(`(?i)(ignore|disregard|forget|override|bypass)\s+(all\s+|any\s+)?(previous|prior|above|earlier|original|system|your)\s+(instructions?|prompts?|rules?|guidelines?|constraints?|training)`)},
		{Name: "new_instructions", Category: "instruction_injection", Threat: core.ThreatPromptInjection,
			Regex: regexp.MustCompile(`(?i)(new|updated|revised|real|actual|true)\s+(instructions?|system\s+prompt|directives?|rules?)\s*(:|are|follow)`)},

		// === Prompt boundary markers ===
		{Name: "boundary_markers", Category: "prompt_boundary", Threat: core.ThreatPromptInjection,
			Regex: regexp.MustCompile(`(?i)(\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>|<\|im_end\|>|<\|endoftext\|>|<\|assistant\|>|<\|user\|>|###\s*system\s*:)`)},
		{Name: "xml_boundary", Category: "prompt_boundary", Threat: core.ThreatPromptInjection,
			Regex: regexp.MustCompile(`(?i)</?\s*(system|instruction|prompt|assistant|human)\s*>`)},

		// === Context poisoning ===
		{Name: "context_reset", Category: "context_poisoning", Threat: core.ThreatContextSwitching,
			Regex: regexp.MustCompile(`(?i)(the\s+above\s+(text|content|conversation|instructions?)\s+(is|are|was)\s+(just\s+)?(a\s+)?(test|example|placeholder)|end\s+of\s+(system|initial)\s+(prompt|message|instructions?))`)},
		{Name: "memory_poison", Category: "context_poisoning", Threat: core.ThreatContextSwitching,
			Regex: regexp.MustCompile(`(?i)(remember\s+this\s+for\s+(later|future)|store\s+this\s+in\s+(your\s+)?memory|from\s+now\s+on\s+you\s+(will|must|should))`)},

		// === Information extraction ===
		{Name: "prompt_extraction", Category: "information_extraction", Threat: core.ThreatInfoExtraction,
			Regex: regexp.MustCompile(`(?i)(reveal|show|display|print|output|repeat|tell\s+me)\s+(me\s+)?(your\s+)?(system\s+prompt|initial\s+instructions?|hidden\s+instructions?|original\s+prompt|secret\s+instructions?|configuration)`)},
		{Name: "instruction_probe", Category: "information_extraction", Threat: core.ThreatInfoExtraction,
			Regex: regexp.MustCompile(`(?i)what\s+(is|are|were)\s+(your|the)\s+(system\s+prompt|original\s+)?instructions?`)},

		// === Encoding bypass hints ===
		{Name: "encoding_hint", Category: "encoding_bypass", Threat: core.ThreatEncodingAttack,
			Regex: regexp.MustCompile(`(?i)(base64|rot13|hex|morse|caesar|binary)\s*.{0,20}(encode|decode|translate|convert|and\s+follow)`)},

		// === Harmful content requests ===
		{Name: "harmful_request", Category: "harmful_content", Threat: core.ThreatIntegrityViolation,
			Regex: regexp.MustCompile(`(?i)(how\s+to\s+(make|build|synthesize)|give\s+me\s+(instructions|a\s+recipe)\s+for)\s+.{0,30}(bomb|explosive|weapon|malware|ransomware|poison)`)},
	}
}

// rateWindow is a fixed per-lead message window: it opens at the first
// message and resets Window after that message, not per-message.
type rateWindow struct {
	Start time.Time
	Count int
}

// LegacyValidator is the fast deterministic regex matcher for known jailbreak
// phrasings, kept as a back-compat layer in front of the semantic stage. It
// also enforces the per-lead message rate limit, independent of content.
type LegacyValidator struct {
	cfg      core.RateLimitConfig
	patterns []legacyPattern
	windows  *state.Store[*rateWindow]
	now      func() time.Time
}

// NewLegacyValidator creates the pattern validator with compiled patterns.
func NewLegacyValidator(cfg core.RateLimitConfig) *LegacyValidator {
	return &LegacyValidator{
		cfg:      cfg,
		patterns: compileLegacyPatterns(),
		windows:  state.MustNew[*rateWindow](100000),
		now:      time.Now,
	}
}

func (v *LegacyValidator) Name() string { return StageLegacy }

func (v *LegacyValidator) Run(_ context.Context, in *Input) *StageResult {
	start := time.Now()
	res := &StageResult{Name: StageLegacy, Passed: true}
	req := in.Request

	// Rate limit first: exceeding it fails the stage regardless of content.
	if req.LeadID != "" && v.cfg.MaxMessages > 0 {
		if exceeded, count := v.recordMessage(req.LeadID); exceeded {
			res.Passed = false
			res.RiskScore = 1.0
			res.Issues = append(res.Issues,
				fmt.Sprintf("rate limit exceeded: %d messages within %s", count, v.cfg.Window))
			ev := core.NewSecurityEvent(StageLegacy, core.ThreatRateLimitExceeded, core.SeverityHigh,
				fmt.Sprintf("lead exceeded message rate limit (%d/%s)", count, v.cfg.Window))
			ev.LeadID = req.LeadID
			ev.UserID = req.UserID
			ev.MessageID = req.MessageID
			ev.Metadata["count"] = count
			ev.Metadata["window"] = v.cfg.Window.String()
			res.Events = append(res.Events, ev)
			res.Duration = time.Since(start)
			return res
		}
	}

	for _, p := range v.patterns {
		if !p.Regex.MatchString(in.Sanitized) {
			continue
		}
		res.Passed = false
		res.RiskScore = 1.0
		matched := p.Regex.FindString(in.Sanitized)
		res.Issues = append(res.Issues, fmt.Sprintf("%s pattern %q matched", p.Category, p.Name))
		ev := core.NewSecurityEvent(StageLegacy, p.Threat, core.SeverityHigh,
			fmt.Sprintf("known jailbreak phrasing %q in lead message", p.Name))
		ev.LeadID = req.LeadID
		ev.UserID = req.UserID
		ev.MessageID = req.MessageID
		ev.Metadata["pattern"] = p.Name
		ev.Metadata["category"] = p.Category
		ev.Metadata["matched"] = truncate(matched, 200)
		res.Events = append(res.Events, ev)
	}

	res.Duration = time.Since(start)
	return res
}

// recordMessage counts the message against the lead's window and reports
// whether the limit is exceeded.
func (v *LegacyValidator) recordMessage(leadID string) (bool, int) {
	now := v.now()
	w := v.windows.Update(leadID, func(current *rateWindow, found bool) *rateWindow {
		if !found || now.Sub(current.Start) >= v.cfg.Window {
			return &rateWindow{Start: now, Count: 1}
		}
		return &rateWindow{Start: current.Start, Count: current.Count + 1}
	})
	return w.Count > v.cfg.MaxMessages, w.Count
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
