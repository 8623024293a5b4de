package guard

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
	"github.com/KennethAtchon/loctelli-guard/internal/embedding"
)

// StageSemantic is the name of the embedding-similarity stage.
const StageSemantic = "semantic_validation"

// threat is one detected semantic signal prior to aggregation.
type threat struct {
	Type       core.ThreatType
	Severity   core.Severity
	Confidence float64
	Detail     string
}

var (
	contextSwitchRe = regexp.MustCompile(`(?i)(let'?s\s+pretend|hypothetical\s+scenario|imagine\s+(that\s+)?you\s+(are|could|were)|in\s+an?\s+alternate\s+(universe|reality)|suppose\s+you\s+had\s+no)`)
	roleManipRe     = regexp.MustCompile(`(?i)(you\s+are\s+no\s+longer|stop\s+being|from\s+now\s+on\s+you\s+are|switch\s+personas?|take\s+on\s+the\s+role)`)
	infoExtractRe   = regexp.MustCompile(`(?i)(reveal|show|display|print|output|leak|share)\s+.{0,30}(prompt|instructions?|configuration|settings|guidelines|rules)`)

	base64RunRe     = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	unicodeEscapeRe = regexp.MustCompile(`(\\u[0-9a-fA-F]{4}){3,}`)
	densePercentRe  = regexp.MustCompile(`(%[0-9A-Fa-f]{2}){5,}`)
	codeBlockRe     = regexp.MustCompile("(?s)```.*?```")
	htmlTagRe       = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	systemMarkerRe  = regexp.MustCompile(`(?i)(\[SYSTEM\]|\[INST\]|<<SYS>>|<\|[a-z_]+\|>)`)
)

// jailbreakKeywords are scanned inside decoded base64 payloads. An encoded
// run containing several of these co-occurring is a high-severity encoding
// attack even if the surrounding message looks harmless.
var jailbreakKeywords = []string{
	"ignore", "instruction", "prompt", "system", "override", "bypass",
	"jailbreak", "pretend", "reveal", "disregard", "unrestricted", "forget",
}

// severityWeight scales a threat's confidence in the risk aggregate.
func severityWeight(s core.Severity) float64 {
	switch {
	case s >= core.SeverityHigh:
		return 1.5
	case s == core.SeverityMedium:
		return 1.2
	default:
		return 1.0
	}
}

// SemanticValidator embeds the syntactically sanitized message once and
// scores it against the attack-pattern corpus, then layers regex-based
// context-switching, role-manipulation, encoding, and information-extraction
// sub-detectors on top. The stage fails whenever the aggregate risk level is
// not low.
type SemanticValidator struct {
	cfg     core.SemanticConfig
	adapter *embedding.Adapter
	corpus  *embedding.Corpus
}

// NewSemanticValidator creates the semantic stage.
func NewSemanticValidator(cfg core.SemanticConfig, adapter *embedding.Adapter, corpus *embedding.Corpus) *SemanticValidator {
	return &SemanticValidator{cfg: cfg, adapter: adapter, corpus: corpus}
}

func (v *SemanticValidator) Name() string { return StageSemantic }

func (v *SemanticValidator) Run(ctx context.Context, in *Input) *StageResult {
	start := time.Now()
	res := &StageResult{Name: StageSemantic, Passed: true}
	req := in.Request
	text := in.Sanitized

	var threats []threat

	// Embedding similarity against the corpus. A zero vector from the
	// degraded adapter scores 0 against everything, so provider outages
	// disable this detector without disabling the regex detectors below.
	vec := v.adapter.Embed(ctx, text)
	for _, m := range v.corpus.MatchesAbove(vec, v.cfg.MediumSimilarity) {
		sev := core.SeverityMedium
		if m.Similarity > v.cfg.HighSimilarity {
			sev = core.SeverityHigh
		}
		threats = append(threats, threat{
			Type:       core.ThreatPromptInjection,
			Severity:   sev,
			Confidence: m.Similarity,
			Detail:     fmt.Sprintf("similar to known attack phrasing %q (%.2f)", m.Pattern, m.Similarity),
		})
	}

	// Contextual phrasing sub-detectors. These score independently of
	// embedding similarity.
	if contextSwitchRe.MatchString(text) {
		threats = append(threats, threat{
			Type:       core.ThreatContextSwitching,
			Severity:   core.SeverityMedium,
			Confidence: 0.6,
			Detail:     "context-switching phrasing",
		})
	}
	if roleManipRe.MatchString(text) {
		threats = append(threats, threat{
			Type:       core.ThreatRoleManipulation,
			Severity:   core.SeverityMedium,
			Confidence: 0.65,
			Detail:     "role-manipulation phrasing",
		})
	}

	// Encoding attacks.
	threats = append(threats, v.detectEncodingAttacks(text)...)

	// Information extraction.
	if infoExtractRe.MatchString(text) {
		threats = append(threats, threat{
			Type:       core.ThreatInfoExtraction,
			Severity:   core.SeverityHigh,
			Confidence: 0.8,
			Detail:     "request to reveal prompts or configuration",
		})
	}

	res.Sanitized = sanitizeSemantic(text)

	risk := aggregateRisk(threats)
	res.RiskScore = risk

	level := RiskLow
	switch {
	case risk >= v.cfg.HighRisk:
		level = RiskHigh
	case risk >= v.cfg.MediumRisk:
		level = RiskMedium
	}

	for _, t := range threats {
		res.Issues = append(res.Issues, t.Detail)
		ev := core.NewSecurityEvent(StageSemantic, t.Type, t.Severity, t.Detail)
		ev.LeadID = req.LeadID
		ev.UserID = req.UserID
		ev.MessageID = req.MessageID
		ev.Metadata["confidence"] = t.Confidence
		res.Events = append(res.Events, ev)
	}

	// Any medium or higher semantic risk blocks.
	if level != RiskLow {
		res.Passed = false
	}

	res.Duration = time.Since(start)
	return res
}

// detectEncodingAttacks decodes base64-looking runs and scans them for
// co-occurring jailbreak keywords; dense percent-encoding or Unicode escape
// runs are flagged without decoding.
func (v *SemanticValidator) detectEncodingAttacks(text string) []threat {
	var threats []threat

	for _, run := range base64RunRe.FindAllString(text, -1) {
		if len(run) < v.cfg.MinBase64Run {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(padBase64(run))
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		hits := 0
		for _, kw := range jailbreakKeywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits >= v.cfg.MinKeywordHits {
			threats = append(threats, threat{
				Type:       core.ThreatEncodingAttack,
				Severity:   core.SeverityHigh,
				Confidence: 0.9,
				Detail:     fmt.Sprintf("base64 payload decodes to %d jailbreak keywords", hits),
			})
		}
	}

	if densePercentRe.MatchString(text) {
		threats = append(threats, threat{
			Type:       core.ThreatEncodingAttack,
			Severity:   core.SeverityMedium,
			Confidence: 0.6,
			Detail:     "high-density percent-encoding run",
		})
	}
	if unicodeEscapeRe.MatchString(text) {
		threats = append(threats, threat{
			Type:       core.ThreatEncodingAttack,
			Severity:   core.SeverityMedium,
			Confidence: 0.6,
			Detail:     "long Unicode-escape run",
		})
	}

	return threats
}

// aggregateRisk combines threat confidences: 70% severity-weighted mean plus
// 30% of the strongest single signal, capped at 1.0.
func aggregateRisk(threats []threat) float64 {
	if len(threats) == 0 {
		return 0
	}
	var sum, max float64
	for _, t := range threats {
		weighted := t.Confidence * severityWeight(t.Severity)
		sum += weighted
		if t.Confidence > max {
			max = t.Confidence
		}
	}
	mean := sum / float64(len(threats))
	return clamp01(0.7*mean + 0.3*max)
}

// sanitizeSemantic replaces injection-prone structures with inert
// placeholders. Running it on already-sanitized text is a no-op: the
// placeholders themselves match none of the replaced shapes.
func sanitizeSemantic(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "(code removed)")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = systemMarkerRe.ReplaceAllString(text, "(marker removed)")
	text = base64RunRe.ReplaceAllString(text, "(encoded content removed)")
	text = unicodeEscapeRe.ReplaceAllString(text, "(escape sequence removed)")
	return normalizeWhitespace(text)
}

func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}
