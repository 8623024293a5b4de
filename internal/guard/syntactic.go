package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// StageSyntactic is the name of the structural validation stage.
const StageSyntactic = "syntactic_validation"

var percentEncodingRe = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)

// SyntacticValidator runs cheap structural checks: length cap, control and
// zero-width characters, excessive percent-encoding, repetitive substrings,
// and bracket sanity. Findings are corrective, stripped from the sanitized
// copy rather than blocking; only an egregious length violation fails the
// stage. Cheap syntactic noise is cleaned, not rejected, to avoid blocking
// legitimate verbose customers.
type SyntacticValidator struct {
	cfg core.SyntacticConfig
}

// NewSyntacticValidator creates the structural validator.
func NewSyntacticValidator(cfg core.SyntacticConfig) *SyntacticValidator {
	return &SyntacticValidator{cfg: cfg}
}

func (v *SyntacticValidator) Name() string { return StageSyntactic }

func (v *SyntacticValidator) Run(_ context.Context, in *Input) *StageResult {
	start := time.Now()
	res := &StageResult{Name: StageSyntactic, Passed: true}

	text := in.Sanitized
	origLen := len(text)

	// 1. Hard length cap. Truncation is corrective; the stage fails only
	// when the overage itself dominates every other finding (see below).
	var lengthRisk float64
	if origLen > v.cfg.MaxLength {
		text = text[:v.cfg.MaxLength]
		for len(text) > 0 && !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
		lengthRisk = float64(origLen-v.cfg.MaxLength) / float64(v.cfg.MaxLength)
		if lengthRisk > 1 {
			lengthRisk = 1
		}
		res.Issues = append(res.Issues,
			fmt.Sprintf("message length %d exceeds cap %d, truncated", origLen, v.cfg.MaxLength))
	}

	var otherRisk float64

	// 2. Control characters and zero-width Unicode.
	cleaned, stripped := stripControlRunes(text)
	if stripped > 0 {
		text = cleaned
		otherRisk += 0.2
		res.Issues = append(res.Issues, fmt.Sprintf("stripped %d control/zero-width characters", stripped))
		ev := core.NewSecurityEvent(StageSyntactic, core.ThreatIntegrityViolation, core.SeverityMedium,
			fmt.Sprintf("control or zero-width characters in lead message (%d stripped)", stripped))
		ev.Metadata["stripped_count"] = stripped
		res.Events = append(res.Events, ev)
	}

	// Excessive percent-encoding.
	if hits := percentEncodingRe.FindAllString(text, -1); len(hits) >= v.cfg.MaxPercentEncoding {
		text = percentEncodingRe.ReplaceAllString(text, "")
		otherRisk += 0.2
		res.Issues = append(res.Issues, fmt.Sprintf("excessive percent-encoding (%d occurrences), stripped", len(hits)))
		ev := core.NewSecurityEvent(StageSyntactic, core.ThreatEncodingAttack, core.SeverityMedium,
			fmt.Sprintf("excessive percent-encoding in lead message (%d occurrences)", len(hits)))
		ev.Metadata["occurrences"] = len(hits)
		res.Events = append(res.Events, ev)
	}

	// 3. Repetitive substring runs.
	collapsed, runs := collapseRepeats(text, v.cfg.MinRepeats)
	if runs > 0 {
		text = collapsed
		otherRisk += 0.1
		res.Issues = append(res.Issues, fmt.Sprintf("collapsed %d repetitive runs", runs))
		ev := core.NewSecurityEvent(StageSyntactic, core.ThreatIntegrityViolation, core.SeverityLow,
			fmt.Sprintf("repetitive substring pattern in lead message (%d runs collapsed)", runs))
		ev.Metadata["runs"] = runs
		res.Events = append(res.Events, ev)
	}

	// 4. Bracket sanity. Issue only, never blocking.
	opens := strings.Count(text, "(") + strings.Count(text, "[") + strings.Count(text, "{")
	closes := strings.Count(text, ")") + strings.Count(text, "]") + strings.Count(text, "}")
	skew := opens - closes
	if skew < 0 {
		skew = -skew
	}
	if opens > v.cfg.MaxOpenBrackets || skew > v.cfg.MaxBracketSkew {
		otherRisk += 0.1
		res.Issues = append(res.Issues,
			fmt.Sprintf("bracket anomaly: %d opening, imbalance %d", opens, skew))
	}

	res.Sanitized = normalizeWhitespace(text)
	res.RiskScore = clamp01(0.5*lengthRisk + otherRisk)

	// The length check is the only finding that can fail this stage, and
	// only when it dominates: a large overage with no stronger signal.
	if lengthRisk >= 0.5 && lengthRisk >= otherRisk {
		res.Passed = false
	}

	res.Duration = time.Since(start)
	return res
}

// stripControlRunes removes control characters (except \n and \t, which the
// whitespace normalizer handles) and zero-width Unicode.
func stripControlRunes(s string) (string, int) {
	stripped := 0
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isZeroWidth(r) || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			stripped++
			continue
		}
		b.WriteRune(r)
	}
	if stripped == 0 {
		return s, 0
	}
	return b.String(), stripped
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

// collapseRepeats collapses any 1–50 character substring repeated at least
// minRepeats times consecutively down to a single occurrence. RE2 has no
// backreferences, so the scan is done by hand.
func collapseRepeats(s string, minRepeats int) (string, int) {
	if minRepeats < 2 || len(s) == 0 {
		return s, 0
	}
	var b strings.Builder
	b.Grow(len(s))
	runs := 0
	i := 0
	for i < len(s) {
		collapsedHere := false
		maxUnit := 50
		if rem := (len(s) - i) / minRepeats; rem < maxUnit {
			maxUnit = rem
		}
		for unit := 1; unit <= maxUnit; unit++ {
			seg := s[i : i+unit]
			count := 1
			for j := i + unit; j+unit <= len(s) && s[j:j+unit] == seg; j += unit {
				count++
			}
			if count >= minRepeats {
				b.WriteString(seg)
				i += unit * count
				runs++
				collapsedHere = true
				break
			}
		}
		if !collapsedHere {
			b.WriteByte(s[i])
			i++
		}
	}
	if runs == 0 {
		return s, 0
	}
	return b.String(), runs
}

// normalizeWhitespace collapses all whitespace runs to single spaces and
// trims the ends. Idempotent by construction.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
