package core

import (
	"encoding/json"
	"testing"
)

// ─── Severity ────────────────────────────────────────────────────────────────

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityLow, "LOW"},
		{SeverityMedium, "MEDIUM"},
		{SeverityHigh, "HIGH"},
		{SeverityCritical, "CRITICAL"},
		{Severity(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.severity.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestSeverity_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(SeverityHigh)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if string(data) != `"HIGH"` {
		t.Errorf("Marshal() = %s, want %q", data, `"HIGH"`)
	}

	var s Severity
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if s != SeverityHigh {
		t.Errorf("round trip = %v, want SeverityHigh", s)
	}
}

func TestSeverity_UnmarshalUnknownDefaultsLow(t *testing.T) {
	var s Severity
	if err := json.Unmarshal([]byte(`"BOGUS"`), &s); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if s != SeverityLow {
		t.Errorf("unknown severity = %v, want SeverityLow", s)
	}
}

// ─── ThreatType ──────────────────────────────────────────────────────────────

func TestParseThreatType(t *testing.T) {
	tests := []struct {
		input  string
		want   ThreatType
		wantOK bool
	}{
		{"prompt_injection", ThreatPromptInjection, true},
		{"  Role_Manipulation ", ThreatRoleManipulation, true},
		{"ENCODING_ATTACK", ThreatEncodingAttack, true},
		{"progressive_attack", ThreatProgressiveAttack, true},
		{"nonsense", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseThreatType(tt.input)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParseThreatType(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestThreatType_InjectionFamily(t *testing.T) {
	family := []ThreatType{
		ThreatPromptInjection, ThreatRoleManipulation, ThreatContextSwitching,
		ThreatInfoExtraction, ThreatEncodingAttack,
	}
	for _, typ := range family {
		if !typ.InjectionFamily() {
			t.Errorf("%s should be in the injection family", typ)
		}
	}

	outside := []ThreatType{
		ThreatRateLimitExceeded, ThreatIntegrityViolation, ThreatProgressiveAttack,
		ThreatBehavioralAnomaly, ThreatValidationFailure,
	}
	for _, typ := range outside {
		if typ.InjectionFamily() {
			t.Errorf("%s should not be in the injection family", typ)
		}
	}
}

// ─── SecurityEvent ───────────────────────────────────────────────────────────

func TestNewSecurityEvent(t *testing.T) {
	ev := NewSecurityEvent("semantic_validation", ThreatPromptInjection, SeverityHigh, "test event")

	if ev.ID == "" {
		t.Error("ID should be generated")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if ev.Stage != "semantic_validation" {
		t.Errorf("Stage = %q, want %q", ev.Stage, "semantic_validation")
	}
	if ev.Type != ThreatPromptInjection {
		t.Errorf("Type = %q, want %q", ev.Type, ThreatPromptInjection)
	}
	if ev.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want SeverityHigh", ev.Severity)
	}
	if ev.Metadata == nil {
		t.Error("Metadata should be initialized")
	}
	if ev.Resolved {
		t.Error("new events should start unresolved")
	}
}

func TestNewSecurityEvent_UniqueIDs(t *testing.T) {
	a := NewSecurityEvent("s", ThreatPromptInjection, SeverityLow, "a")
	b := NewSecurityEvent("s", ThreatPromptInjection, SeverityLow, "b")
	if a.ID == b.ID {
		t.Error("two events should never share an ID")
	}
}

func TestSecurityEvent_MarshalRoundTrip(t *testing.T) {
	ev := NewSecurityEvent("legacy_pattern_validation", ThreatRoleManipulation, SeverityCritical, "lead tried a persona switch")
	ev.LeadID = "lead-42"
	ev.Metadata["pattern"] = "role_switch"

	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	got, err := UnmarshalSecurityEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalSecurityEvent() error: %v", err)
	}
	if got.ID != ev.ID {
		t.Errorf("ID = %q, want %q", got.ID, ev.ID)
	}
	if got.Type != ThreatRoleManipulation {
		t.Errorf("Type = %q, want %q", got.Type, ThreatRoleManipulation)
	}
	if got.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want SeverityCritical", got.Severity)
	}
	if got.LeadID != "lead-42" {
		t.Errorf("LeadID = %q, want %q", got.LeadID, "lead-42")
	}
	if got.Metadata["pattern"] != "role_switch" {
		t.Errorf("Metadata[pattern] = %v, want role_switch", got.Metadata["pattern"])
	}
}

func TestUnmarshalSecurityEvent_Invalid(t *testing.T) {
	if _, err := UnmarshalSecurityEvent([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
