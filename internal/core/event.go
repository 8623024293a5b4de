package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a security event or alert.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeverityLow
	}
	return nil
}

// ThreatType is the closed taxonomy of conditions the validation pipeline can
// report. Stage-internal errors are reported as ThreatValidationFailure.
type ThreatType string

const (
	ThreatPromptInjection    ThreatType = "prompt_injection"
	ThreatRoleManipulation   ThreatType = "role_manipulation"
	ThreatContextSwitching   ThreatType = "context_switching"
	ThreatInfoExtraction     ThreatType = "information_extraction"
	ThreatEncodingAttack     ThreatType = "encoding_attack"
	ThreatRateLimitExceeded  ThreatType = "rate_limit_exceeded"
	ThreatIntegrityViolation ThreatType = "integrity_violation"
	ThreatProgressiveAttack  ThreatType = "progressive_attack"
	ThreatBehavioralAnomaly  ThreatType = "behavioral_anomaly"
	ThreatValidationFailure  ThreatType = "validation_failure"
)

// ParseThreatType maps a string to a ThreatType, case-insensitively.
func ParseThreatType(s string) (ThreatType, bool) {
	switch ThreatType(strings.ToLower(strings.TrimSpace(s))) {
	case ThreatPromptInjection:
		return ThreatPromptInjection, true
	case ThreatRoleManipulation:
		return ThreatRoleManipulation, true
	case ThreatContextSwitching:
		return ThreatContextSwitching, true
	case ThreatInfoExtraction:
		return ThreatInfoExtraction, true
	case ThreatEncodingAttack:
		return ThreatEncodingAttack, true
	case ThreatRateLimitExceeded:
		return ThreatRateLimitExceeded, true
	case ThreatIntegrityViolation:
		return ThreatIntegrityViolation, true
	case ThreatProgressiveAttack:
		return ThreatProgressiveAttack, true
	case ThreatBehavioralAnomaly:
		return ThreatBehavioralAnomaly, true
	case ThreatValidationFailure:
		return ThreatValidationFailure, true
	}
	return "", false
}

// InjectionFamily reports whether the threat type belongs to the injection
// family counted by the monitor's 24-hour progressive-attack sweep.
func (t ThreatType) InjectionFamily() bool {
	switch t {
	case ThreatPromptInjection, ThreatRoleManipulation, ThreatContextSwitching,
		ThreatInfoExtraction, ThreatEncodingAttack:
		return true
	}
	return false
}

// SecurityEvent is the standard event structure emitted by validation stages
// and published to the event bus. Immutable once written, except for the
// Resolved flag which an operator toggles through the monitor store.
type SecurityEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Stage       string                 `json:"stage"`
	Type        ThreatType             `json:"type"`
	Severity    Severity               `json:"severity"`
	Description string                 `json:"description"`
	LeadID      string                 `json:"lead_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Resolved    bool                   `json:"resolved"`
}

// NewSecurityEvent creates a new SecurityEvent with a generated ID and current timestamp.
func NewSecurityEvent(stage string, threatType ThreatType, severity Severity, description string) *SecurityEvent {
	return &SecurityEvent{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Stage:       stage,
		Type:        threatType,
		Severity:    severity,
		Description: description,
		Metadata:    make(map[string]interface{}),
	}
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
