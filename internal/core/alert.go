package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertStatus tracks the lifecycle of an alert.
type AlertStatus int

const (
	AlertStatusOpen AlertStatus = iota
	AlertStatusAcknowledged
	AlertStatusResolved
	AlertStatusFalsePositive
)

func (s AlertStatus) String() string {
	switch s {
	case AlertStatusOpen:
		return "OPEN"
	case AlertStatusAcknowledged:
		return "ACKNOWLEDGED"
	case AlertStatusResolved:
		return "RESOLVED"
	case AlertStatusFalsePositive:
		return "FALSE_POSITIVE"
	default:
		return "UNKNOWN"
	}
}

func (s AlertStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseAlertStatus maps user input to an AlertStatus. Accepts "ACK" as a
// shorthand for ACKNOWLEDGED.
func ParseAlertStatus(s string) (AlertStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return AlertStatusOpen, true
	case "ACKNOWLEDGED", "ACK":
		return AlertStatusAcknowledged, true
	case "RESOLVED":
		return AlertStatusResolved, true
	case "FALSE_POSITIVE":
		return AlertStatusFalsePositive, true
	}
	return AlertStatusOpen, false
}

// Alert is a security alert raised by the monitoring service when event
// thresholds or cross-message attack patterns are exceeded.
type Alert struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	Kind        string                 `json:"kind"`
	Severity    Severity               `json:"severity"`
	Status      AlertStatus            `json:"status"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	LeadID      string                 `json:"lead_id,omitempty"`
	EventIDs    []string               `json:"event_ids,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert creates an open alert with a generated ID and current timestamp.
func NewAlert(source, kind string, severity Severity, title, description string) *Alert {
	return &Alert{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Kind:        kind,
		Severity:    severity,
		Status:      AlertStatusOpen,
		Title:       title,
		Description: description,
		EventIDs:    make([]string, 0),
		Metadata:    make(map[string]interface{}),
	}
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertHandler receives alerts emitted by the pipeline.
type AlertHandler func(alert *Alert)

// AlertPipeline fans alerts out to registered handlers and keeps a bounded
// in-memory store of recent alerts for the dashboard.
type AlertPipeline struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	handlers []AlertHandler
	recent   []*Alert
	maxStore int
}

// NewAlertPipeline creates an alert pipeline retaining at most maxStore alerts.
func NewAlertPipeline(logger zerolog.Logger, maxStore int) *AlertPipeline {
	if maxStore <= 0 {
		maxStore = 1000
	}
	return &AlertPipeline{
		logger:   logger.With().Str("component", "alert_pipeline").Logger(),
		handlers: make([]AlertHandler, 0),
		recent:   make([]*Alert, 0),
		maxStore: maxStore,
	}
}

// AddHandler registers a handler invoked for every processed alert.
func (p *AlertPipeline) AddHandler(h AlertHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Process stores the alert and dispatches it to all handlers. A panicking
// handler is recovered so it cannot take down the caller.
func (p *AlertPipeline) Process(alert *Alert) {
	p.mu.Lock()
	p.recent = append(p.recent, alert)
	if len(p.recent) > p.maxStore {
		p.recent = p.recent[len(p.recent)-p.maxStore:]
	}
	handlers := make([]AlertHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					p.logger.Error().
						Str("alert_id", alert.ID).
						Interface("panic", rec).
						Msg("alert handler panicked")
				}
			}()
			h(alert)
		}()
	}
}

// Recent returns a copy of the stored alerts, newest last.
func (p *AlertPipeline) Recent() []*Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Alert, len(p.recent))
	copy(out, p.recent)
	return out
}

// OpenCount returns the number of stored alerts still in OPEN status.
func (p *AlertPipeline) OpenCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, a := range p.recent {
		if a.Status == AlertStatusOpen {
			n++
		}
	}
	return n
}
