package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// Dashboard is the read-only snapshot served to the ops surface. It is
// recomputed by the sweep and never mutates event records.
type Dashboard struct {
	GeneratedAt     time.Time               `json:"generated_at"`
	ThreatLevel     string                  `json:"threat_level"`
	UnresolvedCount int                     `json:"unresolved_count"`
	EventsByType    map[core.ThreatType]int `json:"events_by_type"`
	OpenAlerts      int                     `json:"open_alerts"`
	Health          map[string]bool         `json:"health"`
}

// HealthChecker reports liveness of a dependency for the dashboard.
type HealthChecker func() bool

// Monitor consumes every SecurityEvent produced by pipeline runs and the
// single-pass analyzer, persists them, and runs a periodic sweep that raises
// threshold alerts, confirms progressive attacks from the persisted log, and
// refreshes the dashboard snapshot. The sweep runs on its own timer and
// shares no lock with the request path.
type Monitor struct {
	cfg    core.MonitorConfig
	store  *Store
	alerts *core.AlertPipeline
	logger zerolog.Logger
	health map[string]HealthChecker
	cancel context.CancelFunc

	mu           sync.RWMutex
	dashboard    Dashboard
	alertedLeads map[string]time.Time

	eventsTotal   *prometheus.CounterVec
	alertsTotal   *prometheus.CounterVec
	unresolved    prometheus.Gauge
	sweepDuration prometheus.Histogram
}

// New creates a monitoring service around the given store and alert
// pipeline. Metrics are registered on reg so tests can use an isolated
// registry; pass prometheus.DefaultRegisterer in production wiring.
func New(cfg core.MonitorConfig, store *Store, alerts *core.AlertPipeline, reg prometheus.Registerer, logger zerolog.Logger) *Monitor {
	factory := promauto.With(reg)
	return &Monitor{
		cfg:          cfg,
		store:        store,
		alerts:       alerts,
		logger:       logger.With().Str("component", "security_monitor").Logger(),
		health:       make(map[string]HealthChecker),
		alertedLeads: make(map[string]time.Time),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_security_events_total",
			Help: "Security events recorded, by threat type and severity.",
		}, []string{"type", "severity"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_alerts_total",
			Help: "Monitoring alerts raised, by kind.",
		}, []string{"kind"}),
		unresolved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guard_unresolved_events",
			Help: "Security events not yet resolved.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_sweep_duration_seconds",
			Help:    "Duration of monitoring sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// AddHealthCheck registers a named dependency liveness probe for the dashboard.
func (m *Monitor) AddHealthCheck(name string, check HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[name] = check
}

// Record persists an event and updates metrics. This is the handler wired to
// the event bus subscription.
func (m *Monitor) Record(event *core.SecurityEvent) {
	if err := m.store.Insert(event); err != nil {
		m.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to persist security event")
		return
	}
	m.eventsTotal.WithLabelValues(string(event.Type), event.Severity.String()).Inc()
}

// Start launches the periodic sweep. Stop it by calling Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.Sweep()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
	m.logger.Info().Dur("interval", interval).Msg("monitoring sweep started")
}

// Stop halts the periodic sweep.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Sweep runs one monitoring pass: threshold alerts, the persistence-backed
// progressive-attack check, and the dashboard refresh.
func (m *Monitor) Sweep() {
	start := time.Now()
	defer func() {
		m.sweepDuration.Observe(time.Since(start).Seconds())
	}()

	m.checkThresholds()
	m.checkProgressiveAttacks()
	m.refreshDashboard()
}

// checkThresholds compares rolling 1-hour high/critical counts against the
// configured static thresholds.
func (m *Monitor) checkThresholds() {
	hourAgo := time.Now().Add(-time.Hour)

	high, err := m.store.CountBySeverity(hourAgo, core.SeverityHigh)
	if err != nil {
		m.logger.Error().Err(err).Msg("threshold sweep failed")
		return
	}
	critical, err := m.store.CountBySeverity(hourAgo, core.SeverityCritical)
	if err != nil {
		m.logger.Error().Err(err).Msg("threshold sweep failed")
		return
	}

	if m.cfg.HighEventsPerHour > 0 && high >= m.cfg.HighEventsPerHour {
		m.raise(core.NewAlert("security_monitor", "event_rate_threshold", core.SeverityHigh,
			"High-severity event rate threshold exceeded",
			fmt.Sprintf("%d high-severity events in the last hour (threshold %d)", high, m.cfg.HighEventsPerHour)))
	}
	if m.cfg.CriticalPerHour > 0 && critical >= m.cfg.CriticalPerHour {
		m.raise(core.NewAlert("security_monitor", "event_rate_threshold", core.SeverityCritical,
			"Critical event rate threshold exceeded",
			fmt.Sprintf("%d critical events in the last hour (threshold %d)", critical, m.cfg.CriticalPerHour)))
	}
}

// checkProgressiveAttacks is the coarser, persistence-backed confirmation of
// the per-message progressive detector: several injection-family events for
// the same lead inside the configured window. The two signals are
// deliberately independent and never reconciled.
func (m *Monitor) checkProgressiveAttacks() {
	window := m.cfg.ProgressiveWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	minEvents := m.cfg.ProgressiveEvents
	if minEvents <= 0 {
		minEvents = 3
	}

	leads, err := m.store.LeadsWithInjectionEvents(time.Now().Add(-window), minEvents)
	if err != nil {
		m.logger.Error().Err(err).Msg("progressive attack sweep failed")
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for lead, count := range leads {
		// One alert per lead per window, not one per sweep.
		if last, ok := m.alertedLeads[lead]; ok && now.Sub(last) < window {
			continue
		}
		m.alertedLeads[lead] = now
		alert := core.NewAlert("security_monitor", "progressive_attack", core.SeverityHigh,
			"Progressive attack pattern confirmed",
			fmt.Sprintf("lead produced %d injection-family events within %s", count, window))
		alert.LeadID = lead
		m.raise(alert)
	}
	for lead, at := range m.alertedLeads {
		if now.Sub(at) >= window {
			delete(m.alertedLeads, lead)
		}
	}
}

// refreshDashboard recomputes the read-only snapshot.
func (m *Monitor) refreshDashboard() {
	now := time.Now()
	levelWindow := m.cfg.ThreatLevelWindow
	if levelWindow <= 0 {
		levelWindow = time.Hour
	}

	threatLevel := "low"
	if sev, found, err := m.store.MaxSeveritySince(now.Add(-levelWindow)); err != nil {
		m.logger.Error().Err(err).Msg("dashboard severity query failed")
	} else if found {
		switch sev {
		case core.SeverityCritical:
			threatLevel = "critical"
		case core.SeverityHigh:
			threatLevel = "high"
		case core.SeverityMedium:
			threatLevel = "elevated"
		}
	}

	unresolved, err := m.store.UnresolvedCount()
	if err != nil {
		m.logger.Error().Err(err).Msg("dashboard unresolved query failed")
	}
	m.unresolved.Set(float64(unresolved))

	byType, err := m.store.CountByType(now.Add(-24 * time.Hour))
	if err != nil {
		m.logger.Error().Err(err).Msg("dashboard type counts failed")
		byType = map[core.ThreatType]int{}
	}

	health := make(map[string]bool)
	m.mu.RLock()
	for name, check := range m.health {
		health[name] = check()
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.dashboard = Dashboard{
		GeneratedAt:     now.UTC(),
		ThreatLevel:     threatLevel,
		UnresolvedCount: unresolved,
		EventsByType:    byType,
		OpenAlerts:      m.alerts.OpenCount(),
		Health:          health,
	}
	m.mu.Unlock()
}

// Dashboard returns the latest snapshot.
func (m *Monitor) Dashboard() Dashboard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dashboard
}

func (m *Monitor) raise(alert *core.Alert) {
	m.alertsTotal.WithLabelValues(alert.Kind).Inc()
	m.logger.Warn().
		Str("kind", alert.Kind).
		Str("severity", alert.Severity.String()).
		Str("title", alert.Title).
		Msg("SECURITY ALERT")
	m.alerts.Process(alert)
}
