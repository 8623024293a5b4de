package monitor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/KennethAtchon/loctelli-guard/internal/core"
)

// Store persists SecurityEvents in SQLite. It is the monitoring service's
// only authoritative state; reports and dashboards are always recomputable
// from the event log. Events are immutable once written except for the
// resolved flag.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the event store at dbPath. Use ":memory:" for
// an in-memory store in tests.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		stage TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		lead_id TEXT,
		user_id TEXT,
		message_id TEXT,
		metadata TEXT,
		resolved INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_events_lead ON security_events(lead_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON security_events(type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists one event.
func (s *Store) Insert(event *core.SecurityEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling event metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO security_events
		(id, timestamp, stage, type, severity, description, lead_id, user_id, message_id, metadata, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixMilli(), event.Stage, string(event.Type),
		event.Severity.String(), event.Description, event.LeadID, event.UserID,
		event.MessageID, string(metadata), boolToInt(event.Resolved))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// CountBySeverity returns the number of events at the given severity since
// the cutoff.
func (s *Store) CountBySeverity(since time.Time, severity core.Severity) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM security_events
		WHERE timestamp >= ? AND severity = ?`,
		since.UnixMilli(), severity.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events by severity: %w", err)
	}
	return n, nil
}

// CountByType returns event counts grouped by threat type since the cutoff.
func (s *Store) CountByType(since time.Time) (map[core.ThreatType]int, error) {
	rows, err := s.db.Query(`
		SELECT type, COUNT(*) FROM security_events
		WHERE timestamp >= ? GROUP BY type`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("counting events by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.ThreatType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning type count: %w", err)
		}
		counts[core.ThreatType(typ)] = n
	}
	return counts, rows.Err()
}

// LeadsWithInjectionEvents returns leads with at least minEvents
// injection-family events since the cutoff, with their counts.
func (s *Store) LeadsWithInjectionEvents(since time.Time, minEvents int) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT lead_id, COUNT(*) FROM security_events
		WHERE timestamp >= ?
		  AND lead_id != ''
		  AND type IN (?, ?, ?, ?, ?)
		GROUP BY lead_id
		HAVING COUNT(*) >= ?`,
		since.UnixMilli(),
		string(core.ThreatPromptInjection), string(core.ThreatRoleManipulation),
		string(core.ThreatContextSwitching), string(core.ThreatInfoExtraction),
		string(core.ThreatEncodingAttack),
		minEvents)
	if err != nil {
		return nil, fmt.Errorf("querying injection events per lead: %w", err)
	}
	defer rows.Close()

	leads := make(map[string]int)
	for rows.Next() {
		var lead string
		var n int
		if err := rows.Scan(&lead, &n); err != nil {
			return nil, fmt.Errorf("scanning lead count: %w", err)
		}
		leads[lead] = n
	}
	return leads, rows.Err()
}

// UnresolvedCount returns the number of events not yet resolved.
func (s *Store) UnresolvedCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM security_events WHERE resolved = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unresolved events: %w", err)
	}
	return n, nil
}

// MaxSeveritySince returns the highest severity observed since the cutoff
// and whether any event was found.
func (s *Store) MaxSeveritySince(since time.Time) (core.Severity, bool, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT severity FROM security_events WHERE timestamp >= ?`,
		since.UnixMilli())
	if err != nil {
		return core.SeverityLow, false, fmt.Errorf("querying severities: %w", err)
	}
	defer rows.Close()

	max := core.SeverityLow
	found := false
	for rows.Next() {
		var sevStr string
		if err := rows.Scan(&sevStr); err != nil {
			return core.SeverityLow, false, fmt.Errorf("scanning severity: %w", err)
		}
		sev := parseSeverity(sevStr)
		if !found || sev > max {
			max = sev
		}
		found = true
	}
	return max, found, rows.Err()
}

// Resolve marks an event as resolved. The explicit resolve action is the only
// permitted mutation of a written event.
func (s *Store) Resolve(eventID string) error {
	res, err := s.db.Exec(`UPDATE security_events SET resolved = 1 WHERE id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("resolving event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s not found", eventID)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseSeverity(s string) core.Severity {
	switch s {
	case "CRITICAL":
		return core.SeverityCritical
	case "HIGH":
		return core.SeverityHigh
	case "MEDIUM":
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}
