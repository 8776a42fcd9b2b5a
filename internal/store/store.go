package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"autopilot/internal/apperr"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for tickets, letters, the audit log and jobs.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitored_plates (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            plate TEXT NOT NULL,
            state TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_plates_user ON monitored_plates(user_id, plate, state);`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
            user_id TEXT PRIMARY KEY,
            first_name TEXT,
            last_name TEXT,
            email TEXT,
            phone TEXT,
            address_line1 TEXT,
            address_line2 TEXT,
            city TEXT,
            state TEXT,
            zip TEXT,
            updated_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS autopilot_settings (
            user_id TEXT PRIMARY KEY,
            auto_mail_enabled INTEGER NOT NULL,
            require_approval INTEGER NOT NULL,
            allowed_ticket_types TEXT NOT NULL,
            never_auto_mail_unknown INTEGER NOT NULL,
            updated_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tickets (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            plate_id TEXT,
            plate TEXT NOT NULL,
            state TEXT NOT NULL,
            ticket_number TEXT NOT NULL,
            violation_type TEXT NOT NULL,
            violation_description TEXT,
            violation_date TEXT,
            amount REAL,
            location TEXT,
            status TEXT NOT NULL,
            skip_reason TEXT,
            user_evidence TEXT,
            found_at TIMESTAMP,
            created_at TIMESTAMP,
            updated_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_number ON tickets(ticket_number);`,
		`CREATE TABLE IF NOT EXISTS contest_letters (
            id TEXT PRIMARY KEY,
            ticket_id TEXT NOT NULL,
            user_id TEXT NOT NULL,
            content TEXT,
            defense_type TEXT,
            status TEXT NOT NULL,
            lob_letter_id TEXT,
            tracking_number TEXT,
            expected_delivery TEXT,
            approved_by TEXT,
            failure_reason TEXT,
            exhibit_urls TEXT,
            superseded INTEGER NOT NULL DEFAULT 0,
            approved_at TIMESTAMP,
            mailed_at TIMESTAMP,
            in_transit_at TIMESTAMP,
            delivered_at TIMESTAMP,
            returned_at TIMESTAMP,
            created_at TIMESTAMP,
            updated_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_letters_active ON contest_letters(ticket_id) WHERE superseded = 0;`,
		`CREATE INDEX IF NOT EXISTS idx_letters_lob ON contest_letters(lob_letter_id);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id TEXT PRIMARY KEY,
            ticket_id TEXT NOT NULL,
            user_id TEXT,
            action TEXT NOT NULL,
            details TEXT,
            performed_by TEXT,
            created_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ticket ON audit_log(ticket_id, id);`,
		`CREATE TABLE IF NOT EXISTS contest_outcomes (
            ticket_id TEXT PRIMARY KEY,
            outcome TEXT NOT NULL,
            outcome_date TEXT,
            original_amount REAL,
            final_amount REAL,
            amount_saved REAL,
            created_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS delivery_events (
            provider_letter_id TEXT NOT NULL,
            status TEXT NOT NULL,
            received_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_events ON delivery_events(provider_letter_id, status);`,
		`CREATE TABLE IF NOT EXISTS system_settings (
            key TEXT PRIMARY KEY,
            value TEXT,
            updated_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            subject TEXT,
            task TEXT,
            status TEXT,
            params_json TEXT,
            idempotency_key TEXT,
            created_at TIMESTAMP,
            updated_at TIMESTAMP,
            started_at TIMESTAMP,
            finished_at TIMESTAMP
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
            job_id INTEGER,
            line TEXT,
            created_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const mailingDisabledKey = "mailing_disabled"

// MailingDisabled reports the global kill switch. Absent means enabled.
func (s *Store) MailingDisabled(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key=?`, mailingDisabledKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetMailingDisabled flips the global kill switch.
func (s *Store) SetMailingDisabled(ctx context.Context, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO system_settings(key, value, updated_at) VALUES(?,?,?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		mailingDisabledKey, fmt.Sprintf("%t", disabled), now())
	return err
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, apperr.ErrNotFound)
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
