package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"autopilot/internal/apperr"

	"github.com/oklog/ulid/v2"
)

// AuditEntry is one append-only row of a ticket's history.
type AuditEntry struct {
	ID          string          `json:"id"`
	TicketID    string          `json:"ticket_id"`
	UserID      string          `json:"user_id,omitempty"`
	Action      string          `json:"action"`
	Details     json.RawMessage `json:"details,omitempty"`
	PerformedBy string          `json:"performed_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Outcome is the terminal hearing result for a ticket.
type Outcome struct {
	TicketID       string    `json:"ticket_id"`
	Outcome        string    `json:"outcome"`
	OutcomeDate    string    `json:"outcome_date"`
	OriginalAmount float64   `json:"original_amount"`
	FinalAmount    float64   `json:"final_amount"`
	AmountSaved    float64   `json:"amount_saved"`
	CreatedAt      time.Time `json:"created_at"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newAuditID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}

// AppendAudit adds an entry to the audit log. Entries are never updated.
func (s *Store) AppendAudit(ctx context.Context, ticketID, userID, action, performedBy string, details any) (AuditEntry, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("audit %s details: %w", action, err)
	}
	ts := time.Now().UTC()
	e := AuditEntry{
		ID:          newAuditID(ts),
		TicketID:    ticketID,
		UserID:      userID,
		Action:      action,
		Details:     raw,
		PerformedBy: performedBy,
		CreatedAt:   ts.Truncate(time.Second),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log(id, ticket_id, user_id, action, details, performed_by, created_at) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.TicketID, e.UserID, e.Action, string(e.Details), e.PerformedBy, e.CreatedAt)
	if err != nil {
		return AuditEntry{}, err
	}
	return e, nil
}

func (s *Store) queryAudit(ctx context.Context, q string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.TicketID, &e.UserID, &e.Action, &details, &e.PerformedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details != "" {
			e.Details = json.RawMessage(details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const auditColumns = `id, ticket_id, COALESCE(user_id,''), action, COALESCE(details,''), COALESCE(performed_by,''), created_at`

// AuditForTicket returns a ticket's entries oldest first; ULIDs sort by time.
func (s *Store) AuditForTicket(ctx context.Context, ticketID string) ([]AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE ticket_id=? ORDER BY id ASC`, ticketID)
}

func (s *Store) ListAudit(ctx context.Context) ([]AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id ASC`)
}

func (s *Store) InsertOutcome(ctx context.Context, o *Outcome) error {
	o.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO contest_outcomes(ticket_id, outcome, outcome_date, original_amount, final_amount, amount_saved, created_at) VALUES(?,?,?,?,?,?,?)`,
		o.TicketID, o.Outcome, o.OutcomeDate, o.OriginalAmount, o.FinalAmount, o.AmountSaved, o.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("outcome for ticket %s: %w", o.TicketID, apperr.ErrDuplicate)
	}
	return err
}

const outcomeColumns = `ticket_id, outcome, COALESCE(outcome_date,''), COALESCE(original_amount,0), COALESCE(final_amount,0), COALESCE(amount_saved,0), created_at`

func (s *Store) Outcome(ctx context.Context, ticketID string) (Outcome, error) {
	var o Outcome
	err := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM contest_outcomes WHERE ticket_id=?`, ticketID).
		Scan(&o.TicketID, &o.Outcome, &o.OutcomeDate, &o.OriginalAmount, &o.FinalAmount, &o.AmountSaved, &o.CreatedAt)
	if err != nil {
		return Outcome{}, notFound("outcome for ticket", ticketID, err)
	}
	return o, nil
}

func (s *Store) ListOutcomes(ctx context.Context) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM contest_outcomes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.TicketID, &o.Outcome, &o.OutcomeDate, &o.OriginalAmount, &o.FinalAmount, &o.AmountSaved, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordDeliveryEvent remembers a (provider letter, status) pair and
// reports whether it was new.
func (s *Store) RecordDeliveryEvent(ctx context.Context, providerID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO delivery_events(provider_letter_id, status, received_at) VALUES(?,?,?)`, providerID, status, now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForgetDeliveryEvent undoes RecordDeliveryEvent when applying the event failed.
func (s *Store) ForgetDeliveryEvent(ctx context.Context, providerID, status string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivery_events WHERE provider_letter_id=? AND status=?`, providerID, status)
	return err
}
