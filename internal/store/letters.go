package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autopilot/internal/apperr"

	"github.com/google/uuid"
)

// Letter is a generated contest letter. Status values are owned by the
// delivery state machine; the store only persists them.
type Letter struct {
	ID               string     `json:"id"`
	TicketID         string     `json:"ticket_id"`
	UserID           string     `json:"user_id"`
	Content          string     `json:"content"`
	DefenseType      string     `json:"defense_type"`
	Status           string     `json:"status"`
	LobLetterID      string     `json:"lob_letter_id,omitempty"`
	TrackingNumber   string     `json:"tracking_number,omitempty"`
	ExpectedDelivery string     `json:"expected_delivery,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	ExhibitURLs      []string   `json:"street_view_exhibit_urls,omitempty"`
	Superseded       bool       `json:"superseded"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	MailedAt         *time.Time `json:"mailed_at,omitempty"`
	InTransitAt      *time.Time `json:"in_transit_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	ReturnedAt       *time.Time `json:"returned_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// InsertLetter stores a letter. A second non-superseded letter for the
// same ticket is rejected as a duplicate.
func (s *Store) InsertLetter(ctx context.Context, l *Letter) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	ts := now()
	l.CreatedAt, l.UpdatedAt = ts, ts
	urls, _ := json.Marshal(l.ExhibitURLs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO contest_letters(id, ticket_id, user_id, content, defense_type, status, lob_letter_id, tracking_number, expected_delivery, approved_by, failure_reason, exhibit_urls, superseded, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TicketID, l.UserID, l.Content, l.DefenseType, l.Status, l.LobLetterID, l.TrackingNumber, l.ExpectedDelivery, l.ApprovedBy, l.FailureReason, string(urls), boolInt(l.Superseded), l.CreatedAt, l.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("letter for ticket %s: %w", l.TicketID, apperr.ErrDuplicate)
	}
	return err
}

// SaveLetter persists every mutable field of l.
func (s *Store) SaveLetter(ctx context.Context, l *Letter) error {
	l.UpdatedAt = now()
	urls, _ := json.Marshal(l.ExhibitURLs)
	res, err := s.db.ExecContext(ctx, `UPDATE contest_letters SET content=?, defense_type=?, status=?, lob_letter_id=?, tracking_number=?, expected_delivery=?, approved_by=?, failure_reason=?, exhibit_urls=?, superseded=?,
            approved_at=?, mailed_at=?, in_transit_at=?, delivered_at=?, returned_at=?, updated_at=? WHERE id=?`,
		l.Content, l.DefenseType, l.Status, l.LobLetterID, l.TrackingNumber, l.ExpectedDelivery, l.ApprovedBy, l.FailureReason, string(urls), boolInt(l.Superseded),
		l.ApprovedAt, l.MailedAt, l.InTransitAt, l.DeliveredAt, l.ReturnedAt, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("letter %s: %w", l.ID, apperr.ErrNotFound)
	}
	return nil
}

const letterColumns = `id, ticket_id, user_id, COALESCE(content,''), COALESCE(defense_type,''), status, COALESCE(lob_letter_id,''), COALESCE(tracking_number,''), COALESCE(expected_delivery,''), COALESCE(approved_by,''), COALESCE(failure_reason,''), COALESCE(exhibit_urls,''), superseded,
    approved_at, mailed_at, in_transit_at, delivered_at, returned_at, created_at, updated_at`

func scanLetter(sc interface{ Scan(...any) error }) (Letter, error) {
	var l Letter
	var urls string
	var approved, mailed, inTransit, delivered, returned sql.NullTime
	err := sc.Scan(&l.ID, &l.TicketID, &l.UserID, &l.Content, &l.DefenseType, &l.Status, &l.LobLetterID, &l.TrackingNumber, &l.ExpectedDelivery, &l.ApprovedBy, &l.FailureReason, &urls, &l.Superseded,
		&approved, &mailed, &inTransit, &delivered, &returned, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	if urls != "" && urls != "null" {
		_ = json.Unmarshal([]byte(urls), &l.ExhibitURLs)
	}
	l.ApprovedAt = nullTime(approved)
	l.MailedAt = nullTime(mailed)
	l.InTransitAt = nullTime(inTransit)
	l.DeliveredAt = nullTime(delivered)
	l.ReturnedAt = nullTime(returned)
	return l, nil
}

func (s *Store) queryLetters(ctx context.Context, q string, args ...any) ([]Letter, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Letter(ctx context.Context, id string) (Letter, error) {
	l, err := scanLetter(s.db.QueryRowContext(ctx, `SELECT `+letterColumns+` FROM contest_letters WHERE id=?`, id))
	if err != nil {
		return Letter{}, notFound("letter", id, err)
	}
	return l, nil
}

// LetterForTicket returns the ticket's active (non-superseded) letter.
func (s *Store) LetterForTicket(ctx context.Context, ticketID string) (Letter, error) {
	l, err := scanLetter(s.db.QueryRowContext(ctx, `SELECT `+letterColumns+` FROM contest_letters WHERE ticket_id=? AND superseded=0`, ticketID))
	if err != nil {
		return Letter{}, notFound("letter for ticket", ticketID, err)
	}
	return l, nil
}

func (s *Store) LetterByProviderID(ctx context.Context, providerID string) (Letter, error) {
	l, err := scanLetter(s.db.QueryRowContext(ctx, `SELECT `+letterColumns+` FROM contest_letters WHERE lob_letter_id=? ORDER BY created_at DESC LIMIT 1`, providerID))
	if err != nil {
		return Letter{}, notFound("provider letter", providerID, err)
	}
	return l, nil
}

// ListLetters returns all active letters.
func (s *Store) ListLetters(ctx context.Context) ([]Letter, error) {
	return s.queryLetters(ctx, `SELECT `+letterColumns+` FROM contest_letters WHERE superseded=0 ORDER BY created_at DESC`)
}

// LettersInStatus returns active letters in any of statuses, most recently
// updated first.
func (s *Store) LettersInStatus(ctx context.Context, statuses []string, limit int) ([]Letter, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, limit)
	return s.queryLetters(ctx, `SELECT `+letterColumns+` FROM contest_letters WHERE superseded=0 AND status IN (`+placeholders+`) ORDER BY updated_at DESC LIMIT ?`, args...)
}
