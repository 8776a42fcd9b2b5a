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

// Ticket statuses. Letter statuses live with the delivery state machine.
const (
	TicketFound           = "found"
	TicketPendingEvidence = "pending_evidence"
	TicketNeedsApproval   = "needs_approval"
	TicketMailed          = "mailed"
)

// Plate is a license plate a user asked us to monitor.
type Plate struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Plate     string    `json:"plate"`
	State     string    `json:"state"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the name and mailing address used on contest letters.
type Profile struct {
	UserID       string `json:"user_id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
}

// FullName joins first and last name, empty when neither is set.
func (p Profile) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

// Settings are a user's autopilot preferences.
type Settings struct {
	UserID               string   `json:"user_id"`
	AutoMailEnabled      bool     `json:"auto_mail_enabled"`
	RequireApproval      bool     `json:"require_approval"`
	AllowedTicketTypes   []string `json:"allowed_ticket_types"`
	NeverAutoMailUnknown bool     `json:"never_auto_mail_unknown"`
}

// Ticket is a detected violation tracked for contest.
type Ticket struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	PlateID              string    `json:"plate_id"`
	Plate                string    `json:"plate"`
	State                string    `json:"state"`
	TicketNumber         string    `json:"ticket_number"`
	ViolationType        string    `json:"violation_type"`
	ViolationDescription string    `json:"violation_description"`
	ViolationDate        string    `json:"violation_date"`
	Amount               float64   `json:"amount"`
	Location             string    `json:"location"`
	Status               string    `json:"status"`
	SkipReason           string    `json:"skip_reason,omitempty"`
	UserEvidence         string    `json:"user_evidence,omitempty"`
	FoundAt              time.Time `json:"found_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}

func (s *Store) CreatePlate(ctx context.Context, p *Plate) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Plate = NormalizePlate(p.Plate)
	p.State = strings.ToUpper(strings.TrimSpace(p.State))
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO monitored_plates(id, user_id, plate, state, active, created_at) VALUES(?,?,?,?,?,?)`,
		p.ID, p.UserID, p.Plate, p.State, boolInt(p.Active), p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("plate %s/%s for %s: %w", p.State, p.Plate, p.UserID, apperr.ErrDuplicate)
	}
	return err
}

// ActivePlates returns active monitored plates matching plate+state,
// narrowed to userID when one is given.
func (s *Store) ActivePlates(ctx context.Context, plate, state, userID string) ([]Plate, error) {
	q := `SELECT id, user_id, plate, state, active, created_at FROM monitored_plates WHERE plate=? AND state=? AND active=1`
	args := []any{NormalizePlate(plate), strings.ToUpper(strings.TrimSpace(state))}
	if userID != "" {
		q += ` AND user_id=?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Plate
	for rows.Next() {
		var p Plate
		if err := rows.Scan(&p.ID, &p.UserID, &p.Plate, &p.State, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_profiles(user_id, first_name, last_name, email, phone, address_line1, address_line2, city, state, zip, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(user_id) DO UPDATE SET first_name=excluded.first_name, last_name=excluded.last_name, email=excluded.email, phone=excluded.phone,
            address_line1=excluded.address_line1, address_line2=excluded.address_line2, city=excluded.city, state=excluded.state, zip=excluded.zip, updated_at=excluded.updated_at`,
		p.UserID, p.FirstName, p.LastName, p.Email, p.Phone, p.AddressLine1, p.AddressLine2, p.City, p.State, p.Zip, now())
	return err
}

const profileColumns = `user_id, COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(email,''), COALESCE(phone,''), COALESCE(address_line1,''), COALESCE(address_line2,''), COALESCE(city,''), COALESCE(state,''), COALESCE(zip,'')`

func scanProfile(sc interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	err := sc.Scan(&p.UserID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.Zip)
	return p, err
}

func (s *Store) Profile(ctx context.Context, userID string) (Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE user_id=?`, userID))
	if err != nil {
		return Profile{}, notFound("profile", userID, err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM user_profiles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSettings(ctx context.Context, st Settings) error {
	types, _ := json.Marshal(st.AllowedTicketTypes)
	_, err := s.db.ExecContext(ctx, `INSERT INTO autopilot_settings(user_id, auto_mail_enabled, require_approval, allowed_ticket_types, never_auto_mail_unknown, updated_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(user_id) DO UPDATE SET auto_mail_enabled=excluded.auto_mail_enabled, require_approval=excluded.require_approval,
            allowed_ticket_types=excluded.allowed_ticket_types, never_auto_mail_unknown=excluded.never_auto_mail_unknown, updated_at=excluded.updated_at`,
		st.UserID, boolInt(st.AutoMailEnabled), boolInt(st.RequireApproval), string(types), boolInt(st.NeverAutoMailUnknown), now())
	return err
}

// Settings returns the stored settings and whether a row existed.
func (s *Store) Settings(ctx context.Context, userID string) (Settings, bool, error) {
	var st Settings
	var types string
	err := s.db.QueryRowContext(ctx, `SELECT user_id, auto_mail_enabled, require_approval, allowed_ticket_types, never_auto_mail_unknown FROM autopilot_settings WHERE user_id=?`, userID).
		Scan(&st.UserID, &st.AutoMailEnabled, &st.RequireApproval, &types, &st.NeverAutoMailUnknown)
	switch {
	case err == sql.ErrNoRows:
		return Settings{UserID: userID}, false, nil
	case err != nil:
		return Settings{}, false, err
	}
	if err := json.Unmarshal([]byte(types), &st.AllowedTicketTypes); err != nil {
		return Settings{}, false, fmt.Errorf("settings %s: allowed types: %w", userID, err)
	}
	return st, true, nil
}

// TicketExists is the dedup read of the ingestion pass.
func (s *Store) TicketExists(ctx context.Context, ticketNumber string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tickets WHERE ticket_number=?`, strings.TrimSpace(ticketNumber)).Scan(&n)
	return n > 0, err
}

// InsertTicket stores a new ticket. The unique index on ticket_number
// closes the gap left by a concurrent read-then-write dedup.
func (s *Store) InsertTicket(ctx context.Context, t *Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := now()
	if t.FoundAt.IsZero() {
		t.FoundAt = ts
	}
	t.CreatedAt, t.UpdatedAt = ts, ts
	_, err := s.db.ExecContext(ctx, `INSERT INTO tickets(id, user_id, plate_id, plate, state, ticket_number, violation_type, violation_description, violation_date, amount, location, status, skip_reason, user_evidence, found_at, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.PlateID, t.Plate, t.State, t.TicketNumber, t.ViolationType, t.ViolationDescription, t.ViolationDate, t.Amount, t.Location, t.Status, t.SkipReason, t.UserEvidence, t.FoundAt, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticket %s: %w", t.TicketNumber, apperr.ErrDuplicate)
	}
	return err
}

const ticketColumns = `id, user_id, COALESCE(plate_id,''), plate, state, ticket_number, violation_type, COALESCE(violation_description,''), COALESCE(violation_date,''), COALESCE(amount,0), COALESCE(location,''), status, COALESCE(skip_reason,''), COALESCE(user_evidence,''), found_at, created_at, updated_at`

func scanTicket(sc interface{ Scan(...any) error }) (Ticket, error) {
	var t Ticket
	err := sc.Scan(&t.ID, &t.UserID, &t.PlateID, &t.Plate, &t.State, &t.TicketNumber, &t.ViolationType, &t.ViolationDescription, &t.ViolationDate, &t.Amount, &t.Location, &t.Status, &t.SkipReason, &t.UserEvidence, &t.FoundAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) Ticket(ctx context.Context, id string) (Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
	if err != nil {
		return Ticket{}, notFound("ticket", id, err)
	}
	return t, nil
}

func (s *Store) ListTickets(ctx context.Context) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ticketColumns+` FROM tickets ORDER BY found_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTicketStatus(ctx context.Context, id, status, skipReason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET status=?, skip_reason=?, updated_at=? WHERE id=?`, status, skipReason, now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// SetUserEvidence replaces the opaque user evidence blob.
func (s *Store) SetUserEvidence(ctx context.Context, id, blob string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tickets SET user_evidence=?, updated_at=? WHERE id=?`, blob, now(), id)
	return err
}
