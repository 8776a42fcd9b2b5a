// Package ingest turns scraped or uploaded ticket rows into tickets and
// contest letters, and mails or holds each letter.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/automail"
	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/letter"
	"autopilot/internal/metrics"
	"autopilot/internal/store"
	"autopilot/internal/violation"
)

// Audit actions written during ingestion.
const (
	ActionTicketDetected  = "ticket_detected"
	ActionLetterGenerated = "letter_generated"
	ActionHeld            = "held_for_approval"
)

// ProfileLookupFailed is the skip reason when the owner could not be
// looked up.
const ProfileLookupFailed = "Profile lookup failed"

// Result summarizes one batch.
type Result struct {
	Processed        int      `json:"processed"`
	TicketsCreated   int      `json:"ticketsCreated"`
	LettersGenerated int      `json:"lettersGenerated"`
	LettersMailed    int      `json:"lettersMailed"`
	NeedsApproval    int      `json:"needsApproval"`
	Skipped          int      `json:"skipped"`
	Errors           []string `json:"errors"`
}

func (r *Result) fail(row Row, err error) {
	num := strings.TrimSpace(row.TicketNumber)
	if num == "" {
		num = "(no ticket number)"
	}
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", num, err))
}

// Service runs ingestion batches.
type Service struct {
	cfg        config.Config
	store      *store.Store
	dispatcher *delivery.Dispatcher
	catalog    *violation.Catalog
	now        func() time.Time
	profile    func(ctx context.Context, userID string) (store.Profile, error)
}

func NewService(cfg config.Config, st *store.Store, d *delivery.Dispatcher, catalog *violation.Catalog) *Service {
	if catalog == nil {
		catalog = violation.DefaultCatalog()
	}
	return &Service{cfg: cfg, store: st, dispatcher: d, catalog: catalog, now: config.Now, profile: st.Profile}
}

// Process handles rows one at a time, in order, so each dedup check
// sees the rows before it. A failing row is reported in Errors and the
// batch carries on.
func (s *Service) Process(ctx context.Context, rows []Row) Result {
	return s.process(ctx, rows, nil)
}

// ProcessJSON decodes each element of a request batch on its own. A row
// that does not decode is reported in Errors like any other bad row.
func (s *Service) ProcessJSON(ctx context.Context, raws []json.RawMessage) Result {
	rows := make([]Row, len(raws))
	decodeErrs := make([]error, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &rows[i]); err != nil {
			rows[i] = Row{TicketNumber: rawTicketNumber(raw)}
			if !errors.Is(err, apperr.ErrValidation) {
				err = fmt.Errorf("%w: %v", apperr.ErrValidation, err)
			}
			decodeErrs[i] = err
		}
	}
	return s.process(ctx, rows, decodeErrs)
}

// rawTicketNumber recovers the ticket number of a row that failed to
// decode, whatever its JSON type, for the error report.
func rawTicketNumber(raw json.RawMessage) string {
	var loose map[string]any
	if err := json.Unmarshal(raw, &loose); err != nil || loose["ticketNumber"] == nil {
		return ""
	}
	return fmt.Sprint(loose["ticketNumber"])
}

func (s *Service) process(ctx context.Context, rows []Row, decodeErrs []error) Result {
	res := Result{Errors: []string{}}
	disabled := s.mailingDisabled(ctx)
	for i, row := range rows {
		res.Processed++
		var err error
		if decodeErrs != nil {
			err = decodeErrs[i]
		}
		if err == nil {
			err = s.processRow(ctx, row, disabled, &res)
		}
		if err != nil {
			res.fail(row, err)
			log.Printf("ingest row ticket=%s: %v", row.TicketNumber, err)
		}
	}
	log.Printf("ingest batch processed=%d created=%d generated=%d mailed=%d held=%d skipped=%d errors=%d",
		res.Processed, res.TicketsCreated, res.LettersGenerated, res.LettersMailed, res.NeedsApproval, res.Skipped, len(res.Errors))
	return res
}

// mailingDisabled reads the kill switch once for the batch. A failed
// read holds every letter.
func (s *Service) mailingDisabled(ctx context.Context) bool {
	if s.cfg.MailingDisabled {
		return true
	}
	disabled, err := s.store.MailingDisabled(ctx)
	if err != nil {
		log.Printf("read mailing kill switch: %v (holding all letters)", err)
		return true
	}
	return disabled
}

func (s *Service) processRow(ctx context.Context, row Row, mailingDisabled bool, res *Result) error {
	if err := row.Validate(); err != nil {
		return err
	}
	number := strings.TrimSpace(row.TicketNumber)
	state := strings.ToUpper(strings.TrimSpace(row.State))
	if state == "" {
		state = "IL"
	}

	plates, err := s.store.ActivePlates(ctx, row.Plate, state, strings.TrimSpace(row.UserID))
	if err != nil {
		return err
	}
	if len(plates) == 0 {
		res.Skipped++
		return nil
	}
	plate := plates[0]

	exists, err := s.store.TicketExists(ctx, number)
	if err != nil {
		return err
	}
	if exists {
		res.Skipped++
		return nil
	}

	raw := row.ViolationType
	if strings.TrimSpace(raw) == "" {
		raw = row.ViolationDescription
	}
	vt := violation.Classify(raw)
	description := strings.TrimSpace(row.ViolationDescription)
	if description == "" {
		description = strings.TrimSpace(row.ViolationType)
	}
	date, ok := ParseDate(row.ViolationDate)
	if !ok && strings.TrimSpace(row.ViolationDate) != "" {
		log.Printf("ingest ticket=%s: unparseable violation date %q", number, row.ViolationDate)
	}

	t := store.Ticket{
		UserID:               plate.UserID,
		PlateID:              plate.ID,
		Plate:                plate.Plate,
		State:                plate.State,
		TicketNumber:         number,
		ViolationType:        string(vt),
		ViolationDescription: description,
		ViolationDate:        date,
		Amount:               float64(row.Amount),
		Location:             strings.TrimSpace(row.Location),
		Status:               store.TicketFound,
		FoundAt:              s.now(),
	}
	if err := s.store.InsertTicket(ctx, &t); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			res.Skipped++
			return nil
		}
		return err
	}
	res.TicketsCreated++
	metrics.IncTicketsCreated()
	if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, ActionTicketDetected, delivery.SystemActor, map[string]any{
		"ticket_number":  t.TicketNumber,
		"plate":          t.Plate,
		"violation_type": t.ViolationType,
		"raw_violation":  raw,
		"rules_version":  violation.RulesVersion,
	}); err != nil {
		return err
	}

	profile, err := s.profile(ctx, t.UserID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		res.NeedsApproval++
		if uerr := s.store.UpdateTicketStatus(ctx, t.ID, store.TicketNeedsApproval, ProfileLookupFailed); uerr != nil {
			log.Printf("ingest ticket=%s: %v", number, uerr)
		}
		return fmt.Errorf("profile lookup: %v: %w", err, apperr.ErrDependency)
	}

	tmpl := s.catalog.For(vt)
	content, err := letter.Generate(t, profile, tmpl, s.now())
	if err != nil {
		return err
	}
	l := store.Letter{
		TicketID:    t.ID,
		UserID:      t.UserID,
		Content:     content,
		DefenseType: tmpl.DefenseType,
		Status:      string(delivery.PendingApproval),
	}
	if err := s.store.InsertLetter(ctx, &l); err != nil {
		return err
	}
	res.LettersGenerated++
	if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, ActionLetterGenerated, delivery.SystemActor, map[string]any{
		"letter_id":    l.ID,
		"defense_type": l.DefenseType,
	}); err != nil {
		return err
	}

	settings, found, err := s.store.Settings(ctx, t.UserID)
	if err != nil {
		return err
	}
	if !found {
		settings = automail.DefaultSettings(t.UserID)
	}
	decision := automail.Decide(vt, settings, mailingDisabled)
	if !decision.ShouldAutoMail {
		return s.hold(ctx, t, l, decision.Reason, res)
	}

	if _, err := s.dispatcher.Send(ctx, l.ID, delivery.SendOptions{PerformedBy: delivery.SystemActor, Action: delivery.ActionMailed}); err != nil {
		res.NeedsApproval++
		return err
	}
	res.LettersMailed++
	return nil
}

func (s *Service) hold(ctx context.Context, t store.Ticket, l store.Letter, reason string, res *Result) error {
	if err := s.store.UpdateTicketStatus(ctx, t.ID, store.TicketNeedsApproval, reason); err != nil {
		return err
	}
	if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, ActionHeld, delivery.SystemActor, map[string]any{
		"letter_id": l.ID,
		"reason":    reason,
	}); err != nil {
		return err
	}
	res.NeedsApproval++
	metrics.IncLettersHeld()
	return nil
}
