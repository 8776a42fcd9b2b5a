// Package contest records what happens to a ticket around its letter:
// gathered evidence, street-view exhibits and the hearing outcome.
package contest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/archive"
	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/evidence"
	"autopilot/internal/exhibit"
	"autopilot/internal/store"
)

// ActionOutcome is the audit action for a recorded hearing result.
const ActionOutcome = "outcome_recorded"

// Outcome kinds.
const (
	Dismissed = "dismissed"
	Reduced   = "reduced"
	Upheld    = "upheld"
)

// ErrNoArchive is returned when an exhibit arrives but no bucket is set.
var ErrNoArchive = fmt.Errorf("exhibit storage not configured: %w", apperr.ErrDependency)

// EvidenceInput is one evidence report for a ticket. At least one of
// Findings or Submission must be set.
type EvidenceInput struct {
	Findings      evidence.Gathered    `json:"findings,omitempty"`
	Submission    *evidence.Submission `json:"submission,omitempty"`
	LetterContent string               `json:"letter_content,omitempty"`
	PerformedBy   string               `json:"performed_by,omitempty"`
}

// OutcomeInput is the hearing result as reported by an operator.
type OutcomeInput struct {
	Outcome     string   `json:"outcome"`
	OutcomeDate string   `json:"outcome_date"`
	FinalAmount *float64 `json:"final_amount,omitempty"`
	PerformedBy string   `json:"performed_by,omitempty"`
}

type Service struct {
	cfg     config.Config
	store   *store.Store
	archive archive.Store
	now     func() time.Time
}

func NewService(cfg config.Config, st *store.Store, arch archive.Store) *Service {
	if arch == nil {
		arch = archive.Disabled{}
	}
	return &Service{cfg: cfg, store: st, archive: arch, now: config.Now}
}

// RecordEvidence audits the evidence and folds it into the ticket's
// letter. The letter body is only replaced before approval; a pending
// letter moves to evidence_integrated.
func (s *Service) RecordEvidence(ctx context.Context, ticketID string, in EvidenceInput) (store.Letter, error) {
	if len(in.Findings) == 0 && in.Submission == nil {
		return store.Letter{}, fmt.Errorf("%w: findings or submission required", apperr.ErrValidation)
	}
	if in.PerformedBy == "" {
		in.PerformedBy = delivery.SystemActor
	}
	t, err := s.store.Ticket(ctx, ticketID)
	if err != nil {
		return store.Letter{}, err
	}
	l, err := s.store.LetterForTicket(ctx, t.ID)
	if err != nil {
		return store.Letter{}, err
	}

	if len(in.Findings) > 0 {
		for k := range in.Findings {
			if !known(k) {
				return l, fmt.Errorf("%w: unknown evidence source %q", apperr.ErrValidation, k)
			}
		}
		if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, evidence.ActionGathered, in.PerformedBy, in.Findings); err != nil {
			return l, err
		}
	}
	if in.Submission != nil {
		if err := s.store.SetUserEvidence(ctx, t.ID, in.Submission.Text); err != nil {
			return l, err
		}
		if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, evidence.ActionUserSubmitted, in.PerformedBy, in.Submission); err != nil {
			return l, err
		}
	}

	changed, err := delivery.Apply(&l, delivery.Event{Kind: delivery.KindEvidence, Actor: in.PerformedBy, At: s.now()})
	if err != nil && !delivery.IsNoChange(err) {
		return l, err
	}
	editable := delivery.State(l.Status) == delivery.EvidenceIntegrated || delivery.State(l.Status) == delivery.PendingApproval
	if body := strings.TrimSpace(in.LetterContent); body != "" && editable {
		l.Content = body
		changed = true
	}
	if changed {
		if err := s.store.SaveLetter(ctx, &l); err != nil {
			return l, err
		}
	}
	log.Printf("evidence recorded ticket=%s letter=%s status=%s", t.TicketNumber, l.ID, l.Status)
	return l, nil
}

func known(k evidence.Key) bool {
	for _, x := range evidence.Keys {
		if x == k {
			return true
		}
	}
	return false
}

// RecordOutcome stores the hearing result once per ticket.
func (s *Service) RecordOutcome(ctx context.Context, ticketID string, in OutcomeInput) (store.Outcome, error) {
	t, err := s.store.Ticket(ctx, ticketID)
	if err != nil {
		return store.Outcome{}, err
	}
	o := store.Outcome{TicketID: t.ID, Outcome: strings.ToLower(strings.TrimSpace(in.Outcome)), OutcomeDate: strings.TrimSpace(in.OutcomeDate), OriginalAmount: t.Amount}
	switch o.Outcome {
	case Dismissed:
		o.FinalAmount = 0
	case Upheld:
		o.FinalAmount = t.Amount
	case Reduced:
		if in.FinalAmount == nil {
			return o, fmt.Errorf("%w: final_amount required for a reduced outcome", apperr.ErrValidation)
		}
		if *in.FinalAmount < 0 || *in.FinalAmount > t.Amount {
			return o, fmt.Errorf("%w: final_amount %.2f outside 0..%.2f", apperr.ErrValidation, *in.FinalAmount, t.Amount)
		}
		o.FinalAmount = *in.FinalAmount
	default:
		return o, fmt.Errorf("%w: outcome must be dismissed, reduced or upheld", apperr.ErrValidation)
	}
	if o.OutcomeDate == "" {
		o.OutcomeDate = s.now().UTC().Format("2006-01-02")
	}
	o.AmountSaved = math.Round((o.OriginalAmount-o.FinalAmount)*100) / 100

	if err := s.store.InsertOutcome(ctx, &o); err != nil {
		return o, err
	}
	if err := s.store.UpdateTicketStatus(ctx, t.ID, o.Outcome, ""); err != nil {
		return o, err
	}
	by := in.PerformedBy
	if by == "" {
		by = delivery.SystemActor
	}
	if _, err := s.store.AppendAudit(ctx, t.ID, t.UserID, ActionOutcome, by, map[string]any{
		"outcome":         o.Outcome,
		"outcome_date":    o.OutcomeDate,
		"original_amount": o.OriginalAmount,
		"final_amount":    o.FinalAmount,
		"amount_saved":    o.AmountSaved,
	}); err != nil {
		return o, err
	}
	log.Printf("outcome recorded ticket=%s outcome=%s saved=%.2f", t.TicketNumber, o.Outcome, o.AmountSaved)
	return o, nil
}

// AddExhibit scales an uploaded street-view image, stores it and
// attaches its URL to a letter that has not been mailed yet.
func (s *Service) AddExhibit(ctx context.Context, letterID string, img io.Reader, performedBy string) (string, error) {
	l, err := s.store.Letter(ctx, letterID)
	if err != nil {
		return "", err
	}
	if !delivery.Sendable(delivery.State(l.Status)) {
		return "", fmt.Errorf("letter %s is already %s: %w", l.ID, l.Status, apperr.ErrConflict)
	}
	body, err := exhibit.Prepare(img, s.cfg.ExhibitMaxWidth)
	if err != nil {
		return "", err
	}
	url, err := s.archive.Put(ctx, archive.ExhibitKey(l.TicketID, l.ID, len(l.ExhibitURLs)+1), archive.ContentTypeJPEG, body)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", ErrNoArchive
	}
	l.ExhibitURLs = append(l.ExhibitURLs, url)
	if err := s.store.SaveLetter(ctx, &l); err != nil {
		return "", err
	}
	if performedBy == "" {
		performedBy = delivery.SystemActor
	}
	if _, err := s.store.AppendAudit(ctx, l.TicketID, l.UserID, evidence.ActionExhibitAdded, performedBy, evidence.Exhibit{LetterID: l.ID, URL: url}); err != nil {
		return url, err
	}
	return url, nil
}
