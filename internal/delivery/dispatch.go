package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/archive"
	"autopilot/internal/config"
	"autopilot/internal/letter"
	"autopilot/internal/mail"
	"autopilot/internal/metrics"
	"autopilot/internal/store"
)

// Audit actions written by this package.
const (
	ActionApproved      = "letter_approved"
	ActionMailed        = "letter_mailed"
	ActionSafetyNet     = "auto_send_safety_net"
	ActionMailFailed    = "letter_mail_failed"
	ActionStatusUpdated = "delivery_status_updated"
)

// SystemActor is recorded when no human made the call.
const SystemActor = "autopilot"

// MailingFailedReason is the ticket skip reason after a failed send.
const MailingFailedReason = "Mailing failed"

// ErrMailingDisabled refuses a human approval while the kill switch is on.
var ErrMailingDisabled = fmt.Errorf("mailing disabled globally: %w", apperr.ErrConflict)

// SendOptions says who is sending and which audit action records it.
type SendOptions struct {
	PerformedBy string
	Action      string
}

// Dispatcher approves letters and hands them to the mail provider.
type Dispatcher struct {
	store   *store.Store
	mail    mail.Sender
	archive archive.Store
	cfg     config.Config
	now     func() time.Time
}

func NewDispatcher(cfg config.Config, st *store.Store, sender mail.Sender, arch archive.Store) *Dispatcher {
	if arch == nil {
		arch = archive.Disabled{}
	}
	return &Dispatcher{store: st, mail: sender, archive: arch, cfg: cfg, now: config.Now}
}

// Send approves the letter when needed and mails it. A provider or
// profile failure leaves the letter failed and the ticket waiting for a
// human, and is returned as a dependency error.
func (d *Dispatcher) Send(ctx context.Context, letterID string, opts SendOptions) (store.Letter, error) {
	if opts.PerformedBy == "" {
		opts.PerformedBy = SystemActor
	}
	if opts.Action == "" {
		opts.Action = ActionMailed
	}
	l, err := d.store.Letter(ctx, letterID)
	if err != nil {
		return store.Letter{}, err
	}
	if !Sendable(State(l.Status)) {
		return l, fmt.Errorf("letter %s is %s: %w", l.ID, l.Status, ErrNoChange)
	}
	t, err := d.store.Ticket(ctx, l.TicketID)
	if err != nil {
		return l, err
	}

	if State(l.Status) != Approved {
		if _, err := Apply(&l, Event{Kind: KindApprove, Actor: opts.PerformedBy, At: d.now()}); err != nil {
			return l, err
		}
		if err := d.store.SaveLetter(ctx, &l); err != nil {
			return l, err
		}
		if opts.Action != ActionSafetyNet {
			if _, err := d.store.AppendAudit(ctx, t.ID, t.UserID, ActionApproved, opts.PerformedBy, map[string]any{"letter_id": l.ID}); err != nil {
				return l, err
			}
		}
	}

	from, err := d.sender(ctx, l.UserID)
	if err != nil {
		return d.fail(ctx, l, t, opts, err)
	}
	res, err := d.mail.Send(ctx, mail.Request{
		Description:    fmt.Sprintf("Contest %s", t.TicketNumber),
		To:             d.cfg.ContestTo,
		From:           from,
		Content:        l.Content,
		Metadata:       map[string]string{"ticket_id": t.ID, "letter_id": l.ID},
		IdempotencyKey: l.ID,
	})
	if err != nil {
		return d.fail(ctx, l, t, opts, err)
	}

	if _, err := Apply(&l, Event{Kind: KindMailed, ProviderID: res.ProviderID, TrackingNumber: res.TrackingNumber, ExpectedDelivery: res.ExpectedDelivery, At: d.now()}); err != nil {
		return l, err
	}
	if err := d.store.SaveLetter(ctx, &l); err != nil {
		return l, err
	}
	if err := d.store.UpdateTicketStatus(ctx, t.ID, store.TicketMailed, ""); err != nil {
		return l, err
	}
	details := map[string]any{
		"letter_id":         l.ID,
		"lob_letter_id":     res.ProviderID,
		"tracking_number":   res.TrackingNumber,
		"expected_delivery": res.ExpectedDelivery,
		"approved_by":       l.ApprovedBy,
	}
	if opts.Action == ActionSafetyNet {
		details["reason"] = "contest deadline approaching without approval"
	}
	if _, err := d.store.AppendAudit(ctx, t.ID, t.UserID, opts.Action, opts.PerformedBy, details); err != nil {
		return l, err
	}
	metrics.IncLettersMailed()
	if opts.Action == ActionSafetyNet {
		metrics.IncSafetyNetSends()
	}
	log.Printf("letter mailed letter=%s ticket=%s provider_id=%s action=%s", l.ID, t.TicketNumber, res.ProviderID, opts.Action)

	if _, err := d.archive.Put(ctx, archive.LetterKey(l.UserID, t.ID, l.ID), archive.ContentTypeText, []byte(l.Content)); err != nil {
		log.Printf("archive letter=%s: %v", l.ID, err)
	}
	return l, nil
}

// Approve is the human path: it refuses while mailing is switched off,
// then sends. A failed letter re-enters approved and is retried.
func (d *Dispatcher) Approve(ctx context.Context, letterID, approvedBy string) (store.Letter, error) {
	disabled := d.cfg.MailingDisabled
	if !disabled {
		var err error
		if disabled, err = d.store.MailingDisabled(ctx); err != nil {
			return store.Letter{}, err
		}
	}
	if disabled {
		return store.Letter{}, ErrMailingDisabled
	}
	if strings.TrimSpace(approvedBy) == "" {
		return store.Letter{}, fmt.Errorf("%w: approved_by required", apperr.ErrValidation)
	}
	return d.Send(ctx, letterID, SendOptions{PerformedBy: approvedBy, Action: ActionMailed})
}

// sender resolves the return address printed on the envelope: the
// user's own address when complete, otherwise the service address.
func (d *Dispatcher) sender(ctx context.Context, userID string) (config.Address, error) {
	p, err := d.store.Profile(ctx, userID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		p = store.Profile{}
	case err != nil:
		return config.Address{}, fmt.Errorf("profile lookup %s: %v: %w", userID, err, apperr.ErrDependency)
	}
	name := p.FullName()
	if name == "" {
		name = letter.DefaultName
	}
	own := config.Address{Name: name, Line1: p.AddressLine1, Line2: p.AddressLine2, City: p.City, State: p.State, Zip: p.Zip}
	if mail.Complete(own) == nil {
		return own, nil
	}
	fallback := d.cfg.ReturnAddress
	if fallback.Name == "" {
		fallback.Name = name
	}
	return fallback, nil
}

func (d *Dispatcher) fail(ctx context.Context, l store.Letter, t store.Ticket, opts SendOptions, cause error) (store.Letter, error) {
	metrics.IncMailFailures()
	log.Printf("mail failed letter=%s ticket=%s: %v", l.ID, t.TicketNumber, cause)
	if _, err := Apply(&l, Event{Kind: KindMailFailed, Reason: cause.Error(), At: d.now()}); err != nil {
		return l, err
	}
	if err := d.store.SaveLetter(ctx, &l); err != nil {
		return l, err
	}
	if err := d.store.UpdateTicketStatus(ctx, t.ID, store.TicketNeedsApproval, MailingFailedReason); err != nil {
		return l, err
	}
	if _, err := d.store.AppendAudit(ctx, t.ID, t.UserID, ActionMailFailed, opts.PerformedBy, map[string]any{
		"letter_id": l.ID,
		"attempted": opts.Action,
		"error":     cause.Error(),
	}); err != nil {
		return l, err
	}
	if !errors.Is(cause, apperr.ErrDependency) {
		cause = fmt.Errorf("%w: %v", apperr.ErrDependency, cause)
	}
	return l, fmt.Errorf("mail letter %s: %w", l.ID, cause)
}
