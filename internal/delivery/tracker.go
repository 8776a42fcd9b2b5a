package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/events"
	"autopilot/internal/mail"
	"autopilot/internal/metrics"
	"autopilot/internal/store"
)

// ProviderEvent is a status update reported by the mail provider.
type ProviderEvent struct {
	ProviderID string    `json:"provider_letter_id"`
	Type       string    `json:"event_type"`
	At         time.Time `json:"at"`
}

// Result of handling one provider event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
)

// Tracker applies provider updates to letters exactly once per
// (provider letter, status) pair.
type Tracker struct {
	store *store.Store
	mail  mail.Sender
	bus   *events.Bus
	audit func(ctx context.Context, ticketID, userID, action, performedBy string, details any) (store.AuditEntry, error)
}

func NewTracker(st *store.Store, sender mail.Sender, bus *events.Bus) *Tracker {
	return &Tracker{store: st, mail: sender, bus: bus, audit: st.AppendAudit}
}

// HandleProviderEvent records ev and moves the letter. Replays are
// reported as duplicates and leave no trace; event types we do not
// track and updates the letter is already past are ignored.
func (t *Tracker) HandleProviderEvent(ctx context.Context, ev ProviderEvent) (Result, error) {
	if ev.ProviderID == "" {
		return "", fmt.Errorf("%w: provider letter id required", apperr.ErrValidation)
	}
	kind, ok := ProviderStatus(ev.Type)
	if !ok {
		return ResultIgnored, nil
	}
	l, err := t.store.LetterByProviderID(ctx, ev.ProviderID)
	if err != nil {
		return "", err
	}
	fresh, err := t.store.RecordDeliveryEvent(ctx, ev.ProviderID, string(kind))
	if err != nil {
		return "", err
	}
	if !fresh {
		metrics.IncDuplicateDelivery()
		return ResultDuplicate, nil
	}
	from := l.Status
	prev := l
	if _, err := Apply(&l, Event{Kind: kind, ProviderID: ev.ProviderID, At: ev.At}); err != nil {
		if errors.Is(err, ErrNoChange) {
			return ResultIgnored, nil
		}
		t.forget(ctx, ev.ProviderID, kind)
		return "", err
	}
	if err := t.store.SaveLetter(ctx, &l); err != nil {
		t.forget(ctx, ev.ProviderID, kind)
		return "", err
	}
	if _, err := t.audit(ctx, l.TicketID, l.UserID, ActionStatusUpdated, "lob_webhook", map[string]any{
		"letter_id":     l.ID,
		"lob_letter_id": ev.ProviderID,
		"event_type":    ev.Type,
		"from":          from,
		"to":            l.Status,
	}); err != nil {
		// Undo the save so a retry applies and audits the update.
		if rerr := t.store.SaveLetter(ctx, &prev); rerr != nil {
			log.Printf("restore letter=%s after audit failure: %v", l.ID, rerr)
		}
		t.forget(ctx, ev.ProviderID, kind)
		return "", err
	}
	metrics.IncDeliveryUpdates()
	log.Printf("delivery update letter=%s provider_id=%s %s -> %s", l.ID, ev.ProviderID, from, l.Status)
	if Terminal(State(l.Status)) {
		at := ev.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		t.bus.Publish(events.StatusChanged{
			LetterID:   l.ID,
			TicketID:   l.TicketID,
			UserID:     l.UserID,
			ProviderID: ev.ProviderID,
			From:       from,
			To:         l.Status,
			At:         at,
		})
	}
	return ResultApplied, nil
}

func (t *Tracker) forget(ctx context.Context, providerID string, kind Kind) {
	if err := t.store.ForgetDeliveryEvent(ctx, providerID, string(kind)); err != nil {
		log.Printf("forget delivery event provider_id=%s status=%s: %v", providerID, kind, err)
	}
}

// PollSummary counts what one polling pass did.
type PollSummary struct {
	Checked int `json:"checked"`
	Applied int `json:"applied"`
	Errors  int `json:"errors"`
}

// Poll asks the provider for tracking events of letters still on their
// way, most recently updated first, and feeds them through
// HandleProviderEvent.
func (t *Tracker) Poll(ctx context.Context, limit int) (PollSummary, error) {
	var sum PollSummary
	letters, err := t.store.LettersInStatus(ctx, []string{string(Mailed), string(InTransit)}, limit)
	if err != nil {
		return sum, err
	}
	for _, l := range letters {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if l.LobLetterID == "" {
			continue
		}
		sum.Checked++
		evs, err := t.mail.Tracking(ctx, l.LobLetterID)
		if err != nil {
			if mail.IsNotConfigured(err) {
				return sum, err
			}
			sum.Errors++
			log.Printf("poll tracking letter=%s provider_id=%s: %v", l.ID, l.LobLetterID, err)
			continue
		}
		for _, te := range evs {
			res, err := t.HandleProviderEvent(ctx, ProviderEvent{ProviderID: l.LobLetterID, Type: te.Name, At: te.Time})
			if err != nil {
				sum.Errors++
				log.Printf("poll apply letter=%s event=%s: %v", l.ID, te.Name, err)
				continue
			}
			if res == ResultApplied {
				sum.Applied++
			}
		}
	}
	return sum, nil
}
