// Package safetynet mails letters nobody approved before their contest
// deadline runs out.
package safetynet

import (
	"context"
	"fmt"
	"log"
	"time"

	"autopilot/internal/automail"
	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/letter"
	"autopilot/internal/notify"
	"autopilot/internal/store"
)

// Actor is recorded as performed_by on safety-net sends.
const Actor = "safety_net"

// Summary reports one sweep.
type Summary struct {
	Candidates int                 `json:"candidates"`
	Sent       int                 `json:"sent"`
	Failed     int                 `json:"failed"`
	Missed     int                 `json:"missed"`
	Blocked    bool                `json:"blocked"`
	Notified   notify.FanoutResult `json:"notified"`
}

// Sweeper finds letters still waiting for approval inside the lead
// window before their deadline and sends them, overriding the user's
// approval requirement. The global kill switch still wins.
type Sweeper struct {
	cfg        config.Config
	store      *store.Store
	dispatcher *delivery.Dispatcher
	notifier   notify.Notifier
}

func NewSweeper(cfg config.Config, st *store.Store, d *delivery.Dispatcher, n notify.Notifier) *Sweeper {
	if n == nil {
		n = notify.Noop{}
	}
	return &Sweeper{cfg: cfg, store: st, dispatcher: d, notifier: n}
}

var waiting = []string{string(delivery.PendingApproval), string(delivery.EvidenceIntegrated), string(delivery.Approved)}

// Run sweeps once as of now. Letters already past their deadline are
// counted as missed and left for an operator.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary
	disabled := s.cfg.MailingDisabled
	if !disabled {
		var err error
		if disabled, err = s.store.MailingDisabled(ctx); err != nil {
			return sum, fmt.Errorf("read mailing kill switch: %w", err)
		}
	}
	if disabled {
		sum.Blocked = true
		log.Printf("safety net: mailing disabled, sweep skipped")
		return sum, nil
	}

	letters, err := s.store.LettersInStatus(ctx, waiting, -1)
	if err != nil {
		return sum, err
	}
	lead := s.cfg.SafetyNetLead()
	var msgs []notify.Message
	for _, l := range letters {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		t, err := s.store.Ticket(ctx, l.TicketID)
		if err != nil {
			log.Printf("safety net letter=%s: %v", l.ID, err)
			continue
		}
		deadline := automail.ContestDeadline(t.ViolationDate, t.FoundAt, s.cfg.ContestWindowDays)
		if !now.Before(deadline) {
			sum.Missed++
			continue
		}
		if !automail.SafetyNetDue(deadline, now, lead) {
			continue
		}
		sum.Candidates++
		if _, err := s.dispatcher.Send(ctx, l.ID, delivery.SendOptions{PerformedBy: Actor, Action: delivery.ActionSafetyNet}); err != nil {
			sum.Failed++
			log.Printf("safety net send letter=%s ticket=%s: %v", l.ID, t.TicketNumber, err)
			continue
		}
		sum.Sent++
		msgs = append(msgs, notify.Message{
			UserID: t.UserID,
			Kind:   delivery.ActionSafetyNet,
			Text: fmt.Sprintf("Your contest letter for ticket %s was mailed automatically because its deadline of %s was approaching.",
				t.TicketNumber, letter.LongDate(deadline.In(automail.Chicago()).Format("2006-01-02"))),
		})
	}
	if len(msgs) > 0 {
		sum.Notified = notify.Fanout(ctx, s.notifier, msgs, s.cfg.NotifyChunkSize)
	}
	log.Printf("safety net sweep candidates=%d sent=%d failed=%d missed=%d", sum.Candidates, sum.Sent, sum.Failed, sum.Missed)
	return sum, nil
}
