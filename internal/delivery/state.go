// Package delivery owns the contest letter state machine: approval,
// mailing through the provider, and the provider's delivery updates.
package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/store"
)

// State is a contest letter's position in its lifecycle.
type State string

const (
	PendingApproval    State = "pending_approval"
	EvidenceIntegrated State = "evidence_integrated"
	Approved           State = "approved"
	Mailed             State = "mailed"
	InTransit          State = "in_transit"
	Delivered          State = "delivered"
	Returned           State = "returned"
	Failed             State = "failed"
)

// Kind is what happened to a letter.
type Kind string

const (
	KindEvidence   Kind = "evidence"
	KindApprove    Kind = "approve"
	KindMailed     Kind = "mailed"
	KindMailFailed Kind = "mail_failed"
	KindInTransit  Kind = "in_transit"
	KindDelivered  Kind = "delivered"
	KindReturned   Kind = "returned"
)

// Event drives one transition. Only the fields relevant to Kind are read.
type Event struct {
	Kind             Kind
	Actor            string
	ProviderID       string
	TrackingNumber   string
	ExpectedDelivery string
	Reason           string
	At               time.Time
}

var (
	// ErrNoChange means the event would not move the letter: it repeats
	// the current state, reports a step the letter is already past, or
	// reaches a letter that was already delivered or returned.
	ErrNoChange = fmt.Errorf("letter state unchanged: %w", apperr.ErrDuplicate)
	// ErrInvalidTransition means the edge does not exist.
	ErrInvalidTransition = fmt.Errorf("invalid letter transition: %w", apperr.ErrValidation)
)

var edges = map[State]map[Kind]State{
	PendingApproval:    {KindEvidence: EvidenceIntegrated, KindApprove: Approved},
	EvidenceIntegrated: {KindApprove: Approved},
	Approved:           {KindMailed: Mailed, KindMailFailed: Failed},
	Mailed:             {KindInTransit: InTransit, KindDelivered: Delivered, KindReturned: Returned},
	InTransit:          {KindDelivered: Delivered, KindReturned: Returned},
	Failed:             {KindApprove: Approved},
}

// postal ranks the provider-driven states so late or replayed updates
// can be recognised.
var postal = map[State]int{Mailed: 1, InTransit: 2, Delivered: 3, Returned: 3}

var kindState = map[Kind]State{
	KindEvidence:   EvidenceIntegrated,
	KindApprove:    Approved,
	KindMailed:     Mailed,
	KindMailFailed: Failed,
	KindInTransit:  InTransit,
	KindDelivered:  Delivered,
	KindReturned:   Returned,
}

// Next is the single transition function for letters.
func Next(from State, ev Event) (State, error) {
	if to, ok := edges[from][ev.Kind]; ok {
		return to, nil
	}
	target, known := kindState[ev.Kind]
	if !known {
		return from, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}
	if target == from {
		return from, ErrNoChange
	}
	if Terminal(from) && postal[target] > 0 {
		return from, ErrNoChange
	}
	if rf, ok := postal[from]; ok {
		if rt, ok := postal[target]; ok && rt < rf {
			return from, ErrNoChange
		}
	}
	if ev.Kind == KindEvidence && (from == Approved || postal[from] > 0) {
		return from, ErrNoChange
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, from)
}

// Apply moves l according to ev and stamps the fields the new state
// carries. It reports false with ErrNoChange when nothing moved.
func Apply(l *store.Letter, ev Event) (bool, error) {
	to, err := Next(State(l.Status), ev)
	if err != nil {
		return false, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch to {
	case Approved:
		l.ApprovedAt = &at
		l.ApprovedBy = ev.Actor
		l.FailureReason = ""
	case Mailed:
		l.MailedAt = &at
		if ev.ProviderID != "" {
			l.LobLetterID = ev.ProviderID
		}
		if ev.TrackingNumber != "" {
			l.TrackingNumber = ev.TrackingNumber
		}
		if ev.ExpectedDelivery != "" {
			l.ExpectedDelivery = ev.ExpectedDelivery
		}
	case Failed:
		l.FailureReason = ev.Reason
	case InTransit:
		l.InTransitAt = &at
	case Delivered:
		l.DeliveredAt = &at
	case Returned:
		l.ReturnedAt = &at
	}
	l.Status = string(to)
	return true, nil
}

// Terminal reports whether no provider update can move s any further.
func Terminal(s State) bool { return s == Delivered || s == Returned }

// Sendable reports whether a letter in s can be approved and mailed.
func Sendable(s State) bool {
	return s == PendingApproval || s == EvidenceIntegrated || s == Approved || s == Failed
}

// ProviderStatus maps a mail provider webhook event type
// ("letter.in_local_area") or tracking event name ("In Local Area")
// onto a Kind.
func ProviderStatus(eventType string) (Kind, bool) {
	s := strings.ToLower(strings.TrimSpace(eventType))
	s = strings.TrimPrefix(s, "letter.")
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "mailed":
		return KindMailed, true
	case "in_transit", "in_local_area", "processed_for_delivery", "re_routed":
		return KindInTransit, true
	case "delivered":
		return KindDelivered, true
	case "returned_to_sender", "returned":
		return KindReturned, true
	}
	return "", false
}

// IsNoChange reports whether err is ErrNoChange.
func IsNoChange(err error) bool { return errors.Is(err, ErrNoChange) }
