// Package lifecycle derives the dashboard view of a ticket: one coarse
// stage, the step-by-step letter timeline, and the evidence summary.
package lifecycle

import (
	"time"

	"autopilot/internal/delivery"
	"autopilot/internal/evidence"
	"autopilot/internal/store"
)

// Stage is the single coarse status shown for a ticket.
type Stage string

const (
	Detected          Stage = "detected"
	EvidenceGathering Stage = "evidence_gathering"
	LetterReady       Stage = "letter_ready"
	Mailed            Stage = "mailed"
	Delivered         Stage = "delivered"
	Outcome           Stage = "outcome"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{Detected, EvidenceGathering, LetterReady, Mailed, Delivered, Outcome}

// ComputeStage checks the highest stage first, so an outcome hides any
// delivery state and delivery hides the mailing state.
func ComputeStage(t store.Ticket, l *store.Letter, o *store.Outcome) Stage {
	if o != nil {
		return Outcome
	}
	if l != nil {
		switch delivery.State(l.Status) {
		case delivery.Delivered:
			return Delivered
		case delivery.Mailed, delivery.InTransit, delivery.Returned:
			return Mailed
		}
		if l.Content != "" {
			return LetterReady
		}
	}
	switch t.Status {
	case store.TicketPendingEvidence, store.TicketNeedsApproval:
		return EvidenceGathering
	}
	return Detected
}

// Step is one row of the letter timeline.
type Step struct {
	Key       string     `json:"key"`
	Label     string     `json:"label"`
	Completed bool       `json:"completed"`
	At        *time.Time `json:"at,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// SafetyNetLabel marks an approval made by the deadline safety net.
const SafetyNetLabel = "Auto-Approved (Safety Net)"

// Steps lays out created, evidence integrated, approved, mailed, in
// transit and delivered (or returned), marking the ones reached. A
// failed send adds a final step.
func Steps(l *store.Letter, audit []store.AuditEntry) []Step {
	if l == nil {
		return nil
	}
	var evidenceAt, safetyNetAt *time.Time
	for i := range audit {
		e := audit[i]
		switch e.Action {
		case evidence.ActionGathered:
			if evidenceAt == nil {
				evidenceAt = &audit[i].CreatedAt
			}
		case delivery.ActionSafetyNet:
			safetyNetAt = &audit[i].CreatedAt
		}
	}
	status := delivery.State(l.Status)
	reached := func(at *time.Time, states ...delivery.State) bool {
		if at != nil {
			return true
		}
		for _, s := range states {
			if status == s {
				return true
			}
		}
		return false
	}

	created := l.CreatedAt
	steps := []Step{{Key: "created", Label: "Letter Created", Completed: true, At: &created}}

	steps = append(steps, Step{Key: "evidence_integrated", Label: "Evidence Integrated", Completed: reached(evidenceAt, delivery.EvidenceIntegrated), At: evidenceAt})

	approved := Step{Key: "approved", Label: "Approved", At: l.ApprovedAt, Completed: reached(l.ApprovedAt, delivery.Approved)}
	switch {
	case safetyNetAt != nil:
		approved.Label = SafetyNetLabel
		approved.Detail = "Sent automatically before the contest deadline"
		approved.Completed = true
	case l.ApprovedBy == delivery.SystemActor:
		approved.Label = "Auto-Approved"
	case l.ApprovedBy != "":
		approved.Detail = "Approved by " + l.ApprovedBy
	}
	steps = append(steps, approved)

	mailed := Step{Key: "mailed", Label: "Mailed", At: l.MailedAt, Completed: l.MailedAt != nil}
	if l.TrackingNumber != "" {
		mailed.Detail = "Tracking " + l.TrackingNumber
	}
	steps = append(steps, mailed)
	steps = append(steps, Step{Key: "in_transit", Label: "In Transit", At: l.InTransitAt, Completed: l.InTransitAt != nil || l.DeliveredAt != nil})

	if l.ReturnedAt != nil {
		steps = append(steps, Step{Key: "returned", Label: "Returned to Sender", At: l.ReturnedAt, Completed: true})
	} else {
		last := Step{Key: "delivered", Label: "Delivered", At: l.DeliveredAt, Completed: l.DeliveredAt != nil}
		if last.At == nil && l.ExpectedDelivery != "" {
			last.Detail = "Expected " + l.ExpectedDelivery
		}
		steps = append(steps, last)
	}
	if status == delivery.Failed {
		steps = append(steps, Step{Key: "failed", Label: "Mailing Failed", Completed: true, Detail: l.FailureReason})
	}
	return steps
}
