// Package automail decides whether a generated letter is mailed without
// human review, and when the deadline safety net overrides a hold.
package automail

import (
	"strings"
	"time"
	_ "time/tzdata"

	"autopilot/internal/store"
	"autopilot/internal/violation"
)

// Hold reasons, stored as the ticket's skip_reason.
const (
	ReasonMailingDisabled = "Mailing disabled globally"
	ReasonAutoMailOff     = "Auto-mail disabled"
	ReasonRequireApproval = "Approval required"
	ReasonUnknownType     = "Unknown violation type"
	ReasonTypeNotAllowed  = "Ticket type not enabled for auto-mail"
	ReasonMailingFailed   = "Mailing failed"
)

// Decision is the engine's verdict for one letter.
type Decision struct {
	ShouldAutoMail bool   `json:"shouldAutoMail"`
	Reason         string `json:"reason,omitempty"`
}

// DefaultSettings applies when a user has no stored settings: auto-mail
// every known type except other_unknown.
func DefaultSettings(userID string) store.Settings {
	allowed := make([]string, 0, len(violation.Known))
	for _, t := range violation.Known {
		if t != violation.OtherUnknown {
			allowed = append(allowed, string(t))
		}
	}
	return store.Settings{
		UserID:               userID,
		AutoMailEnabled:      true,
		RequireApproval:      false,
		AllowedTicketTypes:   allowed,
		NeverAutoMailUnknown: true,
	}
}

// Decide evaluates the hold rules in order; the first one that fires
// holds the letter, otherwise it is auto-mailed.
func Decide(vt violation.Type, s store.Settings, mailingDisabled bool) Decision {
	switch {
	case mailingDisabled:
		return Decision{Reason: ReasonMailingDisabled}
	case !s.AutoMailEnabled:
		return Decision{Reason: ReasonAutoMailOff}
	case s.RequireApproval:
		return Decision{Reason: ReasonRequireApproval}
	case vt == violation.OtherUnknown && s.NeverAutoMailUnknown:
		return Decision{Reason: ReasonUnknownType}
	case !allowed(s.AllowedTicketTypes, vt):
		return Decision{Reason: ReasonTypeNotAllowed}
	}
	return Decision{ShouldAutoMail: true}
}

func allowed(types []string, vt violation.Type) bool {
	for _, t := range types {
		if strings.EqualFold(strings.TrimSpace(t), string(vt)) {
			return true
		}
	}
	return false
}

// ContestDeadline is the last moment a contest for the ticket can be
// filed: windowDays after the violation date, or after the day the
// ticket was found when the violation date is unknown. The deadline is
// the end of that day in Chicago time.
func ContestDeadline(violationDate string, foundAt time.Time, windowDays int) time.Time {
	loc := Chicago()
	start := foundAt.In(loc)
	if d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(violationDate), loc); err == nil {
		start = d
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, windowDays+1).Add(-time.Second).UTC()
}

// SafetyNetDue reports whether now falls inside [deadline-lead, deadline).
func SafetyNetDue(deadline, now time.Time, lead time.Duration) bool {
	return !now.Before(deadline.Add(-lead)) && now.Before(deadline)
}

// Chicago is the zone contest deadlines are computed in.
func Chicago() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.FixedZone("CST", -6*60*60)
	}
	return loc
}
