package automail

import (
	"testing"
	"time"

	"autopilot/internal/store"
	"autopilot/internal/violation"
)

func TestDecideRuleOrder(t *testing.T) {
	open := store.Settings{AutoMailEnabled: true, AllowedTicketTypes: []string{"street_cleaning", "other_unknown"}}
	cases := []struct {
		name     string
		vt       violation.Type
		settings store.Settings
		kill     bool
		want     Decision
	}{
		{"kill switch wins over everything", violation.StreetCleaning, open, true, Decision{Reason: ReasonMailingDisabled}},
		{"auto mail off", violation.StreetCleaning, store.Settings{AllowedTicketTypes: open.AllowedTicketTypes}, false, Decision{Reason: ReasonAutoMailOff}},
		{"approval required", violation.StreetCleaning, store.Settings{AutoMailEnabled: true, RequireApproval: true, AllowedTicketTypes: open.AllowedTicketTypes}, false, Decision{Reason: ReasonRequireApproval}},
		{"unknown held", violation.OtherUnknown, store.Settings{AutoMailEnabled: true, NeverAutoMailUnknown: true, AllowedTicketTypes: open.AllowedTicketTypes}, false, Decision{Reason: ReasonUnknownType}},
		{"unknown allowed when policy off", violation.OtherUnknown, open, false, Decision{ShouldAutoMail: true}},
		{"type not allowed", violation.ExpiredMeter, open, false, Decision{Reason: ReasonTypeNotAllowed}},
		{"mail", violation.StreetCleaning, open, false, Decision{ShouldAutoMail: true}},
	}
	for _, tc := range cases {
		if got := Decide(tc.vt, tc.settings, tc.kill); got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestKillSwitchAlwaysHolds(t *testing.T) {
	for _, auto := range []bool{true, false} {
		for _, approval := range []bool{true, false} {
			for _, unknown := range []bool{true, false} {
				for _, vt := range violation.Known {
					s := store.Settings{AutoMailEnabled: auto, RequireApproval: approval, NeverAutoMailUnknown: unknown, AllowedTicketTypes: []string{string(vt)}}
					if Decide(vt, s, true).ShouldAutoMail {
						t.Fatalf("kill switch ignored for %s %+v", vt, s)
					}
				}
			}
		}
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("u1")
	if !Decide(violation.StreetCleaning, s, false).ShouldAutoMail {
		t.Fatal("defaults should auto-mail street cleaning")
	}
	if Decide(violation.OtherUnknown, s, false).ShouldAutoMail {
		t.Fatal("defaults should hold unknown types")
	}
}

func TestContestDeadline(t *testing.T) {
	deadline := ContestDeadline("2026-01-10", time.Time{}, 21)
	loc, _ := time.LoadLocation("America/Chicago")
	want := time.Date(2026, time.January, 31, 23, 59, 59, 0, loc)
	if !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
	found := time.Date(2026, time.March, 1, 18, 0, 0, 0, time.UTC)
	fallback := ContestDeadline("", found, 21)
	if fallback.In(loc).Day() != 22 || fallback.In(loc).Month() != time.March {
		t.Fatalf("fallback deadline = %v", fallback.In(loc))
	}
}

func TestSafetyNetDue(t *testing.T) {
	deadline := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	lead := 48 * time.Hour
	cases := []struct {
		now  time.Time
		want bool
	}{
		{deadline.Add(-49 * time.Hour), false},
		{deadline.Add(-48 * time.Hour), true},
		{deadline.Add(-time.Hour), true},
		{deadline, false},
		{deadline.Add(time.Hour), false},
	}
	for _, tc := range cases {
		if got := SafetyNetDue(deadline, tc.now, lead); got != tc.want {
			t.Fatalf("SafetyNetDue(now=%v) = %t, want %t", tc.now, got, tc.want)
		}
	}
}
