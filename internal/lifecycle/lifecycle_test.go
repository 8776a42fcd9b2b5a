package lifecycle

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"autopilot/internal/delivery"
	"autopilot/internal/store"
)

func TestComputeStagePrecedence(t *testing.T) {
	now := time.Now()
	found := store.Ticket{Status: store.TicketFound}
	held := store.Ticket{Status: store.TicketNeedsApproval}
	cases := []struct {
		name   string
		ticket store.Ticket
		letter *store.Letter
		out    *store.Outcome
		want   Stage
	}{
		{"bare ticket", found, nil, nil, Detected},
		{"held ticket", held, nil, nil, EvidenceGathering},
		{"pending evidence", store.Ticket{Status: store.TicketPendingEvidence}, nil, nil, EvidenceGathering},
		{"letter text", held, &store.Letter{Status: "pending_approval", Content: "x"}, nil, LetterReady},
		{"empty letter", held, &store.Letter{Status: "pending_approval"}, nil, EvidenceGathering},
		{"mailed", found, &store.Letter{Status: "mailed", Content: "x"}, nil, Mailed},
		{"in transit", found, &store.Letter{Status: "in_transit", Content: "x"}, nil, Mailed},
		{"returned", found, &store.Letter{Status: "returned", Content: "x"}, nil, Mailed},
		{"delivered", found, &store.Letter{Status: "delivered", Content: "x", DeliveredAt: &now}, nil, Delivered},
		{"outcome beats delivery", found, &store.Letter{Status: "delivered"}, &store.Outcome{Outcome: "dismissed"}, Outcome},
		{"outcome without letter", found, nil, &store.Outcome{Outcome: "upheld"}, Outcome},
	}
	for _, tc := range cases {
		if got := ComputeStage(tc.ticket, tc.letter, tc.out); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputeStageIsTotal(t *testing.T) {
	statuses := []string{"", "pending_approval", "evidence_integrated", "approved", "mailed", "in_transit", "delivered", "returned", "failed", "bogus"}
	ticketStatuses := []string{store.TicketFound, store.TicketPendingEvidence, store.TicketNeedsApproval, store.TicketMailed, "dismissed"}
	valid := make(map[Stage]bool)
	for _, s := range Stages {
		valid[s] = true
	}
	for _, ts := range ticketStatuses {
		for _, ls := range statuses {
			for _, content := range []string{"", "body"} {
				for _, o := range []*store.Outcome{nil, {Outcome: "reduced"}} {
					l := &store.Letter{Status: ls, Content: content}
					if ls == "" {
						l = nil
					}
					if got := ComputeStage(store.Ticket{Status: ts}, l, o); !valid[got] {
						t.Fatalf("invalid stage %q", got)
					}
				}
			}
		}
	}
}

func TestStepsLabelSafetyNet(t *testing.T) {
	at := time.Date(2026, 1, 29, 8, 0, 0, 0, time.UTC)
	l := &store.Letter{Status: "mailed", ApprovedBy: delivery.SystemActor, ApprovedAt: &at, MailedAt: &at, TrackingNumber: "9400", CreatedAt: at.Add(-72 * time.Hour)}
	audit := []store.AuditEntry{{Action: "letter_generated"}, {Action: delivery.ActionSafetyNet, CreatedAt: at}}
	steps := Steps(l, audit)
	if len(steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(steps))
	}
	if steps[2].Label != SafetyNetLabel || !steps[2].Completed {
		t.Fatalf("approval step = %+v", steps[2])
	}
	if !steps[3].Completed || steps[3].Detail != "Tracking 9400" {
		t.Fatalf("mailed step = %+v", steps[3])
	}
	if steps[4].Completed || steps[5].Completed {
		t.Fatalf("transit/delivery should be open: %+v", steps[4:])
	}
}

func TestStepsReturnedAndFailed(t *testing.T) {
	at := time.Now().UTC()
	returned := Steps(&store.Letter{Status: "returned", MailedAt: &at, ReturnedAt: &at, ApprovedBy: "ops"}, nil)
	if last := returned[len(returned)-1]; last.Key != "returned" || !last.Completed {
		t.Fatalf("last step = %+v", last)
	}
	if returned[2].Detail != "Approved by ops" {
		t.Fatalf("approval detail = %q", returned[2].Detail)
	}
	failed := Steps(&store.Letter{Status: "failed", FailureReason: "timeout"}, nil)
	if last := failed[len(failed)-1]; last.Key != "failed" || last.Detail != "timeout" {
		t.Fatalf("last step = %+v", last)
	}
	if Steps(nil, nil) != nil {
		t.Fatal("no letter should mean no steps")
	}
}

func TestDashboardJoinsAndFilters(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "dash.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.UpsertProfile(ctx, store.Profile{UserID: "u1", FirstName: "Jordan", LastName: "Reyes", Email: "jordan@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertProfile(ctx, store.Profile{UserID: "u2", FirstName: "Alex", LastName: "Kim"}); err != nil {
		t.Fatal(err)
	}
	mk := func(user, number, status, vt string) store.Ticket {
		tk := store.Ticket{UserID: user, Plate: "P" + number, State: "IL", TicketNumber: number, ViolationType: vt, ViolationDate: "2026-01-10", Amount: 60, Status: status}
		if err := st.InsertTicket(ctx, &tk); err != nil {
			t.Fatal(err)
		}
		return tk
	}
	t1 := mk("u1", "T1", store.TicketMailed, "street_cleaning")
	t2 := mk("u1", "T2", store.TicketNeedsApproval, "expired_meter")
	t3 := mk("u2", "T3", store.TicketFound, "red_light")

	now := time.Now().UTC()
	l1 := store.Letter{TicketID: t1.ID, UserID: "u1", Content: "Heavy snow covered the signs.", Status: "delivered"}
	if err := st.InsertLetter(ctx, &l1); err != nil {
		t.Fatal(err)
	}
	l1.MailedAt, l1.DeliveredAt = &now, &now
	if err := st.SaveLetter(ctx, &l1); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertLetter(ctx, &store.Letter{TicketID: t2.ID, UserID: "u1", Content: "Dear officer", Status: "pending_approval"}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertOutcome(ctx, &store.Outcome{TicketID: t3.ID, Outcome: "dismissed", OriginalAmount: 100, FinalAmount: 0, AmountSaved: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AppendAudit(ctx, t1.ID, "u1", "automated_evidence_gathered", "autopilot", map[string]any{
		"weather": map[string]any{"checked": true, "defenseRelevant": true, "summary": "3 in snowfall"},
	}); err != nil {
		t.Fatal(err)
	}

	svc := NewService(st, 21)
	all, err := svc.Dashboard(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Users) != 2 || all.Users[0].Name != "Alex Kim" {
		t.Fatalf("unexpected users %+v", all.Users)
	}
	s := all.Summary
	if s.Tickets != 3 || s.ByStage[Delivered] != 1 || s.ByStage[LetterReady] != 1 || s.ByStage[Outcome] != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Delivered != 1 || s.Mailed != 1 || s.NeedsApproval != 1 || s.Outcomes["dismissed"] != 1 || s.TotalSaved != 100 {
		t.Fatalf("unexpected summary counts %+v", s)
	}

	var jordan UserView
	for _, u := range all.Users {
		if u.UserID == "u1" {
			jordan = u
		}
	}
	for _, v := range jordan.Tickets {
		if v.TicketNumber == "T1" && v.Evidence[0].Status != "used" {
			t.Fatalf("weather evidence = %+v", v.Evidence[0])
		}
	}

	byStage, _ := svc.Dashboard(ctx, Filter{Stage: "letter_ready"})
	if byStage.Summary.Tickets != 1 || byStage.Users[0].Tickets[0].TicketNumber != "T2" {
		t.Fatalf("stage filter: %+v", byStage.Summary)
	}
	bySearch, _ := svc.Dashboard(ctx, Filter{Search: "JORDAN@"})
	if bySearch.Summary.Tickets != 2 || len(bySearch.Users) != 1 {
		t.Fatalf("search filter: %+v", bySearch.Summary)
	}
	byStatus, _ := svc.Dashboard(ctx, Filter{Status: "delivered"})
	if byStatus.Summary.Tickets != 1 {
		t.Fatalf("status filter: %+v", byStatus.Summary)
	}

	raw, err := json.Marshal(all)
	if err != nil {
		t.Fatal(err)
	}
	var shape map[string]json.RawMessage
	_ = json.Unmarshal(raw, &shape)
	if _, ok := shape["users"]; !ok {
		t.Fatalf("missing users key: %s", raw)
	}
	if _, ok := shape["summary"]; !ok {
		t.Fatalf("missing summary key: %s", raw)
	}
}
