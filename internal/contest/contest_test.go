package contest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"path/filepath"
	"strings"
	"testing"

	"autopilot/internal/apperr"
	"autopilot/internal/config"
	"autopilot/internal/delivery"
	"autopilot/internal/evidence"
	"autopilot/internal/store"
)

type memArchive struct {
	keys []string
}

func (m *memArchive) Put(_ context.Context, key, _ string, _ []byte) (string, error) {
	m.keys = append(m.keys, key)
	return "https://exhibits.example/" + key, nil
}

func seed(t *testing.T) (*store.Store, store.Ticket, store.Letter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "contest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	tk := store.Ticket{UserID: "u1", Plate: "ABC123", State: "IL", TicketNumber: "T1", ViolationType: "street_cleaning", Amount: 60, Status: store.TicketNeedsApproval}
	if err := st.InsertTicket(ctx, &tk); err != nil {
		t.Fatal(err)
	}
	l := store.Letter{TicketID: tk.ID, UserID: "u1", Content: "draft", Status: string(delivery.PendingApproval)}
	if err := st.InsertLetter(ctx, &l); err != nil {
		t.Fatal(err)
	}
	return st, tk, l
}

func TestRecordEvidenceIntegratesLetter(t *testing.T) {
	st, tk, _ := seed(t)
	svc := NewService(config.Config{}, st, nil)
	ctx := context.Background()
	yes := true

	got, err := svc.RecordEvidence(ctx, tk.ID, EvidenceInput{
		Findings:      evidence.Gathered{evidence.Weather: {Checked: true, DefenseRelevant: &yes, Summary: "snow"}},
		Submission:    &evidence.Submission{Text: "sign was covered"},
		LetterContent: "revised letter citing snowfall",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != string(delivery.EvidenceIntegrated) || got.Content != "revised letter citing snowfall" {
		t.Fatalf("unexpected letter %+v", got)
	}
	entries, _ := st.AuditForTicket(ctx, tk.ID)
	facts := evidence.Fold(entries)
	if f := facts.Findings[evidence.Weather]; !f.Checked || f.DefenseRelevant == nil || !*f.DefenseRelevant {
		t.Fatalf("weather finding not recorded: %+v", facts.Findings)
	}
	if len(facts.Submissions) != 1 {
		t.Fatalf("submission not recorded: %+v", facts)
	}
	ticket, _ := st.Ticket(ctx, tk.ID)
	if ticket.UserEvidence != "sign was covered" {
		t.Fatalf("user evidence = %q", ticket.UserEvidence)
	}

	// A second report keeps the state and may still edit the draft.
	again, err := svc.RecordEvidence(ctx, tk.ID, EvidenceInput{Findings: evidence.Gathered{evidence.FOIA: {Checked: true}}})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != string(delivery.EvidenceIntegrated) {
		t.Fatalf("status = %s", again.Status)
	}
}

func TestRecordEvidenceDoesNotRewriteApprovedLetter(t *testing.T) {
	st, tk, l := seed(t)
	ctx := context.Background()
	if _, err := delivery.Apply(&l, delivery.Event{Kind: delivery.KindApprove, Actor: "ops"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveLetter(ctx, &l); err != nil {
		t.Fatal(err)
	}
	svc := NewService(config.Config{}, st, nil)
	got, err := svc.RecordEvidence(ctx, tk.ID, EvidenceInput{Findings: evidence.Gathered{evidence.StreetView: {Checked: true}}, LetterContent: "too late"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != string(delivery.Approved) || got.Content != "draft" {
		t.Fatalf("approved letter changed: %+v", got)
	}
}

func TestRecordEvidenceValidation(t *testing.T) {
	st, tk, _ := seed(t)
	svc := NewService(config.Config{}, st, nil)
	ctx := context.Background()
	if _, err := svc.RecordEvidence(ctx, tk.ID, EvidenceInput{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.RecordEvidence(ctx, tk.ID, EvidenceInput{Findings: evidence.Gathered{"horoscope": {Checked: true}}}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected unknown source rejected, got %v", err)
	}
	if _, err := svc.RecordEvidence(ctx, "missing", EvidenceInput{Submission: &evidence.Submission{Text: "x"}}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	cases := []struct {
		in        OutcomeInput
		wantFinal float64
		wantSaved float64
	}{
		{OutcomeInput{Outcome: "dismissed"}, 0, 60},
		{OutcomeInput{Outcome: "Upheld"}, 60, 0},
		{OutcomeInput{Outcome: "reduced", FinalAmount: ptr(25)}, 25, 35},
	}
	for _, tc := range cases {
		st, tk, _ := seed(t)
		svc := NewService(config.Config{}, st, nil)
		o, err := svc.RecordOutcome(context.Background(), tk.ID, tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in.Outcome, err)
		}
		if o.FinalAmount != tc.wantFinal || o.AmountSaved != tc.wantSaved || o.OriginalAmount != 60 {
			t.Fatalf("%s: unexpected outcome %+v", tc.in.Outcome, o)
		}
		ticket, _ := st.Ticket(context.Background(), tk.ID)
		if ticket.Status != o.Outcome {
			t.Fatalf("ticket status = %s, want %s", ticket.Status, o.Outcome)
		}
	}
}

func TestRecordOutcomeRejectsBadInputAndDuplicates(t *testing.T) {
	st, tk, _ := seed(t)
	svc := NewService(config.Config{}, st, nil)
	ctx := context.Background()
	for _, in := range []OutcomeInput{{Outcome: "won"}, {Outcome: "reduced"}, {Outcome: "reduced", FinalAmount: ptr(80)}} {
		if _, err := svc.RecordOutcome(ctx, tk.ID, in); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}
	if _, err := svc.RecordOutcome(ctx, tk.ID, OutcomeInput{Outcome: "dismissed"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordOutcome(ctx, tk.ID, OutcomeInput{Outcome: "upheld"}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestAddExhibit(t *testing.T) {
	st, tk, l := seed(t)
	arch := &memArchive{}
	svc := NewService(config.Config{ExhibitMaxWidth: 100}, st, arch)
	ctx := context.Background()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 300, 150))); err != nil {
		t.Fatal(err)
	}
	url, err := svc.AddExhibit(ctx, l.ID, &buf, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(arch.keys) != 1 || !strings.HasSuffix(url, arch.keys[0]) {
		t.Fatalf("unexpected archive writes %v url=%s", arch.keys, url)
	}
	got, _ := st.Letter(ctx, l.ID)
	if len(got.ExhibitURLs) != 1 || got.ExhibitURLs[0] != url {
		t.Fatalf("exhibit not attached: %+v", got.ExhibitURLs)
	}
	entries, _ := st.AuditForTicket(ctx, tk.ID)
	if ex := evidence.Fold(entries).Exhibits; len(ex) != 1 || ex[0].URL != url {
		t.Fatalf("exhibit audit missing: %+v", ex)
	}

	if _, err := svc.AddExhibit(ctx, l.ID, strings.NewReader("not an image"), "ops"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddExhibitWithoutArchive(t *testing.T) {
	st, _, l := seed(t)
	svc := NewService(config.Config{}, st, nil)
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10)))
	if _, err := svc.AddExhibit(context.Background(), l.ID, &buf, ""); !errors.Is(err, ErrNoArchive) {
		t.Fatalf("expected ErrNoArchive, got %v", err)
	}
}

func ptr(f float64) *float64 { return &f }
