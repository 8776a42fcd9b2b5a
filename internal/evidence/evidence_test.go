package evidence

import (
	"encoding/json"
	"strings"
	"testing"

	"autopilot/internal/store"
	"autopilot/internal/violation"
)

func entry(action string, details any) store.AuditEntry {
	raw, _ := json.Marshal(details)
	return store.AuditEntry{Action: action, Details: raw}
}

func byKey(sources []Source) map[Key]Source {
	out := make(map[Key]Source, len(sources))
	for _, s := range sources {
		out[s.Key] = s
	}
	return out
}

func TestStructuredFlagBeatsKeywords(t *testing.T) {
	facts := Fold([]store.AuditEntry{
		entry(ActionGathered, map[string]any{
			"weather": map[string]any{"checked": true, "defenseRelevant": false, "summary": "0.0 in precipitation"},
			"foia":    map[string]any{"checked": true, "defenseRelevant": true, "summary": "62% dismissed"},
		}),
	})
	letter := "Heavy snow made the signs unreadable."
	got := byKey(Aggregate(facts, letter, violation.StreetCleaning, ""))

	if got[Weather].Status != CheckedNotUsed {
		t.Fatalf("weather = %+v; structured false must win over keyword", got[Weather])
	}
	if got[FOIA].Status != Used || !strings.Contains(got[FOIA].Reason, "62% dismissed") {
		t.Fatalf("foia = %+v", got[FOIA])
	}
}

func TestKeywordFallback(t *testing.T) {
	letter := "My GPS location history shows the vehicle was moved before the posted schedule took effect."
	got := byKey(Aggregate(Fold(nil), letter, violation.StreetCleaning, ""))
	if got[GPSParking].Status != Used {
		t.Fatalf("gps = %+v", got[GPSParking])
	}
	if got[StreetCleaning].Status != Used {
		t.Fatalf("street cleaning = %+v", got[StreetCleaning])
	}
	if got[FOIA].Status != NotChecked {
		t.Fatalf("foia = %+v", got[FOIA])
	}
}

func TestNotApplicable(t *testing.T) {
	got := byKey(Aggregate(Fold(nil), "Dear officer", violation.RedLight, ""))
	for _, k := range []Key{StreetCleaning, Weather, StreetView, GPSParking} {
		if got[k].Status != NotApplicable {
			t.Fatalf("%s = %+v; want not applicable for red light", k, got[k])
		}
	}
	if got[UserEvidence].Status != NotChecked {
		t.Fatalf("user evidence = %+v", got[UserEvidence])
	}
}

func TestUserEvidenceAndExhibits(t *testing.T) {
	facts := Fold([]store.AuditEntry{
		entry(ActionUserSubmitted, map[string]any{"files": []string{"receipt.pdf", "photo.jpg"}}),
		entry(ActionExhibitAdded, map[string]any{"letter_id": "l1", "url": "https://example.com/x.jpg"}),
		{Action: ActionGathered, Details: json.RawMessage(`not json`)},
		entry("letter_mailed", map[string]any{"lob_letter_id": "ltr_1"}),
	})
	if facts.Skipped != 1 {
		t.Fatalf("skipped = %d", facts.Skipped)
	}
	got := byKey(Aggregate(facts, "Please consider my statement.", violation.ExpiredMeter, ""))
	if got[UserEvidence].Status != CheckedNotUsed || !strings.Contains(got[UserEvidence].Reason, "2 file(s)") {
		t.Fatalf("user evidence = %+v", got[UserEvidence])
	}
	if got[StreetView].Status != Used || !strings.Contains(string(got[StreetView].Data), "x.jpg") {
		t.Fatalf("street view = %+v", got[StreetView])
	}

	withRef := byKey(Aggregate(facts, "I have enclosed the meter receipt.", violation.ExpiredMeter, ""))
	if withRef[UserEvidence].Status != Used {
		t.Fatalf("user evidence with reference = %+v", withRef[UserEvidence])
	}
}

func TestLaterFindingReplacesEarlier(t *testing.T) {
	facts := Fold([]store.AuditEntry{
		entry(ActionGathered, map[string]any{"weather": map[string]any{"checked": true, "defenseRelevant": false}}),
		entry(ActionGathered, map[string]any{"weather": map[string]any{"checked": true, "defenseRelevant": true}}),
	})
	if got := byKey(Aggregate(facts, "", violation.SnowRoute, "")); got[Weather].Status != Used {
		t.Fatalf("weather = %+v", got[Weather])
	}
}

func TestAggregateCoversEverySource(t *testing.T) {
	for _, vt := range violation.Known {
		got := Aggregate(Fold(nil), "", vt, "")
		if len(got) != len(Keys) {
			t.Fatalf("%s: %d sources", vt, len(got))
		}
		for i, s := range got {
			if s.Key != Keys[i] || s.Label == "" || s.Status == "" || s.Reason == "" {
				t.Fatalf("%s: incomplete source %+v", vt, s)
			}
		}
	}
}

// Coincidental prose matches are a known limitation of the keyword
// fallback: "attached" here refers to a garage, not evidence.
func TestKeywordFalsePositiveIsVisible(t *testing.T) {
	got := byKey(Aggregate(Fold(nil), "My car was parked in the attached garage.", violation.ExpiredMeter, ""))
	if got[UserEvidence].Status != Used {
		t.Fatalf("expected the heuristic to tag user evidence, got %+v", got[UserEvidence])
	}
}
