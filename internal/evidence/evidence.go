// Package evidence reconstructs, for display, which evidence sources were
// checked for a ticket and whether each made it into the mailed letter.
//
// Structured audit details are authoritative. When a source has no
// structured verdict the letter text is matched against KeywordRules.
// Letter prose can match a rule by coincidence, so a source may be
// shown as used when it was not; the result is an explanation, not a
// record.
package evidence

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"autopilot/internal/store"
	"autopilot/internal/violation"
)

// Key names an evidence source.
type Key string

const (
	Weather        Key = "weather"
	FOIA           Key = "foia"
	StreetView     Key = "street_view"
	GPSParking     Key = "gps_parking"
	UserEvidence   Key = "user_evidence"
	StreetCleaning Key = "street_cleaning"
)

// Keys is the display order.
var Keys = []Key{Weather, FOIA, StreetView, GPSParking, UserEvidence, StreetCleaning}

var labels = map[Key]string{
	Weather:        "Weather Records",
	FOIA:           "FOIA Hearing Data",
	StreetView:     "Street View Imagery",
	GPSParking:     "GPS Parking History",
	UserEvidence:   "Your Submitted Evidence",
	StreetCleaning: "Street Cleaning Schedule",
}

// Status of a source for one ticket.
type Status string

const (
	Used           Status = "used"
	CheckedNotUsed Status = "checked_not_used"
	NotApplicable  Status = "not_applicable"
	NotChecked     Status = "not_checked"
)

// Audit actions whose details feed Fold.
const (
	ActionGathered      = "automated_evidence_gathered"
	ActionUserSubmitted = "user_evidence_submitted"
	ActionExhibitAdded  = "street_view_exhibit_added"
)

// Source is one row of the evidence view.
type Source struct {
	Key    Key             `json:"key"`
	Label  string          `json:"label"`
	Status Status          `json:"status"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Finding is what an automated check reported for one source.
// DefenseRelevant is nil when the check gave no verdict.
type Finding struct {
	Checked         bool            `json:"checked"`
	DefenseRelevant *bool           `json:"defenseRelevant,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Gathered is the detail schema of automated_evidence_gathered.
type Gathered map[Key]Finding

// Submission is the detail schema of user_evidence_submitted.
type Submission struct {
	Text  string   `json:"text,omitempty"`
	Files []string `json:"files,omitempty"`
}

// Exhibit is the detail schema of street_view_exhibit_added.
type Exhibit struct {
	LetterID string `json:"letter_id"`
	URL      string `json:"url"`
}

// Facts is the typed result of replaying a ticket's audit trail.
type Facts struct {
	Findings    map[Key]Finding
	Submissions []Submission
	Exhibits    []Exhibit
	// Skipped counts entries whose details did not decode.
	Skipped int
}

// Fold replays audit entries oldest first. A later finding for a source
// replaces an earlier one.
func Fold(entries []store.AuditEntry) Facts {
	f := Facts{Findings: make(map[Key]Finding)}
	for _, e := range entries {
		switch e.Action {
		case ActionGathered:
			var g Gathered
			if err := json.Unmarshal(e.Details, &g); err != nil {
				f.Skipped++
				continue
			}
			for k, v := range g {
				f.Findings[k] = v
			}
		case ActionUserSubmitted:
			var s Submission
			if err := json.Unmarshal(e.Details, &s); err != nil {
				f.Skipped++
				continue
			}
			f.Submissions = append(f.Submissions, s)
		case ActionExhibitAdded:
			var x Exhibit
			if err := json.Unmarshal(e.Details, &x); err != nil || x.URL == "" {
				f.Skipped++
				continue
			}
			f.Exhibits = append(f.Exhibits, x)
		}
	}
	return f
}

// KeywordRule tags a source as used when Pattern matches the letter.
type KeywordRule struct {
	Source  Key
	Pattern *regexp.Regexp
	Reason  string
}

// KeywordRulesVersion changes whenever KeywordRules changes meaning.
const KeywordRulesVersion = "2025.1"

// KeywordRules is evaluated in order; the first match per source wins.
var KeywordRules = []KeywordRule{
	{Weather, regexp.MustCompile(`(?i)\b(weather|snow(fall|storm)?|rain(fall)?|precipitation|inches of|freezing)\b`), "Letter cites weather conditions"},
	{FOIA, regexp.MustCompile(`(?i)\b(foia|freedom of information|hearing (records|data|outcomes)|dismissal rate)\b`), "Letter cites hearing records"},
	{StreetView, regexp.MustCompile(`(?i)\b(street view|google maps imagery|signage (was|is) (missing|obscured|unclear)|sign(s)? (was|were) (missing|obscured|not visible))\b`), "Letter cites signage imagery"},
	{GPSParking, regexp.MustCompile(`(?i)\b(gps|location history|parking history|departure (time|record)|vehicle (was|had been) moved)\b`), "Letter cites GPS parking history"},
	{UserEvidence, regexp.MustCompile(`(?i)\b(enclosed|attached|receipt|photograph(s)?|photos?)\b`), "Letter references enclosed evidence"},
	{StreetCleaning, regexp.MustCompile(`(?i)\b(cleaning schedule|sweep(ing)? schedule|posted schedule|street (was|had been) (swept|cleaned)|sweeper did not)\b`), "Letter cites the street cleaning schedule"},
}

// applicable lists the violation classes each source can speak to.
// Sources missing here apply to every class.
var applicable = map[Key][]violation.Type{
	StreetCleaning: {violation.StreetCleaning},
	Weather:        {violation.StreetCleaning, violation.SnowRoute},
	StreetView: {
		violation.StreetCleaning, violation.SnowRoute, violation.ResidentialPermit, violation.RushHour,
		violation.FireHydrant, violation.DisabledZone, violation.ExpiredMeter, violation.OtherUnknown,
	},
	GPSParking: {
		violation.StreetCleaning, violation.SnowRoute, violation.ResidentialPermit, violation.RushHour,
		violation.FireHydrant, violation.DisabledZone, violation.ExpiredMeter, violation.OtherUnknown,
	},
}

// Applies reports whether source k can support a contest of class vt.
func Applies(k Key, vt violation.Type) bool {
	types, ok := applicable[k]
	if !ok {
		return true
	}
	for _, t := range types {
		if t == vt {
			return true
		}
	}
	return false
}

// Aggregate computes the status of every source, in Keys order.
// userEvidence is the ticket's opaque evidence blob.
func Aggregate(f Facts, letterText string, vt violation.Type, userEvidence string) []Source {
	out := make([]Source, 0, len(Keys))
	for _, k := range Keys {
		out = append(out, classify(k, f, letterText, vt, userEvidence))
	}
	return out
}

func classify(k Key, f Facts, letterText string, vt violation.Type, userEvidence string) Source {
	src := Source{Key: k, Label: labels[k]}
	finding, found := f.Findings[k]
	src.Data = finding.Data

	switch k {
	case StreetView:
		if len(f.Exhibits) > 0 {
			src.Status = Used
			src.Reason = fmt.Sprintf("%d street view exhibit(s) attached to the letter", len(f.Exhibits))
			src.Data = exhibitData(f.Exhibits)
			return src
		}
	case UserEvidence:
		if !found && (len(f.Submissions) > 0 || strings.TrimSpace(userEvidence) != "") {
			finding, found = Finding{Checked: true, Summary: submissionSummary(f.Submissions, userEvidence)}, true
		}
	}

	if found && finding.DefenseRelevant != nil {
		if *finding.DefenseRelevant {
			src.Status = Used
			src.Reason = withSummary("Marked defense-relevant when gathered", finding.Summary)
		} else {
			src.Status = CheckedNotUsed
			src.Reason = withSummary("Checked and found not relevant", finding.Summary)
		}
		return src
	}
	if found || Applies(k, vt) {
		for _, r := range KeywordRules {
			if r.Source == k && r.Pattern.MatchString(letterText) {
				src.Status = Used
				src.Reason = r.Reason
				return src
			}
		}
	}
	switch {
	case found && finding.Checked:
		src.Status = CheckedNotUsed
		src.Reason = withSummary("Checked; not referenced in the letter", finding.Summary)
	case !Applies(k, vt):
		src.Status = NotApplicable
		src.Reason = fmt.Sprintf("Does not apply to %s tickets", strings.ReplaceAll(string(vt), "_", " "))
	case k == UserEvidence:
		src.Status = NotChecked
		src.Reason = "No evidence submitted"
	default:
		src.Status = NotChecked
		src.Reason = "No record of this source being checked"
	}
	return src
}

func withSummary(reason, summary string) string {
	if summary = strings.TrimSpace(summary); summary == "" {
		return reason
	}
	return reason + ": " + summary
}

func submissionSummary(subs []Submission, blob string) string {
	files := 0
	for _, s := range subs {
		files += len(s.Files)
	}
	switch {
	case files > 0:
		return fmt.Sprintf("%d file(s) submitted", files)
	case len(subs) > 0 || strings.TrimSpace(blob) != "":
		return "written statement submitted"
	}
	return ""
}

func exhibitData(xs []Exhibit) json.RawMessage {
	urls := make([]string, 0, len(xs))
	for _, x := range xs {
		urls = append(urls, x.URL)
	}
	raw, _ := json.Marshal(map[string][]string{"urls": urls})
	return raw
}
