// Package letter renders contest letters from a template, a ticket and
// the owner's profile. It has no side effects.
package letter

import (
	"fmt"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/store"
	"autopilot/internal/violation"
)

// DefaultName stands in for a missing owner name.
const DefaultName = "Vehicle Owner"

const unknownDate = "the date shown on the citation"

// ErrMissingRequiredField is returned when the ticket number is blank.
var ErrMissingRequiredField = fmt.Errorf("%w: ticket number is required", apperr.ErrValidation)

// Generate returns the full letter text for t.
func Generate(t store.Ticket, p store.Profile, tmpl violation.Template, now time.Time) (string, error) {
	if strings.TrimSpace(t.TicketNumber) == "" {
		return "", ErrMissingRequiredField
	}

	name := p.FullName()
	if name == "" {
		name = DefaultName
	}
	description := strings.TrimSpace(t.ViolationDescription)
	if description == "" {
		description = strings.ReplaceAll(string(violation.Classify(t.ViolationType)), "_", " ")
	}
	location := strings.TrimSpace(t.Location)
	if location == "" {
		location = "the location shown on the citation"
	}

	fields := map[string]string{
		"ticket_number":         strings.TrimSpace(t.TicketNumber),
		"violation_date":        LongDate(t.ViolationDate),
		"violation_description": description,
		"amount":                Currency(t.Amount),
		"plate":                 t.Plate,
		"state":                 t.State,
		"location":              location,
		"name":                  name,
		"address":               addressLine(p),
		"city_state_zip":        cityStateZip(p),
		"date":                  now.Format("January 2, 2006"),
	}

	var b strings.Builder
	b.WriteString(fields["date"])
	b.WriteString("\n\n")
	for _, line := range []string{name, fields["address"], fields["city_state_zip"]} {
		if line != "" {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	if tmpl.Subject != "" {
		b.WriteString("RE: ")
		b.WriteString(fill(tmpl.Subject, fields))
		b.WriteString("\n\n")
	}
	b.WriteString("To Whom It May Concern:\n\n")
	b.WriteString(strings.TrimSpace(fill(tmpl.Body, fields)))
	b.WriteString("\n\nThank you for your consideration.\n\nSincerely,\n\n")
	b.WriteString(name)
	b.WriteString("\n")
	return b.String(), nil
}

func fill(text string, fields map[string]string) string {
	pairs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// LongDate formats an ISO date as "January 10, 2026". Unparseable or
// empty input yields a neutral phrase.
func LongDate(iso string) string {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(iso))
	if err != nil {
		return unknownDate
	}
	return d.Format("January 2, 2006")
}

// Currency formats an amount as $X.XX.
func Currency(amount float64) string {
	return fmt.Sprintf("$%.2f", amount)
}

func addressLine(p store.Profile) string {
	parts := []string{}
	for _, s := range []string{p.AddressLine1, p.AddressLine2} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func cityStateZip(p store.Profile) string {
	city := strings.TrimSpace(p.City)
	stateZip := strings.TrimSpace(strings.TrimSpace(p.State) + " " + strings.TrimSpace(p.Zip))
	switch {
	case city != "" && stateZip != "":
		return city + ", " + stateZip
	case city != "":
		return city
	default:
		return stateZip
	}
}
