package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"autopilot/internal/apperr"
)

// Amount accepts a JSON number or a string such as "$1,250.00".
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*a = Amount(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}

// ParseAmount strips currency symbols and separators. Empty is zero.
func ParseAmount(s string) (float64, error) {
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", apperr.ErrValidation, s)
	}
	return v, nil
}

// Row is one scraped or uploaded ticket.
type Row struct {
	Plate                string `json:"plate"`
	State                string `json:"state"`
	TicketNumber         string `json:"ticketNumber"`
	ViolationType        string `json:"violationType"`
	ViolationDescription string `json:"violationDescription"`
	ViolationDate        string `json:"violationDate"`
	Amount               Amount `json:"amount"`
	Location             string `json:"location"`
	UserID               string `json:"userId,omitempty"`
}

// Validate checks the fields every row needs.
func (r Row) Validate() error {
	var missing []string
	if strings.TrimSpace(r.TicketNumber) == "" {
		missing = append(missing, "ticketNumber")
	}
	if strings.TrimSpace(r.Plate) == "" {
		missing = append(missing, "plate")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", apperr.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// headerAliases maps normalized CSV header spellings onto Row fields.
var headerAliases = map[string]string{
	"plate": "plate", "licenseplate": "plate", "plateno": "plate", "platenumber": "plate", "licenseplatenumber": "plate",
	"state": "state", "platestate": "state",
	"ticketnumber": "ticket", "ticket": "ticket", "ticketno": "ticket", "citation": "ticket", "citationnumber": "ticket", "noticenumber": "ticket",
	"violationtype": "type", "violation": "type", "type": "type",
	"violationdescription": "description", "description": "description",
	"violationdate": "date", "date": "date", "issuedate": "date", "issuedon": "date",
	"amount": "amount", "fine": "amount", "fineamount": "amount", "amountdue": "amount",
	"location": "location", "address": "location", "violationlocation": "location",
	"userid": "user", "user": "user",
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReadCSV parses an upload with a header row. Columns are matched by
// name, so order and spelling ("Ticket #", "ticket_number") may vary.
// Rows with an unparseable amount are returned with a zero amount and
// reported in the error list.
func ReadCSV(r io.Reader) ([]Row, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty csv", apperr.ErrValidation)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: csv header: %v", apperr.ErrValidation, err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		if f, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, seen := cols[f]; !seen {
				cols[f] = i
			}
		}
	}
	if _, ok := cols["ticket"]; !ok {
		return nil, nil, fmt.Errorf("%w: csv has no ticket number column", apperr.ErrValidation)
	}
	get := func(rec []string, f string) string {
		i, ok := cols[f]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	var rows []Row
	var rowErrs []error
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		row := Row{
			Plate:                get(rec, "plate"),
			State:                get(rec, "state"),
			TicketNumber:         get(rec, "ticket"),
			ViolationType:        get(rec, "type"),
			ViolationDescription: get(rec, "description"),
			ViolationDate:        get(rec, "date"),
			Location:             get(rec, "location"),
			UserID:               get(rec, "user"),
		}
		if row.TicketNumber == "" && row.Plate == "" {
			continue
		}
		amt, err := ParseAmount(get(rec, "amount"))
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: %w", line, err))
		}
		row.Amount = Amount(amt)
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}
