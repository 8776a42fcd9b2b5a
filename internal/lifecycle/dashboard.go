package lifecycle

import (
	"context"
	"sort"
	"strings"
	"time"

	"autopilot/internal/automail"
	"autopilot/internal/delivery"
	"autopilot/internal/evidence"
	"autopilot/internal/store"
	"autopilot/internal/violation"

	"golang.org/x/sync/errgroup"
)

// Filter narrows the dashboard. Empty fields match everything.
type Filter struct {
	Search string
	Status string
	Stage  string
}

// TicketView is one ticket with everything derived from it.
type TicketView struct {
	store.Ticket
	Letter   *store.Letter     `json:"letter,omitempty"`
	Outcome  *store.Outcome    `json:"outcome,omitempty"`
	Stage    Stage             `json:"stage"`
	Deadline time.Time         `json:"contest_deadline"`
	Steps    []Step            `json:"steps,omitempty"`
	Evidence []evidence.Source `json:"evidence"`
}

// UserView groups a user's tickets.
type UserView struct {
	UserID  string       `json:"user_id"`
	Name    string       `json:"name"`
	Email   string       `json:"email,omitempty"`
	Tickets []TicketView `json:"tickets"`
}

// Summary totals the filtered tickets.
type Summary struct {
	Tickets       int            `json:"total_tickets"`
	ByStage       map[Stage]int  `json:"by_stage"`
	NeedsApproval int            `json:"needs_approval"`
	Mailed        int            `json:"mailed"`
	Delivered     int            `json:"delivered"`
	Returned      int            `json:"returned"`
	Outcomes      map[string]int `json:"outcomes"`
	TotalSaved    float64        `json:"total_saved"`
}

// Dashboard is the lifecycle read model.
type Dashboard struct {
	Users   []UserView `json:"users"`
	Summary Summary    `json:"summary"`
}

// Service builds dashboards from the store.
type Service struct {
	store      *store.Store
	windowDays int
}

func NewService(st *store.Store, windowDays int) *Service {
	return &Service{store: st, windowDays: windowDays}
}

// Dashboard reads tickets, letters, outcomes, audit entries and profiles
// in parallel and joins them in memory.
func (s *Service) Dashboard(ctx context.Context, f Filter) (Dashboard, error) {
	var (
		tickets  []store.Ticket
		letters  []store.Letter
		outcomes []store.Outcome
		audit    []store.AuditEntry
		profiles []store.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { tickets, err = s.store.ListTickets(gctx); return })
	g.Go(func() (err error) { letters, err = s.store.ListLetters(gctx); return })
	g.Go(func() (err error) { outcomes, err = s.store.ListOutcomes(gctx); return })
	g.Go(func() (err error) { audit, err = s.store.ListAudit(gctx); return })
	g.Go(func() (err error) { profiles, err = s.store.ListProfiles(gctx); return })
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return Build(tickets, letters, outcomes, audit, profiles, s.windowDays, f), nil
}

// Build joins the raw rows into a dashboard. Audit entries are expected
// oldest first.
func Build(tickets []store.Ticket, letters []store.Letter, outcomes []store.Outcome, audit []store.AuditEntry, profiles []store.Profile, windowDays int, f Filter) Dashboard {
	letterByTicket := make(map[string]*store.Letter, len(letters))
	for i := range letters {
		if !letters[i].Superseded {
			letterByTicket[letters[i].TicketID] = &letters[i]
		}
	}
	outcomeByTicket := make(map[string]*store.Outcome, len(outcomes))
	for i := range outcomes {
		outcomeByTicket[outcomes[i].TicketID] = &outcomes[i]
	}
	auditByTicket := make(map[string][]store.AuditEntry)
	for _, e := range audit {
		auditByTicket[e.TicketID] = append(auditByTicket[e.TicketID], e)
	}
	profileByUser := make(map[string]store.Profile, len(profiles))
	for _, p := range profiles {
		profileByUser[p.UserID] = p
	}

	search := strings.ToLower(strings.TrimSpace(f.Search))
	users := make(map[string]*UserView)
	sum := Summary{ByStage: make(map[Stage]int), Outcomes: make(map[string]int)}
	for _, st := range Stages {
		sum.ByStage[st] = 0
	}

	for _, t := range tickets {
		l := letterByTicket[t.ID]
		o := outcomeByTicket[t.ID]
		entries := auditByTicket[t.ID]
		v := TicketView{
			Ticket:   t,
			Letter:   l,
			Outcome:  o,
			Stage:    ComputeStage(t, l, o),
			Deadline: automail.ContestDeadline(t.ViolationDate, t.FoundAt, windowDays),
			Steps:    Steps(l, entries),
		}
		letterText := ""
		if l != nil {
			letterText = l.Content
		}
		v.Evidence = evidence.Aggregate(evidence.Fold(entries), letterText, violation.Type(t.ViolationType), t.UserEvidence)

		p := profileByUser[t.UserID]
		if !matches(v, p, search, f) {
			continue
		}
		u, ok := users[t.UserID]
		if !ok {
			u = &UserView{UserID: t.UserID, Name: p.FullName(), Email: p.Email}
			users[t.UserID] = u
		}
		u.Tickets = append(u.Tickets, v)
		count(&sum, v)
	}

	out := Dashboard{Users: make([]UserView, 0, len(users)), Summary: sum}
	for _, u := range users {
		sort.Slice(u.Tickets, func(i, j int) bool { return u.Tickets[i].FoundAt.After(u.Tickets[j].FoundAt) })
		out.Users = append(out.Users, *u)
	}
	sort.Slice(out.Users, func(i, j int) bool {
		if out.Users[i].Name != out.Users[j].Name {
			return out.Users[i].Name < out.Users[j].Name
		}
		return out.Users[i].UserID < out.Users[j].UserID
	})
	return out
}

func matches(v TicketView, p store.Profile, search string, f Filter) bool {
	if f.Stage != "" && string(v.Stage) != f.Stage {
		return false
	}
	if f.Status != "" && v.Status != f.Status && (v.Letter == nil || v.Letter.Status != f.Status) {
		return false
	}
	if search == "" {
		return true
	}
	for _, field := range []string{v.TicketNumber, v.Plate, v.UserID, p.FullName(), p.Email, v.ViolationDescription} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

func count(sum *Summary, v TicketView) {
	sum.Tickets++
	sum.ByStage[v.Stage]++
	if v.Status == store.TicketNeedsApproval {
		sum.NeedsApproval++
	}
	if l := v.Letter; l != nil {
		if l.MailedAt != nil {
			sum.Mailed++
		}
		switch delivery.State(l.Status) {
		case delivery.Delivered:
			sum.Delivered++
		case delivery.Returned:
			sum.Returned++
		}
	}
	if o := v.Outcome; o != nil {
		sum.Outcomes[o.Outcome]++
		sum.TotalSaved += o.AmountSaved
	}
}
