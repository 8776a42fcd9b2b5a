// Package mail submits contest letters to the postal mail provider and
// reads back their tracking events.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"autopilot/internal/apperr"
	"autopilot/internal/config"
)

// ErrNotConfigured is returned when no provider API key is set.
var ErrNotConfigured = fmt.Errorf("mail provider not configured: %w", apperr.ErrDependency)

// Request is one letter to print and mail.
type Request struct {
	Description    string
	To             config.Address
	From           config.Address
	Content        string
	Metadata       map[string]string
	IdempotencyKey string
}

// Result identifies the mailed piece at the provider.
type Result struct {
	ProviderID       string `json:"id"`
	TrackingNumber   string `json:"tracking_number"`
	ExpectedDelivery string `json:"expected_delivery_date"`
}

// TrackingEvent is one scan reported by the provider.
type TrackingEvent struct {
	Name string    `json:"name"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// Sender is the mail collaborator used by the dispatcher and poller.
type Sender interface {
	Send(ctx context.Context, req Request) (Result, error)
	Tracking(ctx context.Context, providerID string) ([]TrackingEvent, error)
}

// Lob talks to the Lob letters API.
type Lob struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewLob(cfg config.Config, client *http.Client) *Lob {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Lob{apiKey: cfg.LobAPIKey, baseURL: strings.TrimRight(cfg.LobBaseURL, "/"), client: client}
}

type lobAddress struct {
	Name         string `json:"name"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"address_city"`
	State        string `json:"address_state"`
	Zip          string `json:"address_zip"`
}

func toLob(a config.Address) lobAddress {
	return lobAddress{Name: a.Name, AddressLine1: a.Line1, AddressLine2: a.Line2, City: a.City, State: a.State, Zip: a.Zip}
}

// Send creates a letter at Lob.
func (l *Lob) Send(ctx context.Context, req Request) (Result, error) {
	if l.apiKey == "" {
		return Result{}, ErrNotConfigured
	}
	if err := Complete(req.To); err != nil {
		return Result{}, fmt.Errorf("recipient: %w", err)
	}
	if err := Complete(req.From); err != nil {
		return Result{}, fmt.Errorf("sender: %w", err)
	}
	payload := map[string]any{
		"description": req.Description,
		"to":          toLob(req.To),
		"from":        toLob(req.From),
		"file":        RenderHTML(req.Content),
		"color":       false,
		"use_type":    "operational",
		"metadata":    req.Metadata,
	}
	buf, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/letters", bytes.NewReader(buf))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	var res Result
	if err := l.do(httpReq, &res); err != nil {
		return Result{}, err
	}
	if res.ProviderID == "" {
		return Result{}, fmt.Errorf("lob: response without letter id: %w", apperr.ErrDependency)
	}
	return res, nil
}

// Tracking returns the tracking events Lob has recorded for a letter.
func (l *Lob) Tracking(ctx context.Context, providerID string) ([]TrackingEvent, error) {
	if l.apiKey == "" {
		return nil, ErrNotConfigured
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/letters/"+providerID, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		TrackingEvents []TrackingEvent `json:"tracking_events"`
	}
	if err := l.do(httpReq, &body); err != nil {
		return nil, err
	}
	return body.TrackingEvents, nil
}

func (l *Lob) do(req *http.Request, out any) error {
	req.SetBasicAuth(l.apiKey, "")
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("lob: %v: %w", err, apperr.ErrDependency)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &e)
		return fmt.Errorf("lob status %d %s: %w", resp.StatusCode, e.Error.Message, apperr.ErrDependency)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("lob decode: %v: %w", err, apperr.ErrDependency)
	}
	return nil
}

// Complete checks that an address has the fields the provider requires.
func Complete(a config.Address) error {
	var missing []string
	for _, f := range []struct{ name, val string }{{"name", a.Name}, {"line1", a.Line1}, {"city", a.City}, {"state", a.State}, {"zip", a.Zip}} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: address missing %s", apperr.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// RenderHTML wraps plain letter text in the minimal HTML document the
// provider prints.
func RenderHTML(text string) string {
	var b strings.Builder
	b.WriteString(`<html><head><meta charset="UTF-8"><style>body{font-family:Georgia,serif;font-size:12pt;margin:1in;} p{margin:0 0 1em 0;}</style></head><body>`)
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		lines := strings.Split(para, "\n")
		for i := range lines {
			lines[i] = html.EscapeString(lines[i])
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}

// IsNotConfigured reports whether err came from a missing API key.
func IsNotConfigured(err error) bool { return errors.Is(err, ErrNotConfigured) }
