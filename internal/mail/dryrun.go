package mail

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DryRun accepts letters without mailing them. It backs development
// setups that have no provider key and the tests of every caller.
type DryRun struct {
	mu     sync.Mutex
	sent   []Request
	events map[string][]TrackingEvent

	// Err, when set, fails every Send.
	Err error
}

func NewDryRun() *DryRun { return &DryRun{events: make(map[string][]TrackingEvent)} }

func (d *DryRun) Send(_ context.Context, req Request) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return Result{}, d.Err
	}
	if err := Complete(req.To); err != nil {
		return Result{}, err
	}
	d.sent = append(d.sent, req)
	n := len(d.sent)
	id := fmt.Sprintf("ltr_dry_%d", n)
	d.events[id] = []TrackingEvent{{Name: "Mailed", Type: "normal", Time: time.Now().UTC()}}
	return Result{ProviderID: id, TrackingNumber: fmt.Sprintf("DRY%06d", n), ExpectedDelivery: time.Now().UTC().AddDate(0, 0, 5).Format("2006-01-02")}, nil
}

func (d *DryRun) Tracking(_ context.Context, providerID string) ([]TrackingEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]TrackingEvent(nil), d.events[providerID]...), nil
}

// AddEvent appends a tracking event the next Tracking call reports.
func (d *DryRun) AddEvent(providerID, name string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[providerID] = append(d.events[providerID], TrackingEvent{Name: name, Type: "normal", Time: at})
}

// Sent returns the accepted requests in order.
func (d *DryRun) Sent() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.sent...)
}
