// Package events carries in-process notifications between the delivery
// tracker and whoever wants to react to letter status changes.
package events

import (
	"sync"
	"time"
)

// StatusChanged is published the first time a letter reaches a terminal
// delivery state.
type StatusChanged struct {
	LetterID   string    `json:"letter_id"`
	TicketID   string    `json:"ticket_id"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

// Bus is a non-blocking fan-out: a slow subscriber drops events rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
