package notify

import (
	"context"
	"log"
	"sync/atomic"

	"autopilot/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// FanoutResult counts how a fan-out went.
type FanoutResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Fanout sends msgs in chunks of chunkSize. Every send in a chunk runs
// concurrently and the whole chunk settles before the next one starts,
// so at most chunkSize calls are in flight.
func Fanout(ctx context.Context, n Notifier, msgs []Message, chunkSize int) FanoutResult {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	var sent, failed int64
	for start := 0; start < len(msgs); start += chunkSize {
		end := start + chunkSize
		if end > len(msgs) {
			end = len(msgs)
		}
		var g errgroup.Group
		for _, msg := range msgs[start:end] {
			g.Go(func() error {
				if err := n.Notify(ctx, msg); err != nil {
					atomic.AddInt64(&failed, 1)
					log.Printf("notify user=%s kind=%s: %v", msg.UserID, msg.Kind, err)
					return err
				}
				atomic.AddInt64(&sent, 1)
				return nil
			})
		}
		_ = g.Wait()
	}
	res := FanoutResult{Sent: int(sent), Failed: int(failed)}
	metrics.AddNotifications(res.Sent, res.Failed)
	return res
}
