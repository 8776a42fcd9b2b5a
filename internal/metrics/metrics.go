// Package metrics holds process-wide counters exposed at /ops/metrics.
package metrics

import "sync/atomic"

var (
	jobsSucceeded      int64
	jobsFailed         int64
	ticketsCreated     int64
	lettersMailed      int64
	lettersHeld        int64
	safetyNetSends     int64
	mailFailures       int64
	deliveryUpdates    int64
	duplicateDelivery  int64
	notificationsSent  int64
	notificationErrors int64
)

func IncSucceeded()         { atomic.AddInt64(&jobsSucceeded, 1) }
func IncFailed()            { atomic.AddInt64(&jobsFailed, 1) }
func IncTicketsCreated()    { atomic.AddInt64(&ticketsCreated, 1) }
func IncLettersMailed()     { atomic.AddInt64(&lettersMailed, 1) }
func IncLettersHeld()       { atomic.AddInt64(&lettersHeld, 1) }
func IncSafetyNetSends()    { atomic.AddInt64(&safetyNetSends, 1) }
func IncMailFailures()      { atomic.AddInt64(&mailFailures, 1) }
func IncDeliveryUpdates()   { atomic.AddInt64(&deliveryUpdates, 1) }
func IncDuplicateDelivery() { atomic.AddInt64(&duplicateDelivery, 1) }

func AddNotifications(sent, failed int) {
	atomic.AddInt64(&notificationsSent, int64(sent))
	atomic.AddInt64(&notificationErrors, int64(failed))
}

func Snapshot() map[string]int64 {
	return map[string]int64{
		"jobs_succeeded":       atomic.LoadInt64(&jobsSucceeded),
		"jobs_failed":          atomic.LoadInt64(&jobsFailed),
		"tickets_created":      atomic.LoadInt64(&ticketsCreated),
		"letters_mailed":       atomic.LoadInt64(&lettersMailed),
		"letters_held":         atomic.LoadInt64(&lettersHeld),
		"safety_net_sends":     atomic.LoadInt64(&safetyNetSends),
		"mail_failures":        atomic.LoadInt64(&mailFailures),
		"delivery_updates":     atomic.LoadInt64(&deliveryUpdates),
		"duplicate_deliveries": atomic.LoadInt64(&duplicateDelivery),
		"notifications_sent":   atomic.LoadInt64(&notificationsSent),
		"notifications_failed": atomic.LoadInt64(&notificationErrors),
	}
}
