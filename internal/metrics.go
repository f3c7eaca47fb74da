package internal

import "expvar"

var (
	deliveriesTotal = expvar.NewMap("autopost_deliveries_total")
	rejectedTotal   = expvar.NewMap("autopost_rejected_total")
	skippedTotal    = expvar.NewMap("autopost_skipped_total")
	draftsTotal     = expvar.NewInt("autopost_drafts_total")
	publishTotal    = expvar.NewMap("autopost_publish_total")
)

func IncDelivery(eventType string) {
	deliveriesTotal.Add(eventType, 1)
}

// IncRejected counts rejected deliveries by reason
// (invalid_signature, malformed_payload).
func IncRejected(reason string) {
	rejectedTotal.Add(reason, 1)
}

// IncSkipped counts benign skips by outcome (duplicate, stale, unpostable).
func IncSkipped(outcome string) {
	skippedTotal.Add(outcome, 1)
}

func IncDraft() {
	draftsTotal.Add(1)
}

// IncPublish counts publish attempts by outcome
// (published, retryable, permanent).
func IncPublish(outcome string) {
	publishTotal.Add(outcome, 1)
}
