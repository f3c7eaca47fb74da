package worker

import "context"

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy decides what to do with a failed job.
type RetryPolicy interface {
	OnError(ctx context.Context, job *Job, err error) RetryDecision
}

// NoRetry never redelivers. The publish pipeline schedules its own
// retries through the database sweeper, so broker-level redelivery would
// only double up attempts.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: false}
}

// NackOnError hands the message back to the broker. Used when the broker
// is the only retry mechanism available.
type NackOnError struct{}

func (NackOnError) OnError(ctx context.Context, job *Job, err error) RetryDecision {
	return RetryDecision{Retry: false, Nack: true}
}
