package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill adapts a Watermill handler middleware (timeout,
// throttle, circuit breaker) to the worker's Middleware chain.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job *Job) error {
			msg := message.NewMessage(watermill.NewUUID(), message.Payload(job.Payload))
			if job.Metadata != nil {
				msg.Metadata = message.Metadata{}
				for key, value := range job.Metadata {
					msg.Metadata[key] = value
				}
			}
			wrapped := m(func(_ *message.Message) ([]*message.Message, error) {
				return nil, next(ctx, job)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}
