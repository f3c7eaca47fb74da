package worker

import "context"

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) error

// Middleware wraps a handler to add functionality.
type Middleware func(Handler) Handler
