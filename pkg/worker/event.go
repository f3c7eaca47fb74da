package worker

import "encoding/json"

// Job represents a message received by the worker.
type Job struct {
	// Kind names what happened (e.g. "draft_created", "publish_requested").
	Kind string `json:"kind"`
	// Topic is the name of the topic the message was received on.
	Topic string `json:"topic"`
	// PostID identifies the post the job concerns.
	PostID string `json:"post_id"`
	// UserID identifies the member whose account the post belongs to.
	UserID string `json:"user_id"`
	// SourceEventID ties the job back to the originating repository event.
	SourceEventID string `json:"source_event_id"`
	// Attempt is how many publish attempts have already been made.
	Attempt int `json:"attempt"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw JSON payload of the message.
	Payload json.RawMessage `json:"payload"`
	// Credential is a bearer token attached by the credential resolver,
	// if one is configured.
	Credential string `json:"-"`
}
