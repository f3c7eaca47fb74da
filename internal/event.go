package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType enumerates the repository events that can produce a post.
type EventType string

const (
	EventPush              EventType = "push"
	EventRelease           EventType = "release"
	EventPullRequestMerged EventType = "pull_request_merged"
)

// KnownEventTypes lists every event type the pipeline understands, in the
// order used for default monitor filters.
var KnownEventTypes = []EventType{EventPush, EventRelease, EventPullRequestMerged}

// EventSummary carries the fields extracted from the raw payload at
// normalization time. Draft templates interpolate these and nothing else,
// so draft content stays a pure function of the event.
type EventSummary struct {
	CommitCount       int    `json:"commit_count,omitempty"`
	Ref               string `json:"ref,omitempty"`
	HeadMessage       string `json:"head_message,omitempty"`
	ReleaseTag        string `json:"release_tag,omitempty"`
	ReleaseName       string `json:"release_name,omitempty"`
	PullRequestTitle  string `json:"pull_request_title,omitempty"`
	PullRequestNumber int    `json:"pull_request_number,omitempty"`
	SenderLogin       string `json:"sender_login,omitempty"`
}

// RepositoryEvent is a normalized webhook delivery. Immutable once created.
type RepositoryEvent struct {
	// EventID is the provider delivery ID (X-GitHub-Delivery), unique per
	// delivery and stable across redeliveries of the same event.
	EventID        string    `json:"event_id"`
	RepositoryID   string    `json:"repository_id"`
	RepositoryName string    `json:"repository_name"`
	EventType      EventType `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	// RawPayloadDigest is the SHA-256 of the raw request body, kept as an
	// integrity record and dedup fallback when the delivery ID is absent.
	RawPayloadDigest string `json:"raw_payload_digest"`
	Summary          EventSummary `json:"summary"`
	// RawPayload is carried for rule evaluation; it is not part of the
	// event's identity.
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// PayloadDigest returns the hex SHA-256 of a raw webhook body.
func PayloadDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ParseEventType reports whether the string names a known event type.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(s) {
	case EventPush, EventRelease, EventPullRequestMerged:
		return EventType(s), true
	default:
		return "", false
	}
}
