package worker

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec decodes messages from the broker into a Job.
type Codec interface {
	Decode(topic string, msg *message.Message) (*Job, error)
}

// DefaultCodec decodes the JSON envelope the ingest side publishes.
type DefaultCodec struct{}

type envelope struct {
	Kind          string `json:"kind"`
	PostID        string `json:"post_id"`
	UserID        string `json:"user_id"`
	SourceEventID string `json:"source_event_id"`
	Attempt       int    `json:"attempt"`
}

// Decode unmarshals a Watermill message into a Job. Fields absent from
// the payload fall back to message metadata.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Job, error) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	kind := env.Kind
	if kind == "" {
		kind = msg.Metadata.Get("kind")
	}
	postID := env.PostID
	if postID == "" {
		postID = msg.Metadata.Get("post_id")
	}

	return &Job{
		Kind:          kind,
		Topic:         topic,
		PostID:        postID,
		UserID:        env.UserID,
		SourceEventID: env.SourceEventID,
		Attempt:       env.Attempt,
		Metadata:      metadata,
		Payload:       json.RawMessage(msg.Payload),
	}, nil
}
