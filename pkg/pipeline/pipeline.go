// Package pipeline turns verified repository events into draft posts:
// deduplication, per-repository sequencing, postability classification,
// and deterministic draft generation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"autopost/internal"
	"autopost/pkg/lifecycle"
	"autopost/pkg/storage"

	"github.com/google/uuid"
)

// Outcome is the benign result of processing one event. Only real faults
// (store errors) surface as errors; everything here terminates processing
// of that single event without affecting the rest of the pipeline.
type Outcome string

const (
	// OutcomeDraftCreated means a new draft post was generated.
	OutcomeDraftCreated Outcome = "draft_created"
	// OutcomeDuplicate means the delivery was already accepted and
	// processed; a no-op signal, not an error.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means the event predates the repository's high-water
	// mark: audited, but no draft.
	OutcomeStale Outcome = "stale"
	// OutcomeUnmonitored means no active monitor covers the repository.
	OutcomeUnmonitored Outcome = "unmonitored"
	// OutcomeFiltered means the monitor's filters or rules excluded it.
	OutcomeFiltered Outcome = "filtered"
)

// Pipeline processes verified events. Safe under concurrent invocation
// for the same event: dedup rides on the log's unique insert and draft
// uniqueness on the post store's create-if-absent, not on locks.
type Pipeline struct {
	events   storage.EventStore
	monitors storage.MonitorStore
	posts    storage.PostStore
	bus      internal.Publisher
	logger   *log.Logger
}

func New(events storage.EventStore, monitors storage.MonitorStore, posts storage.PostStore, bus internal.Publisher, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = internal.NewLogger("pipeline")
	}
	return &Pipeline{events: events, monitors: monitors, posts: posts, bus: bus, logger: logger}
}

// Process runs a verified event through dedup, sequencing, classification,
// and draft generation. The returned post is non-nil only when the outcome
// is OutcomeDraftCreated or the draft already existed for this event.
func (p *Pipeline) Process(ctx context.Context, evt internal.RepositoryEvent) (Outcome, *storage.PostRecord, error) {
	inserted, err := p.events.AppendLog(ctx, storage.WebhookLogRecord{
		EventID:       evt.EventID,
		Outcome:       storage.OutcomeAccepted,
		EventType:     string(evt.EventType),
		RepositoryID:  evt.RepositoryID,
		PayloadDigest: evt.RawPayloadDigest,
	})
	if err != nil {
		return "", nil, fmt.Errorf("append delivery log: %w", err)
	}
	if !inserted {
		// Redelivery. If the first delivery finished, stop here; if it
		// crashed mid-flight, fall through — every later step is
		// idempotent, so completing its work is safe.
		done, err := p.alreadyProcessed(ctx, evt.EventID)
		if err != nil {
			return "", nil, err
		}
		if done {
			internal.IncSkipped("duplicate")
			p.logger.Printf("duplicate delivery event=%s", evt.EventID)
			post, _ := p.posts.GetBySourceEvent(ctx, evt.EventID)
			return OutcomeDuplicate, post, nil
		}
	}

	summary, err := json.Marshal(evt.Summary)
	if err != nil {
		return "", nil, err
	}
	if err := p.events.InsertEvent(ctx, storage.EventRecord{
		EventID:        evt.EventID,
		RepositoryID:   evt.RepositoryID,
		RepositoryName: evt.RepositoryName,
		EventType:      string(evt.EventType),
		OccurredAt:     evt.OccurredAt,
		PayloadDigest:  evt.RawPayloadDigest,
		Summary:        summary,
	}); err != nil {
		return "", nil, fmt.Errorf("insert event: %w", err)
	}

	monitor, err := p.monitors.Get(ctx, evt.RepositoryID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", nil, fmt.Errorf("monitor lookup: %w", err)
	}
	if monitor == nil || !monitor.Active {
		internal.IncSkipped("unmonitored")
		return p.finish(ctx, evt, OutcomeUnmonitored)
	}

	// Sequencing: events older than the high-water mark are accepted for
	// audit but never generate drafts, so out-of-order redeliveries
	// cannot backdate posts.
	if !monitor.LastProcessedAt.IsZero() && evt.OccurredAt.Before(monitor.LastProcessedAt) {
		internal.IncSkipped("stale")
		p.logger.Printf("stale event=%s repo=%s occurred=%s mark=%s",
			evt.EventID, evt.RepositoryID, evt.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), monitor.LastProcessedAt.Format("2006-01-02T15:04:05Z07:00"))
		return p.finish(ctx, evt, OutcomeStale)
	}

	if !Postable(evt, monitor, p.logger) {
		internal.IncSkipped("filtered")
		if _, err := p.monitors.Advance(ctx, evt.RepositoryID, evt.EventID, evt.OccurredAt); err != nil {
			return "", nil, fmt.Errorf("advance high-water mark: %w", err)
		}
		return p.finish(ctx, evt, OutcomeFiltered)
	}

	tone := monitor.Tone
	if tone == "" {
		tone = DefaultTone
	}
	content, err := RenderDraft(evt, tone)
	if err != nil {
		return "", nil, fmt.Errorf("render draft: %w", err)
	}

	post, created, err := p.posts.CreateIfAbsent(ctx, storage.PostRecord{
		PostID:        uuid.NewString(),
		SourceEventID: evt.EventID,
		UserID:        monitor.UserID,
		RepositoryID:  evt.RepositoryID,
		Content:       content,
		Tone:          tone,
		State:         string(lifecycle.StateDraft),
	})
	if err != nil {
		return "", nil, fmt.Errorf("create draft: %w", err)
	}
	if created {
		internal.IncDraft()
		p.logger.Printf("draft created post=%s event=%s repo=%s", post.PostID, evt.EventID, evt.RepositoryName)
		if p.bus != nil {
			busEvent := internal.BusEvent{
				Kind:          "draft_created",
				PostID:        post.PostID,
				UserID:        post.UserID,
				SourceEventID: evt.EventID,
			}
			if err := p.bus.Publish(ctx, internal.TopicDraftCreated, busEvent); err != nil {
				p.logger.Printf("draft notification failed post=%s: %v", post.PostID, err)
			}
		}
	}

	if _, err := p.monitors.Advance(ctx, evt.RepositoryID, evt.EventID, evt.OccurredAt); err != nil {
		return "", nil, fmt.Errorf("advance high-water mark: %w", err)
	}
	if err := p.events.MarkProcessed(ctx, evt.EventID); err != nil {
		return "", nil, fmt.Errorf("mark processed: %w", err)
	}
	return OutcomeDraftCreated, post, nil
}

func (p *Pipeline) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	records, err := p.events.GetLog(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("delivery log lookup: %w", err)
	}
	for _, record := range records {
		if record.Outcome == storage.OutcomeAccepted && record.Processed {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pipeline) finish(ctx context.Context, evt internal.RepositoryEvent, outcome Outcome) (Outcome, *storage.PostRecord, error) {
	if err := p.events.MarkProcessed(ctx, evt.EventID); err != nil {
		return "", nil, fmt.Errorf("mark processed: %w", err)
	}
	return outcome, nil, nil
}
