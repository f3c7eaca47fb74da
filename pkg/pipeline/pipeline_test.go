package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autopost/internal"
	"autopost/pkg/lifecycle"
	"autopost/pkg/storage"
	"autopost/pkg/storage/events"
	"autopost/pkg/storage/monitors"
	"autopost/pkg/storage/posts"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []internal.BusEvent
	topics []string
}

func (b *recordingBus) Publish(_ context.Context, topic string, event internal.BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) published() []internal.BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]internal.BusEvent, len(b.events))
	copy(out, b.events)
	return out
}

type fixture struct {
	pipeline *Pipeline
	events   *events.Store
	monitors *monitors.Store
	posts    *posts.Store
	bus      *recordingBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDB(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "pipeline.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = storage.CloseDB(db) })

	eventStore, err := events.New(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	monitorStore, err := monitors.New(db)
	if err != nil {
		t.Fatalf("monitor store: %v", err)
	}
	postStore, err := posts.New(db)
	if err != nil {
		t.Fatalf("post store: %v", err)
	}

	bus := &recordingBus{}
	return &fixture{
		pipeline: New(eventStore, monitorStore, postStore, bus, nil),
		events:   eventStore,
		monitors: monitorStore,
		posts:    postStore,
		bus:      bus,
	}
}

func (f *fixture) monitorRepo(t *testing.T, repositoryID string) {
	t.Helper()
	err := f.monitors.Upsert(context.Background(), storage.MonitorRecord{
		RepositoryID:   repositoryID,
		RepositoryName: "acme/demo",
		UserID:         "user-1",
		Active:         true,
	})
	if err != nil {
		t.Fatalf("upsert monitor: %v", err)
	}
}

func testEvent(id string, occurred time.Time) internal.RepositoryEvent {
	return internal.RepositoryEvent{
		EventID:        id,
		RepositoryID:   "42",
		RepositoryName: "demo",
		EventType:      internal.EventPush,
		OccurredAt:     occurred,
		RawPayload:     json.RawMessage(pushPayload),
		Summary:        internal.EventSummary{CommitCount: 3, Ref: "refs/heads/main", HeadMessage: "fix build"},
	}
}

func TestProcessCreatesDraft(t *testing.T) {
	f := newFixture(t)
	f.monitorRepo(t, "42")
	ctx := context.Background()

	outcome, post, err := f.pipeline.Process(ctx, testEvent("delivery-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeDraftCreated {
		t.Fatalf("expected draft_created, got %s", outcome)
	}
	if post == nil || post.State != string(lifecycle.StateDraft) {
		t.Fatalf("expected draft post, got %+v", post)
	}
	if post.UserID != "user-1" {
		t.Fatalf("expected post owned by the monitoring user, got %q", post.UserID)
	}

	published := f.bus.published()
	if len(published) != 1 || published[0].Kind != "draft_created" || published[0].PostID != post.PostID {
		t.Fatalf("expected one draft_created notification, got %+v", published)
	}

	monitor, err := f.monitors.Get(ctx, "42")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if monitor.LastProcessedID != "delivery-1" {
		t.Fatalf("expected high-water mark advanced, got %q", monitor.LastProcessedID)
	}
}

// TestProcessDuplicateDelivery tests that a redelivered event produces no
// second draft and reports the existing post.
func TestProcessDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	f.monitorRepo(t, "42")
	ctx := context.Background()
	evt := testEvent("delivery-1", time.Now().UTC())

	_, first, err := f.pipeline.Process(ctx, evt)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}

	outcome, second, err := f.pipeline.Process(ctx, evt)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	if second == nil || second.PostID != first.PostID {
		t.Fatalf("expected the original post back, got %+v", second)
	}
	if got := len(f.bus.published()); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
}

// TestProcessStaleEvent tests that an event older than the high-water
// mark is audited but generates no draft.
func TestProcessStaleEvent(t *testing.T) {
	f := newFixture(t)
	f.monitorRepo(t, "42")
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := f.pipeline.Process(ctx, testEvent("delivery-2", now)); err != nil {
		t.Fatalf("process newer event: %v", err)
	}

	outcome, post, err := f.pipeline.Process(ctx, testEvent("delivery-1", now.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("process stale event: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("expected stale, got %s", outcome)
	}
	if post != nil {
		t.Fatalf("expected no draft for stale event")
	}

	log, err := f.events.GetLog(ctx, "delivery-1")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(log) != 1 || log[0].Outcome != storage.OutcomeAccepted {
		t.Fatalf("expected stale event audited as accepted, got %+v", log)
	}
}

func TestProcessUnmonitoredRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, post, err := f.pipeline.Process(ctx, testEvent("delivery-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeUnmonitored {
		t.Fatalf("expected unmonitored, got %s", outcome)
	}
	if post != nil {
		t.Fatalf("expected no draft without a monitor")
	}
}

// TestProcessFilteredAdvancesMark tests that an excluded event still
// moves the high-water mark forward.
func TestProcessFilteredAdvancesMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.monitors.Upsert(ctx, storage.MonitorRecord{
		RepositoryID:     "42",
		RepositoryName:   "acme/demo",
		UserID:           "user-1",
		Active:           true,
		EventTypeFilters: []string{"release"},
	})
	if err != nil {
		t.Fatalf("upsert monitor: %v", err)
	}

	outcome, _, err := f.pipeline.Process(ctx, testEvent("delivery-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeFiltered {
		t.Fatalf("expected filtered, got %s", outcome)
	}

	monitor, err := f.monitors.Get(ctx, "42")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if monitor.LastProcessedID != "delivery-1" {
		t.Fatalf("expected mark advanced past filtered event, got %q", monitor.LastProcessedID)
	}
}

// TestProcessMonitorTone tests that the monitor's tone selects the
// template.
func TestProcessMonitorTone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.monitors.Upsert(ctx, storage.MonitorRecord{
		RepositoryID:   "42",
		RepositoryName: "acme/demo",
		UserID:         "user-1",
		Active:         true,
		Tone:           ToneTechnical,
	})
	if err != nil {
		t.Fatalf("upsert monitor: %v", err)
	}

	_, post, err := f.pipeline.Process(ctx, testEvent("delivery-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if post.Tone != ToneTechnical {
		t.Fatalf("expected technical tone, got %q", post.Tone)
	}
}
