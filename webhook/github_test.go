package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"autopost/internal"
	"autopost/pkg/pipeline"
	"autopost/pkg/storage"
	"autopost/pkg/storage/events"
	"autopost/pkg/storage/monitors"
	"autopost/pkg/storage/posts"
)

const testSecret = "s3cret"

const pushPayload = `{
	"ref": "refs/heads/main",
	"repository": {"id": 42, "name": "demo", "full_name": "acme/demo"},
	"sender": {"login": "octocat"},
	"head_commit": {"message": "fix flaky retry\n\ndetails", "timestamp": "2026-03-01T12:00:00Z"},
	"commits": [
		{"message": "fix flaky retry", "timestamp": "2026-03-01T12:00:00Z"},
		{"message": "bump deps", "timestamp": "2026-03-01T11:55:00Z"}
	]
}`

const emptyPushPayload = `{
	"ref": "refs/heads/main",
	"repository": {"id": 42, "name": "demo", "full_name": "acme/demo"},
	"sender": {"login": "octocat"},
	"commits": []
}`

type recordingBus struct {
	mu     sync.Mutex
	events []internal.BusEvent
}

func (b *recordingBus) Publish(_ context.Context, _ string, evt internal.BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) Close() error { return nil }

type fixture struct {
	handler *GitHubHandler
	events  *events.Store
	posts   *posts.Store
	bus     *recordingBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDB(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "webhook.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = storage.CloseDB(db) })

	eventStore, err := events.New(db)
	if err != nil {
		t.Fatalf("events store: %v", err)
	}
	monitorStore, err := monitors.New(db)
	if err != nil {
		t.Fatalf("monitors store: %v", err)
	}
	postStore, err := posts.New(db)
	if err != nil {
		t.Fatalf("posts store: %v", err)
	}
	if err := monitorStore.Upsert(context.Background(), storage.MonitorRecord{
		UserID:         "user-1",
		RepositoryID:   "42",
		RepositoryName: "acme/demo",
		Active:         true,
	}); err != nil {
		t.Fatalf("seed monitor: %v", err)
	}

	bus := &recordingBus{}
	pipe := pipeline.New(eventStore, monitorStore, postStore, bus, nil)
	handler, err := NewGitHubHandler(testSecret, pipe, eventStore, 1<<20, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return &fixture{handler: handler, events: eventStore, posts: postStore, bus: bus}
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, handler *GitHubHandler, event, deliveryID, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestValidPushCreatesDraft(t *testing.T) {
	fx := newFixture(t)

	rec := deliver(t, fx.handler, "push", "delivery-1", pushPayload, sign(testSecret, pushPayload))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer["outcome"] != string(pipeline.OutcomeDraftCreated) {
		t.Fatalf("unexpected outcome %q", answer["outcome"])
	}

	post, err := fx.posts.GetBySourceEvent(context.Background(), "delivery-1")
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if post.UserID != "user-1" || post.Content == "" {
		t.Fatalf("unexpected draft %+v", post)
	}
	if len(fx.bus.events) != 1 || fx.bus.events[0].Kind != "draft_created" {
		t.Fatalf("expected one draft notification, got %+v", fx.bus.events)
	}
}

func TestRedeliveryIsDuplicate(t *testing.T) {
	fx := newFixture(t)
	signature := sign(testSecret, pushPayload)

	if rec := deliver(t, fx.handler, "push", "delivery-1", pushPayload, signature); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: %d", rec.Code)
	}
	rec := deliver(t, fx.handler, "push", "delivery-1", pushPayload, signature)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redelivery: %d", rec.Code)
	}
	var answer map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &answer)
	if answer["outcome"] != string(pipeline.OutcomeDuplicate) {
		t.Fatalf("expected duplicate outcome, got %q", answer["outcome"])
	}
}

func TestBadSignatureRejected(t *testing.T) {
	fx := newFixture(t)

	rec := deliver(t, fx.handler, "push", "delivery-1", pushPayload, sign("wrong-secret", pushPayload))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	log, err := fx.events.GetLog(context.Background(), "delivery-1")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(log) != 1 || log[0].Outcome != storage.OutcomeRejected || log[0].Reason != "invalid_signature" {
		t.Fatalf("expected rejection audit row, got %+v", log)
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	fx := newFixture(t)
	rec := deliver(t, fx.handler, "push", "delivery-1", pushPayload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	fx := newFixture(t)
	body := `{"ref": "refs/heads/main",`
	rec := deliver(t, fx.handler, "push", "delivery-1", body, sign(testSecret, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	log, err := fx.events.GetLog(context.Background(), "delivery-1")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(log) != 1 || log[0].Reason != "malformed_payload" {
		t.Fatalf("expected malformed_payload audit row, got %+v", log)
	}
}

func TestPingAnswersOK(t *testing.T) {
	fx := newFixture(t)
	body := `{"zen": "Keep it logically awesome.", "hook_id": 1}`
	rec := deliver(t, fx.handler, "ping", "delivery-1", body, sign(testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUnsupportedEventAccepted(t *testing.T) {
	fx := newFixture(t)
	body := `{"action": "created"}`
	rec := deliver(t, fx.handler, "star", "delivery-1", body, sign(testSecret, body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestEmptyPushIsNotPostable(t *testing.T) {
	fx := newFixture(t)
	rec := deliver(t, fx.handler, "push", "delivery-1", emptyPushPayload, sign(testSecret, emptyPushPayload))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var answer map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &answer)
	if answer["outcome"] != "not_postable" {
		t.Fatalf("unexpected outcome %q", answer["outcome"])
	}

	log, err := fx.events.GetLog(context.Background(), "delivery-1")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(log) != 1 || !log[0].Processed {
		t.Fatalf("expected one processed audit row, got %+v", log)
	}
}

func TestNormalizePushSummary(t *testing.T) {
	evt, ok := normalizeGitHub("delivery-1", "push", "digest-1", []byte(pushPayload))
	if !ok {
		t.Fatalf("expected push to normalize")
	}
	if evt.EventType != internal.EventPush {
		t.Fatalf("unexpected type %q", evt.EventType)
	}
	if evt.Summary.CommitCount != 2 {
		t.Fatalf("expected 2 commits, got %d", evt.Summary.CommitCount)
	}
	if evt.Summary.HeadMessage != "fix flaky retry" {
		t.Fatalf("expected first line of head message, got %q", evt.Summary.HeadMessage)
	}
	want := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	if !evt.OccurredAt.Equal(want) {
		t.Fatalf("expected head commit time, got %v", evt.OccurredAt)
	}
}

func TestNormalizeUnmergedPullRequest(t *testing.T) {
	body := `{
		"action": "closed",
		"number": 17,
		"pull_request": {"title": "Add cache", "merged": false},
		"repository": {"id": 42, "full_name": "acme/demo"}
	}`
	if _, ok := normalizeGitHub("delivery-1", "pull_request", "digest-1", []byte(body)); ok {
		t.Fatalf("unmerged close must not normalize")
	}
}

func TestNormalizeDraftRelease(t *testing.T) {
	body := `{
		"action": "created",
		"release": {"tag_name": "v1.0.0"},
		"repository": {"id": 42, "full_name": "acme/demo"}
	}`
	if _, ok := normalizeGitHub("delivery-1", "release", "digest-1", []byte(body)); ok {
		t.Fatalf("non-published release must not normalize")
	}
}
