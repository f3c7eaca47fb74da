package posts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"autopost/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(storage.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "posts.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPost(t *testing.T, store *Store, postID, sourceEventID, state string) *storage.PostRecord {
	t.Helper()
	post, created, err := store.CreateIfAbsent(context.Background(), storage.PostRecord{
		PostID:        postID,
		SourceEventID: sourceEventID,
		UserID:        "user-1",
		RepositoryID:  "42",
		Content:       "draft content",
		Tone:          "professional",
		State:         state,
	})
	if err != nil {
		t.Fatalf("seed post: %v", err)
	}
	if !created {
		t.Fatalf("expected seed insert to win")
	}
	return post
}

// TestCreateIfAbsent tests that at most one post exists per source event
// and that the loser gets the existing row back.
func TestCreateIfAbsent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := seedPost(t, store, "post-1", "evt-1", "draft")

	second, created, err := store.CreateIfAbsent(ctx, storage.PostRecord{
		PostID:        "post-2",
		SourceEventID: "evt-1",
		UserID:        "user-1",
		State:         "draft",
	})
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate create to lose")
	}
	if second.PostID != first.PostID {
		t.Fatalf("expected existing post %q, got %q", first.PostID, second.PostID)
	}
}

func TestTransitionCompareAndSet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedPost(t, store, "post-1", "evt-1", "publish_requested")

	moved, err := store.Transition(ctx, "post-1", []string{"publish_requested"}, "publishing", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !moved {
		t.Fatalf("expected claim to win")
	}

	// The second claim sees the state already moved.
	moved, err = store.Transition(ctx, "post-1", []string{"publish_requested"}, "publishing", nil)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if moved {
		t.Fatalf("expected second claim to lose")
	}
}

func TestTransitionSkipsDeleted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedPost(t, store, "post-1", "evt-1", "draft")
	if err := store.MarkDeleted(ctx, "post-1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	moved, err := store.Transition(ctx, "post-1", []string{"draft"}, "customized", nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if moved {
		t.Fatalf("expected transition on a deleted post to be refused")
	}
}

func TestRecordAttempt(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedPost(t, store, "post-1", "evt-1", "publishing")

	if err := store.RecordAttempt(ctx, "post-1", "first failure"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if err := store.RecordAttempt(ctx, "post-1", "second failure"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}

	got, err := store.Get(ctx, "post-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PublishAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.PublishAttempts)
	}
	if got.LastError != "second failure" {
		t.Fatalf("unexpected last error %q", got.LastError)
	}
}

func TestListDue(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	seedPost(t, store, "post-ready", "evt-1", "publish_requested")
	seedPost(t, store, "post-backoff", "evt-2", "publish_requested")
	seedPost(t, store, "post-deleted", "evt-3", "publish_requested")
	seedPost(t, store, "post-draft", "evt-4", "draft")

	if moved, err := store.Transition(ctx, "post-backoff", []string{"publish_requested"}, "publish_requested",
		map[string]interface{}{"next_attempt_at": &future}); err != nil || !moved {
		t.Fatalf("schedule backoff: moved=%v err=%v", moved, err)
	}
	if moved, err := store.Transition(ctx, "post-ready", []string{"publish_requested"}, "publish_requested",
		map[string]interface{}{"next_attempt_at": &past}); err != nil || !moved {
		t.Fatalf("schedule ready: moved=%v err=%v", moved, err)
	}
	if err := store.MarkDeleted(ctx, "post-deleted"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	due, err := store.ListDue(ctx, "publish_requested", now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one due post, got %d", len(due))
	}
	if due[0].PostID != "post-ready" {
		t.Fatalf("unexpected due post %q", due[0].PostID)
	}
}

func TestListByUserExcludesDeleted(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seedPost(t, store, "post-1", "evt-1", "draft")
	seedPost(t, store, "post-2", "evt-2", "draft")
	if err := store.MarkDeleted(ctx, "post-2"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	listed, err := store.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].PostID != "post-1" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestDeleteUnknownPost(t *testing.T) {
	store := newStore(t)
	if err := store.Delete(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkDeleted(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
