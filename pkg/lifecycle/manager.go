package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"autopost/internal"
	"autopost/pkg/storage"
)

// ErrNotOwner is returned when a user operates on a post they do not own.
var ErrNotOwner = errors.New("post is not owned by this user")

// Manager drives posts through the state machine on top of the post store.
// All state changes go through the store's compare-and-set Transition, so
// every method is safe under concurrent callers and worker instances.
type Manager struct {
	posts  storage.PostStore
	bus    internal.Publisher
	cfg    internal.PublishConfig
	logger *log.Logger
}

// NewManager creates a lifecycle manager. bus may be nil in tests; publish
// requests are then only recorded in the store.
func NewManager(posts storage.PostStore, bus internal.Publisher, cfg internal.PublishConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = internal.NewLogger("lifecycle")
	}
	return &Manager{posts: posts, bus: bus, cfg: cfg, logger: logger}
}

// Customize stores user-edited content. Allowed from Draft and Customized.
func (m *Manager) Customize(ctx context.Context, postID, userID, content string) error {
	post, err := m.owned(ctx, postID, userID)
	if err != nil {
		return err
	}
	moved, err := m.posts.Transition(ctx, postID,
		guard(StateCustomized, StateDraft, StateCustomized),
		string(StateCustomized),
		map[string]interface{}{"customized_content": content},
	)
	if err != nil {
		return err
	}
	if !moved {
		return m.transitionError(ctx, postID, State(post.State), StateCustomized)
	}
	return nil
}

// RequestPublish moves a post to PublishRequested and enqueues it for the
// publish worker. Only an explicit user action reaches this transition.
func (m *Manager) RequestPublish(ctx context.Context, postID, userID string) error {
	post, err := m.owned(ctx, postID, userID)
	if err != nil {
		return err
	}
	moved, err := m.posts.Transition(ctx, postID,
		guard(StatePublishRequested, StateDraft, StateCustomized),
		string(StatePublishRequested),
		map[string]interface{}{"next_attempt_at": nil, "last_error": ""},
	)
	if err != nil {
		return err
	}
	if !moved {
		return m.transitionError(ctx, postID, State(post.State), StatePublishRequested)
	}
	if m.bus != nil {
		event := internal.BusEvent{
			Kind:          "publish_requested",
			PostID:        postID,
			UserID:        userID,
			SourceEventID: post.SourceEventID,
		}
		if err := m.bus.Publish(ctx, internal.TopicPublishRequested, event); err != nil {
			// The sweeper picks the post up from the store; losing the
			// message only delays the first attempt.
			m.logger.Printf("publish request enqueue failed for post %s: %v", postID, err)
		}
	}
	return nil
}

// Claim attempts the PublishRequested → Publishing compare-and-set. claimed
// reports whether this caller won; losing is a benign no-op for the racing
// worker.
func (m *Manager) Claim(ctx context.Context, postID string) (*storage.PostRecord, bool, error) {
	moved, err := m.posts.Transition(ctx, postID,
		guard(StatePublishing, StatePublishRequested),
		string(StatePublishing),
		nil,
	)
	if err != nil {
		return nil, false, err
	}
	if !moved {
		return nil, false, nil
	}
	post, err := m.posts.Get(ctx, postID)
	if err != nil {
		return nil, true, err
	}
	return post, true, nil
}

// CompletePublish records a successful publish. A post deleted while the
// attempt was in flight is cleaned up afterwards.
func (m *Manager) CompletePublish(ctx context.Context, postID, externalPostID string, publishedAt time.Time) error {
	moved, err := m.posts.Transition(ctx, postID,
		guard(StatePublished, StatePublishing),
		string(StatePublished),
		map[string]interface{}{
			"external_post_id": externalPostID,
			"published_at":     publishedAt,
			"last_error":       "",
		},
	)
	if err != nil {
		return err
	}
	if !moved {
		// A post deleted mid-flight can no longer transition; the delete
		// wins and the row is removed without an error.
		if removed, err := m.removeIfDeleted(ctx, postID); err != nil || removed {
			return err
		}
		return m.currentTransitionError(ctx, postID, StatePublished)
	}
	return nil
}

// FailPublish records a failed attempt. Retryable failures return the post
// to PublishRequested with a backoff-scheduled next attempt until the cap;
// permanent failures and exhausted attempts are terminal.
func (m *Manager) FailPublish(ctx context.Context, postID string, attempts int, cause error, retryable bool) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	if err := m.posts.RecordAttempt(ctx, postID, message); err != nil {
		return err
	}
	attempts++

	if retryable && attempts < m.cfg.MaxAttempts {
		next := time.Now().UTC().Add(m.cfg.Backoff(attempts))
		moved, err := m.posts.Transition(ctx, postID,
			guard(StatePublishRequested, StatePublishing),
			string(StatePublishRequested),
			map[string]interface{}{"next_attempt_at": next},
		)
		if err != nil {
			return err
		}
		if !moved {
			if removed, err := m.removeIfDeleted(ctx, postID); err != nil || removed {
				return err
			}
			return m.currentTransitionError(ctx, postID, StatePublishRequested)
		}
		return nil
	}

	moved, err := m.posts.Transition(ctx, postID,
		guard(StateFailed, StatePublishing),
		string(StateFailed),
		map[string]interface{}{"next_attempt_at": nil},
	)
	if err != nil {
		return err
	}
	if !moved {
		if removed, err := m.removeIfDeleted(ctx, postID); err != nil || removed {
			return err
		}
		return m.currentTransitionError(ctx, postID, StateFailed)
	}
	return nil
}

// Delete removes a post from future publish consideration. Draft,
// Customized, PublishRequested, and terminal posts are removed at once; a
// post mid-publish is marked and cleaned up after its in-flight attempt —
// the network call is never interrupted.
func (m *Manager) Delete(ctx context.Context, postID, userID string) error {
	post, err := m.owned(ctx, postID, userID)
	if err != nil {
		return err
	}
	if State(post.State) == StatePublishing {
		return m.posts.MarkDeleted(ctx, postID)
	}
	return m.posts.Delete(ctx, postID)
}

// ListPosts returns a user's posts, failures included, newest first.
func (m *Manager) ListPosts(ctx context.Context, userID string) ([]storage.PostRecord, error) {
	return m.posts.ListByUser(ctx, userID)
}

func (m *Manager) owned(ctx context.Context, postID, userID string) (*storage.PostRecord, error) {
	post, err := m.posts.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if userID != "" && post.UserID != userID {
		return nil, ErrNotOwner
	}
	return post, nil
}

// removeIfDeleted finishes a deferred delete: once the in-flight attempt
// has settled, a soft-deleted row is removed for good. removed reports
// whether the post is gone (now or already).
func (m *Manager) removeIfDeleted(ctx context.Context, postID string) (bool, error) {
	post, err := m.posts.Get(ctx, postID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if post.DeletedAt != nil {
		if err := m.posts.Delete(ctx, postID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (m *Manager) transitionError(ctx context.Context, postID string, observed State, target State) error {
	// The CAS lost; report against the state the row holds now.
	if current, err := m.posts.Get(ctx, postID); err == nil {
		observed = State(current.State)
	}
	return &InvalidTransitionError{PostID: postID, From: observed, To: target}
}

func (m *Manager) currentTransitionError(ctx context.Context, postID string, target State) error {
	post, err := m.posts.Get(ctx, postID)
	if err != nil {
		return fmt.Errorf("post %s: transition to %s lost and lookup failed: %w", postID, target, err)
	}
	return &InvalidTransitionError{PostID: postID, From: State(post.State), To: target}
}
