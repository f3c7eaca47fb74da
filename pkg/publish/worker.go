// Package publish runs the outbound side: a handler that claims a post
// and shares it on LinkedIn, and a sweeper that re-queues posts whose
// backoff has elapsed. All retry state lives in the database, so a
// restart mid-backoff loses nothing and no goroutine ever sleeps on a
// post.
package publish

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"autopost/internal"
	"autopost/pkg/credentials"
	"autopost/pkg/lifecycle"
	"autopost/pkg/linkedin"
	"autopost/pkg/storage"
	"autopost/pkg/worker"
)

// Handler publishes one post per job.
type Handler struct {
	manager *lifecycle.Manager
	creds   credentials.Provider
	client  *linkedin.Client
	cfg     internal.PublishConfig
	logger  *log.Logger

	mu      sync.Mutex
	members map[string]string
}

func NewHandler(manager *lifecycle.Manager, creds credentials.Provider, client *linkedin.Client, cfg internal.PublishConfig, logger *log.Logger) *Handler {
	if logger == nil {
		logger = internal.NewLogger("publish")
	}
	return &Handler{
		manager: manager,
		creds:   creds,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		members: make(map[string]string),
	}
}

// Handle claims the post and runs one publish attempt. A lost claim is a
// benign no-op: another worker owns the post, or it was already resolved.
func (h *Handler) Handle(ctx context.Context, job *worker.Job) error {
	post, claimed, err := h.manager.Claim(ctx, job.PostID)
	if err != nil {
		return err
	}
	if !claimed {
		h.logger.Printf("post %s not claimable, skipping", job.PostID)
		return nil
	}

	token := job.Credential
	if token == "" {
		token, err = h.creds.Token(ctx, post.UserID)
		if err != nil {
			// A missing or unrefreshable grant is terminal; anything else
			// (token endpoint down, context timeout) is worth retrying.
			var authErr *credentials.AuthError
			if errors.As(err, &authErr) {
				return h.fail(ctx, post, err, false, "auth_failed")
			}
			return h.fail(ctx, post, err, true, "attempt_failed")
		}
	}

	member, err := h.memberID(ctx, post.UserID, token)
	if err != nil {
		if linkedin.IsAuthError(err) {
			return h.fail(ctx, post, err, false, "auth_failed")
		}
		return h.fail(ctx, post, err, linkedin.Retryable(err), "attempt_failed")
	}

	content := post.Content
	if post.CustomizedContent != "" {
		content = post.CustomizedContent
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout())
	defer cancel()
	externalID, err := h.client.CreatePost(callCtx, token, member, content)
	if err != nil {
		if linkedin.IsAuthError(err) {
			return h.fail(ctx, post, err, false, "auth_failed")
		}
		return h.fail(ctx, post, err, linkedin.Retryable(err), "attempt_failed")
	}

	if err := h.manager.CompletePublish(ctx, post.PostID, externalID, time.Now().UTC()); err != nil {
		// The share went out; only our bookkeeping failed. Surface it so
		// operators see the divergence, but never re-attempt the share.
		h.logger.Printf("post %s published as %s but completion failed: %v", post.PostID, externalID, err)
		return err
	}
	internal.IncPublish("published")
	h.logger.Printf("post %s published as %s (attempt %d)", post.PostID, externalID, post.PublishAttempts+1)
	return nil
}

// memberID maps our user ID to the LinkedIn member ID the token belongs
// to, asking the userinfo endpoint once per user and caching the answer.
func (h *Handler) memberID(ctx context.Context, userID, token string) (string, error) {
	h.mu.Lock()
	member, ok := h.members[userID]
	h.mu.Unlock()
	if ok {
		return member, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout())
	defer cancel()
	member, err := h.client.Profile(callCtx, token)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.members[userID] = member
	h.mu.Unlock()
	return member, nil
}

func (h *Handler) fail(ctx context.Context, post *storage.PostRecord, cause error, retryable bool, outcome string) error {
	internal.IncPublish(outcome)
	h.logger.Printf("post %s attempt %d failed (retryable=%t): %v", post.PostID, post.PublishAttempts+1, retryable, cause)
	if err := h.manager.FailPublish(ctx, post.PostID, post.PublishAttempts, cause, retryable); err != nil {
		return errors.Join(cause, err)
	}
	return nil
}

// Sweeper periodically re-queues publish-requested posts whose next
// attempt is due. It is the only source of delayed retries.
type Sweeper struct {
	posts  storage.PostStore
	bus    internal.Publisher
	cfg    internal.PublishConfig
	logger *log.Logger
	limit  int
}

func NewSweeper(posts storage.PostStore, bus internal.Publisher, cfg internal.PublishConfig, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = internal.NewLogger("sweeper")
	}
	return &Sweeper{posts: posts, bus: bus, cfg: cfg, logger: logger, limit: 100}
}

// Run blocks, sweeping at the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("re-queued %d due post(s)", n)
			}
		}
	}
}

// Sweep enqueues every due post once. Duplicate enqueues are harmless:
// the claim compare-and-set lets exactly one handler through.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.posts.ListDue(ctx, string(lifecycle.StatePublishRequested), time.Now().UTC(), s.limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, post := range due {
		evt := internal.BusEvent{
			Kind:          "publish_requested",
			PostID:        post.PostID,
			UserID:        post.UserID,
			SourceEventID: post.SourceEventID,
			Attempt:       post.PublishAttempts,
		}
		if err := s.bus.Publish(ctx, internal.TopicPublishRequested, evt); err != nil {
			s.logger.Printf("enqueue post %s failed: %v", post.PostID, err)
			continue
		}
		queued++
	}
	return queued, nil
}
