// Package webhook verifies inbound GitHub deliveries and hands normalized
// events to the pipeline. Signature checking (constant-time HMAC-SHA256)
// and payload parsing are done by go-playground/webhooks; every verified
// delivery — accepted or rejected — leaves an audit row.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"autopost/internal"
	"autopost/pkg/pipeline"
	"autopost/pkg/storage"

	"github.com/go-playground/webhooks/v6/github"
)

// Verification failure classes. The raw library errors are mapped onto
// these so callers and tests see a stable taxonomy.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// githubEvents is the set of deliveries the handler asks the library to
// verify and parse. Everything else is answered but never enters the
// pipeline.
var githubEvents = []github.Event{
	github.PushEvent,
	github.ReleaseEvent,
	github.PullRequestEvent,
	github.PingEvent,
}

// GitHubHandler is the inbound webhook endpoint.
type GitHubHandler struct {
	hook     *github.Webhook
	pipeline *pipeline.Pipeline
	events   storage.EventStore
	logger   *log.Logger
	maxBody  int64
}

func NewGitHubHandler(secret string, pipe *pipeline.Pipeline, events storage.EventStore, maxBody int64, logger *log.Logger) (*GitHubHandler, error) {
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &GitHubHandler{hook: hook, pipeline: pipe, events: events, logger: logger, maxBody: maxBody}, nil
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	digest := internal.PayloadDigest(rawBody)
	if deliveryID == "" {
		// Dedup falls back to the content digest when the provider omits
		// the delivery ID.
		deliveryID = digest
	}
	eventName := r.Header.Get("X-GitHub-Event")
	internal.IncDelivery(eventName)

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		h.reject(r, w, deliveryID, eventName, digest, err)
		return
	}

	switch typed := payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
		return
	case github.PushPayload, github.ReleasePayload, github.PullRequestPayload:
		_ = typed
	default:
		h.ignore(r, w, deliveryID, eventName, digest, "unsupported_event")
		return
	}

	evt, ok := normalizeGitHub(deliveryID, eventName, digest, rawBody)
	if !ok {
		// Verified and well-formed, but not a postable shape (empty push,
		// unmerged PR close, draft release). Audit and stop.
		h.ignore(r, w, deliveryID, eventName, digest, "not_postable")
		return
	}

	outcome, _, err := h.pipeline.Process(r.Context(), evt)
	if err != nil {
		h.logger.Printf("process event=%s failed: %v", evt.EventID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

// reject classifies a verification failure, records the rejection, and
// answers. Rejected payloads are never parsed further, but the audit row
// keeps spoofed traffic reviewable.
func (h *GitHubHandler) reject(r *http.Request, w http.ResponseWriter, deliveryID, eventName, digest string, cause error) {
	reason := "malformed_payload"
	status := http.StatusBadRequest
	class := ErrMalformedPayload
	switch {
	case errors.Is(cause, github.ErrHMACVerificationFailed),
		errors.Is(cause, github.ErrMissingHubSignatureHeader):
		reason = "invalid_signature"
		status = http.StatusUnauthorized
		class = ErrInvalidSignature
	case errors.Is(cause, github.ErrEventNotFound),
		errors.Is(cause, github.ErrEventNotSpecifiedToParse):
		reason = "unsupported_event"
		status = http.StatusAccepted
	}

	internal.IncRejected(reason)
	h.logger.Printf("delivery %s rejected (%s): %v: %v", deliveryID, reason, class, cause)
	if _, err := h.events.AppendLog(r.Context(), storage.WebhookLogRecord{
		EventID:       deliveryID,
		Outcome:       storage.OutcomeRejected,
		Reason:        reason,
		EventType:     eventName,
		PayloadDigest: digest,
	}); err != nil {
		h.logger.Printf("rejection audit failed for %s: %v", deliveryID, err)
	}
	w.WriteHeader(status)
}

// ignore audits a verified delivery that produces no pipeline work.
func (h *GitHubHandler) ignore(r *http.Request, w http.ResponseWriter, deliveryID, eventName, digest, reason string) {
	internal.IncSkipped(reason)
	if _, err := h.events.AppendLog(r.Context(), storage.WebhookLogRecord{
		EventID:       deliveryID,
		Outcome:       storage.OutcomeAccepted,
		Reason:        reason,
		EventType:     eventName,
		PayloadDigest: digest,
		Processed:     true,
	}); err != nil {
		h.logger.Printf("audit failed for %s: %v", deliveryID, err)
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": reason})
}

// Normalization reads the raw body with minimal local shapes rather than
// the full library structs: only the fields templates and sequencing use.

type pushBody struct {
	Ref     string `json:"ref"`
	Commits []struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"commits"`
	HeadCommit *struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"head_commit"`
	Repository repoBody   `json:"repository"`
	Sender     senderBody `json:"sender"`
}

type releaseBody struct {
	Action  string `json:"action"`
	Release struct {
		TagName     string `json:"tag_name"`
		Name        string `json:"name"`
		PublishedAt string `json:"published_at"`
	} `json:"release"`
	Repository repoBody   `json:"repository"`
	Sender     senderBody `json:"sender"`
}

type pullRequestBody struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title    string `json:"title"`
		Merged   bool   `json:"merged"`
		MergedAt string `json:"merged_at"`
	} `json:"pull_request"`
	Repository repoBody   `json:"repository"`
	Sender     senderBody `json:"sender"`
}

type repoBody struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type senderBody struct {
	Login string `json:"login"`
}

// normalizeGitHub maps a verified payload to a RepositoryEvent. ok is
// false for shapes that can never produce a post.
func normalizeGitHub(deliveryID, eventName, digest string, rawBody []byte) (internal.RepositoryEvent, bool) {
	evt := internal.RepositoryEvent{
		EventID:          deliveryID,
		RawPayloadDigest: digest,
		RawPayload:       json.RawMessage(rawBody),
	}

	switch eventName {
	case "push":
		var body pushBody
		if err := json.Unmarshal(rawBody, &body); err != nil {
			return evt, false
		}
		if len(body.Commits) == 0 {
			return evt, false
		}
		evt.EventType = internal.EventPush
		evt.RepositoryID = repoID(body.Repository)
		evt.RepositoryName = repoName(body.Repository)
		evt.Summary = internal.EventSummary{
			CommitCount: len(body.Commits),
			Ref:         body.Ref,
			SenderLogin: body.Sender.Login,
		}
		when := ""
		if body.HeadCommit != nil {
			evt.Summary.HeadMessage = firstLine(body.HeadCommit.Message)
			when = body.HeadCommit.Timestamp
		}
		if when == "" {
			when = body.Commits[len(body.Commits)-1].Timestamp
		}
		evt.OccurredAt = parseEventTime(when)
		return evt, true
	case "release":
		var body releaseBody
		if err := json.Unmarshal(rawBody, &body); err != nil {
			return evt, false
		}
		if body.Action != "published" {
			return evt, false
		}
		evt.EventType = internal.EventRelease
		evt.RepositoryID = repoID(body.Repository)
		evt.RepositoryName = repoName(body.Repository)
		evt.OccurredAt = parseEventTime(body.Release.PublishedAt)
		evt.Summary = internal.EventSummary{
			ReleaseTag:  body.Release.TagName,
			ReleaseName: body.Release.Name,
			SenderLogin: body.Sender.Login,
		}
		return evt, true
	case "pull_request":
		var body pullRequestBody
		if err := json.Unmarshal(rawBody, &body); err != nil {
			return evt, false
		}
		if body.Action != "closed" || !body.PullRequest.Merged {
			return evt, false
		}
		evt.EventType = internal.EventPullRequestMerged
		evt.RepositoryID = repoID(body.Repository)
		evt.RepositoryName = repoName(body.Repository)
		evt.OccurredAt = parseEventTime(body.PullRequest.MergedAt)
		evt.Summary = internal.EventSummary{
			PullRequestTitle:  body.PullRequest.Title,
			PullRequestNumber: body.Number,
			SenderLogin:       body.Sender.Login,
		}
		return evt, true
	default:
		return evt, false
	}
}

func repoID(repo repoBody) string {
	if repo.ID == 0 {
		return repo.FullName
	}
	return strconv.FormatInt(repo.ID, 10)
}

func repoName(repo repoBody) string {
	if repo.Name != "" {
		return repo.Name
	}
	return repo.FullName
}


func parseEventTime(value string) time.Time {
	if value != "" {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func firstLine(message string) string {
	for i := 0; i < len(message); i++ {
		if message[i] == '\n' {
			return message[:i]
		}
	}
	return message
}
