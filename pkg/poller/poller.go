// Package poller is the fallback ingestion path for repositories where a
// webhook cannot be installed: it walks the GitHub events API for every
// active monitor and feeds qualifying events through the same pipeline
// the webhook uses. Dedup by event ID makes overlap with webhook
// deliveries harmless.
package poller

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"autopost/internal"
	"autopost/pkg/pipeline"
	"autopost/pkg/storage"

	"github.com/google/go-github/v57/github"
)

// eventIDPrefix keys polled events into the same dedup space as webhook
// deliveries without ever colliding with a delivery GUID.
const eventIDPrefix = "poll-"

// Poller drives periodic event sweeps.
type Poller struct {
	client   *github.Client
	monitors storage.MonitorStore
	pipeline *pipeline.Pipeline
	interval time.Duration
	logger   *log.Logger
	perPage  int
}

func New(token, baseURL string, monitors storage.MonitorStore, pipe *pipeline.Pipeline, interval time.Duration, logger *log.Logger) (*Poller, error) {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, err
		}
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = internal.NewLogger("poller")
	}
	return &Poller{
		client:   client,
		monitors: monitors,
		pipeline: pipe,
		interval: interval,
		logger:   logger,
		perPage:  50,
	}, nil
}

// Run blocks, sweeping all active monitors at the configured interval.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.SweepAll(ctx); err != nil {
				p.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// SweepAll polls every active monitor once.
func (p *Poller) SweepAll(ctx context.Context) error {
	active, err := p.monitors.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, monitor := range active {
		if err := p.sweepMonitor(ctx, monitor); err != nil {
			p.logger.Printf("poll %s failed: %v", monitor.RepositoryName, err)
		}
	}
	return nil
}

func (p *Poller) sweepMonitor(ctx context.Context, monitor storage.MonitorRecord) error {
	owner, repo, ok := splitRepo(monitor.RepositoryName)
	if !ok {
		p.logger.Printf("monitor %s has no owner/repo name, skipping", monitor.RepositoryID)
		return nil
	}

	events, _, err := p.client.Activity.ListRepositoryEvents(ctx, owner, repo, &github.ListOptions{PerPage: p.perPage})
	if err != nil {
		return err
	}

	// The API returns newest first; replay oldest first so the high-water
	// mark advances monotonically instead of marking everything stale.
	for i := len(events) - 1; i >= 0; i-- {
		evt, ok := p.normalize(events[i])
		if !ok {
			continue
		}
		if _, _, err := p.pipeline.Process(ctx, evt); err != nil {
			p.logger.Printf("process polled event %s failed: %v", evt.EventID, err)
		}
	}
	return p.monitors.SetPolled(ctx, monitor.RepositoryID, time.Now().UTC())
}

func (p *Poller) normalize(event *github.Event) (internal.RepositoryEvent, bool) {
	out := internal.RepositoryEvent{
		EventID:        eventIDPrefix + event.GetID(),
		RepositoryID:   strconv.FormatInt(event.GetRepo().GetID(), 10),
		RepositoryName: event.GetRepo().GetName(),
		OccurredAt:     event.GetCreatedAt().Time.UTC(),
	}
	if event.GetActor() != nil {
		out.Summary.SenderLogin = event.GetActor().GetLogin()
	}

	payload, err := event.ParsePayload()
	if err != nil {
		return out, false
	}

	switch typed := payload.(type) {
	case *github.PushEvent:
		if len(typed.Commits) == 0 {
			return out, false
		}
		out.EventType = internal.EventPush
		out.Summary.CommitCount = len(typed.Commits)
		out.Summary.Ref = typed.GetRef()
		out.Summary.HeadMessage = typed.Commits[len(typed.Commits)-1].GetMessage()
		if out.Summary.SenderLogin == "" {
			out.Summary.SenderLogin = typed.GetPusher().GetLogin()
		}
		return out, true
	case *github.ReleaseEvent:
		if typed.GetAction() != "published" {
			return out, false
		}
		out.EventType = internal.EventRelease
		out.Summary.ReleaseTag = typed.GetRelease().GetTagName()
		out.Summary.ReleaseName = typed.GetRelease().GetName()
		return out, true
	case *github.PullRequestEvent:
		if typed.GetAction() != "closed" || !typed.GetPullRequest().GetMerged() {
			return out, false
		}
		out.EventType = internal.EventPullRequestMerged
		out.Summary.PullRequestTitle = typed.GetPullRequest().GetTitle()
		out.Summary.PullRequestNumber = typed.GetNumber()
		if at := typed.GetPullRequest().GetMergedAt(); !at.IsZero() {
			out.OccurredAt = at.Time.UTC()
		}
		return out, true
	default:
		return out, false
	}
}

func splitRepo(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
