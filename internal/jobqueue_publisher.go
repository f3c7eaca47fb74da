package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// jobQueuePublisher inserts bus events as rows into a River-compatible SQL
// job table, for deployments that drain the publish queue with an external
// job runner instead of a broker.
type jobQueuePublisher struct {
	db  *sql.DB
	cfg JobQueueConfig
}

func newJobQueuePublisher(cfg JobQueueConfig) (*jobQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobqueue dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &jobQueuePublisher{db: db, cfg: cfg}, nil
}

// Publish inserts a new job row carrying the bus event as its args.
func (p *jobQueuePublisher) Publish(ctx context.Context, topic string, event BusEvent) error {
	argsPayload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	metadata := map[string]interface{}{
		"kind":    event.Kind,
		"post_id": event.PostID,
		"topic":   topic,
	}
	metadataPayload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "autopost_job"
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		table,
	)

	_, err = p.db.ExecContext(
		ctx,
		query,
		string(argsPayload),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadataPayload),
		p.cfg.Priority,
		p.cfg.Queue,
		pq.Array(p.cfg.Tags),
	)
	return err
}

func (p *jobQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
