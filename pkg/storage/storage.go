// Package storage defines the persistence records and store interfaces for
// the posting pipeline. Implementations live in the per-table subpackages
// and are backed by GORM.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config selects the SQL backend shared by all stores.
type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// Delivery outcomes recorded in the webhook log.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// WebhookLogRecord is one append-only audit row per verified delivery,
// accepted or rejected. Never mutated after insert except the processed
// flag set by the pipeline.
type WebhookLogRecord struct {
	EventID       string
	Outcome       string
	Reason        string
	EventType     string
	RepositoryID  string
	PayloadDigest string
	ReceivedAt    time.Time
	Processed     bool
}

// EventRecord is a persisted normalized repository event. Immutable.
type EventRecord struct {
	EventID        string
	RepositoryID   string
	RepositoryName string
	EventType      string
	OccurredAt     time.Time
	PayloadDigest  string
	Summary        []byte
	CreatedAt      time.Time
}

// MonitorRecord is the per-repository monitoring subscription, including
// the sequencing high-water mark.
type MonitorRecord struct {
	UserID           string
	RepositoryID     string
	RepositoryName   string
	Active           bool
	EventTypeFilters []string
	Rules            []string
	Tone             string
	LastProcessedID  string
	LastProcessedAt  time.Time
	LastPolledAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PostRecord is a LinkedIn post across its whole lifecycle, from generated
// draft to terminal state. SourceEventID is unique across all rows.
type PostRecord struct {
	PostID            string
	SourceEventID     string
	UserID            string
	RepositoryID      string
	Content           string
	CustomizedContent string
	Tone              string
	State             string
	PublishAttempts   int
	LastError         string
	NextAttemptAt     *time.Time
	PublishedAt       *time.Time
	ExternalPostID    string
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EventStore records deliveries and normalized events.
type EventStore interface {
	// AppendLog inserts an audit row. For a given (event_id, outcome) the
	// insert is create-if-absent; inserted reports whether this call won,
	// which is the delivery dedup signal.
	AppendLog(ctx context.Context, record WebhookLogRecord) (inserted bool, err error)
	// MarkProcessed flags the accepted log row once downstream stages ran.
	MarkProcessed(ctx context.Context, eventID string) error
	// InsertEvent persists a normalized event. Idempotent on event_id.
	InsertEvent(ctx context.Context, record EventRecord) error
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
	GetLog(ctx context.Context, eventID string) ([]WebhookLogRecord, error)
	Close() error
}

// MonitorStore manages monitoring subscriptions and high-water marks.
type MonitorStore interface {
	Upsert(ctx context.Context, record MonitorRecord) error
	Get(ctx context.Context, repositoryID string) (*MonitorRecord, error)
	ListByUser(ctx context.Context, userID string) ([]MonitorRecord, error)
	// ListActive returns every monitor currently enabled, oldest-polled
	// first so the poller spreads attention fairly.
	ListActive(ctx context.Context) ([]MonitorRecord, error)
	// SetActive toggles monitoring without deleting history.
	SetActive(ctx context.Context, repositoryID string, active bool) error
	// Advance moves the high-water mark to (eventID, occurredAt) iff the
	// stored mark is not newer. The conditional update keeps the mark
	// correct across concurrent worker instances.
	Advance(ctx context.Context, repositoryID, eventID string, occurredAt time.Time) (advanced bool, err error)
	SetPolled(ctx context.Context, repositoryID string, at time.Time) error
	Close() error
}

// PostStore manages LinkedIn post rows. State strings are owned by the
// lifecycle package; the store only moves them atomically.
type PostStore interface {
	// CreateIfAbsent inserts the record unless a row with the same
	// source_event_id exists, in which case the existing row is returned.
	// created reports whether this call inserted.
	CreateIfAbsent(ctx context.Context, record PostRecord) (post *PostRecord, created bool, err error)
	Get(ctx context.Context, postID string) (*PostRecord, error)
	GetBySourceEvent(ctx context.Context, sourceEventID string) (*PostRecord, error)
	ListByUser(ctx context.Context, userID string) ([]PostRecord, error)
	// Transition is a compare-and-set on state: the row moves to the target
	// state, applying updates, only if its current state is one of from and
	// it is not deleted. moved reports whether this call won the race.
	Transition(ctx context.Context, postID string, from []string, to string, updates map[string]interface{}) (moved bool, err error)
	// RecordAttempt increments publish_attempts and stores the error text.
	RecordAttempt(ctx context.Context, postID string, lastError string) error
	// ListDue returns non-deleted posts in the given state whose
	// next_attempt_at is unset or due, oldest first.
	ListDue(ctx context.Context, state string, now time.Time, limit int) ([]PostRecord, error)
	// MarkDeleted soft-deletes a post; used while a publish is in flight.
	MarkDeleted(ctx context.Context, postID string) error
	// Delete removes a post row permanently.
	Delete(ctx context.Context, postID string) error
	Close() error
}

// ErrNotFound is returned by Get operations when no row matches.
var ErrNotFound = errors.New("storage: record not found")

// OpenDB opens a GORM handle for the configured backend.
func OpenDB(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	switch NormalizeDriver(cfg.Driver) {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// NormalizeDriver maps driver aliases to canonical names.
func NormalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return ""
	}
}

// CloseDB closes the underlying sql.DB of a GORM handle.
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
