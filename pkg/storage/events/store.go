// Package events implements storage.EventStore on top of GORM: the
// append-only webhook delivery log plus the normalized event history.
package events

import (
	"context"
	"errors"
	"time"

	"autopost/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.EventStore.
type Store struct {
	db *gorm.DB
}

type logRow struct {
	ID            uint      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string    `gorm:"column:event_id;size:128;not null;uniqueIndex:idx_delivery,priority:1"`
	Outcome       string    `gorm:"column:outcome;size:16;not null;uniqueIndex:idx_delivery,priority:2"`
	Reason        string    `gorm:"column:reason;size:64"`
	EventType     string    `gorm:"column:event_type;size:64"`
	RepositoryID  string    `gorm:"column:repository_id;size:128;index"`
	PayloadDigest string    `gorm:"column:payload_digest;size:64"`
	ReceivedAt    time.Time `gorm:"column:received_at;not null"`
	Processed     bool      `gorm:"column:processed;not null;default:false"`
}

func (logRow) TableName() string { return "webhook_event_log" }

type eventRow struct {
	EventID        string    `gorm:"column:event_id;size:128;primaryKey"`
	RepositoryID   string    `gorm:"column:repository_id;size:128;index"`
	RepositoryName string    `gorm:"column:repository_name;size:255"`
	EventType      string    `gorm:"column:event_type;size:64;not null"`
	OccurredAt     time.Time `gorm:"column:occurred_at;not null;index"`
	PayloadDigest  string    `gorm:"column:payload_digest;size:64"`
	Summary        []byte    `gorm:"column:summary"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (eventRow) TableName() string { return "repository_events" }

// Open creates a GORM-backed event store.
func Open(cfg storage.Config) (*Store, error) {
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&logRow{}, &eventRow{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// New wraps an existing GORM handle, migrating the tables it owns.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.AutoMigrate(&logRow{}, &eventRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return storage.CloseDB(s.db)
}

// AppendLog inserts an audit row; ON CONFLICT DO NOTHING on
// (event_id, outcome) makes the accepted row the atomic dedup guard.
func (s *Store) AppendLog(ctx context.Context, record storage.WebhookLogRecord) (bool, error) {
	if record.EventID == "" {
		return false, errors.New("event_id is required")
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now().UTC()
	}
	row := logRow{
		EventID:       record.EventID,
		Outcome:       record.Outcome,
		Reason:        record.Reason,
		EventType:     record.EventType,
		RepositoryID:  record.RepositoryID,
		PayloadDigest: record.PayloadDigest,
		ReceivedAt:    record.ReceivedAt,
		Processed:     record.Processed,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}, {Name: "outcome"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).
		Model(&logRow{}).
		Where("event_id = ? AND outcome = ?", eventID, storage.OutcomeAccepted).
		Update("processed", true).Error
}

// InsertEvent persists a normalized event; redeliveries are a no-op.
func (s *Store) InsertEvent(ctx context.Context, record storage.EventRecord) error {
	if record.EventID == "" {
		return errors.New("event_id is required")
	}
	row := eventRow{
		EventID:        record.EventID,
		RepositoryID:   record.RepositoryID,
		RepositoryName: record.RepositoryName,
		EventType:      record.EventType,
		OccurredAt:     record.OccurredAt,
		PayloadDigest:  record.PayloadDigest,
		Summary:        record.Summary,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*storage.EventRecord, error) {
	var row eventRow
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := storage.EventRecord{
		EventID:        row.EventID,
		RepositoryID:   row.RepositoryID,
		RepositoryName: row.RepositoryName,
		EventType:      row.EventType,
		OccurredAt:     row.OccurredAt,
		PayloadDigest:  row.PayloadDigest,
		Summary:        row.Summary,
		CreatedAt:      row.CreatedAt,
	}
	return &record, nil
}

func (s *Store) GetLog(ctx context.Context, eventID string) ([]storage.WebhookLogRecord, error) {
	var rows []logRow
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.WebhookLogRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, storage.WebhookLogRecord{
			EventID:       row.EventID,
			Outcome:       row.Outcome,
			Reason:        row.Reason,
			EventType:     row.EventType,
			RepositoryID:  row.RepositoryID,
			PayloadDigest: row.PayloadDigest,
			ReceivedAt:    row.ReceivedAt,
			Processed:     row.Processed,
		})
	}
	return records, nil
}
