// Package posts implements storage.PostStore. The unique index on
// source_event_id and the compare-and-set Transition are where the
// pipeline's two concurrency invariants actually live.
package posts

import (
	"context"
	"errors"
	"time"

	"autopost/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.PostStore.
type Store struct {
	db *gorm.DB
}

type row struct {
	PostID            string     `gorm:"column:post_id;size:64;primaryKey"`
	SourceEventID     string     `gorm:"column:source_event_id;size:128;not null;uniqueIndex"`
	UserID            string     `gorm:"column:user_id;size:128;not null;index"`
	RepositoryID      string     `gorm:"column:repository_id;size:128;index"`
	Content           string     `gorm:"column:content;type:text"`
	CustomizedContent string     `gorm:"column:customized_content;type:text"`
	Tone              string     `gorm:"column:tone;size:32"`
	State             string     `gorm:"column:state;size:32;not null;index"`
	PublishAttempts   int        `gorm:"column:publish_attempts;not null;default:0"`
	LastError         string     `gorm:"column:last_error;type:text"`
	NextAttemptAt     *time.Time `gorm:"column:next_attempt_at;index"`
	PublishedAt       *time.Time `gorm:"column:published_at"`
	ExternalPostID    string     `gorm:"column:external_post_id;size:255"`
	DeletedAt         *time.Time `gorm:"column:deleted_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (row) TableName() string { return "linkedin_posts" }

// Open creates a GORM-backed post store.
func Open(cfg storage.Config) (*Store, error) {
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// New wraps an existing GORM handle, migrating the table it owns.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := db.AutoMigrate(&row{}); err != nil {
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

// CreateIfAbsent is the atomic exactly-one-draft-per-event guard: the
// insert does nothing on a source_event_id conflict and the existing row
// is returned instead. This holds across process instances, unlike any
// application-level lock.
func (s *Store) CreateIfAbsent(ctx context.Context, record storage.PostRecord) (*storage.PostRecord, bool, error) {
	if record.PostID == "" || record.SourceEventID == "" {
		return nil, false, errors.New("post_id and source_event_id are required")
	}
	data := toRow(record)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_event_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		return nil, false, result.Error
	}
	created := result.RowsAffected > 0
	post, err := s.GetBySourceEvent(ctx, record.SourceEventID)
	if err != nil {
		return nil, created, err
	}
	return post, created, nil
}

func (s *Store) Get(ctx context.Context, postID string) (*storage.PostRecord, error) {
	var data row
	err := s.db.WithContext(ctx).Where("post_id = ?", postID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

func (s *Store) GetBySourceEvent(ctx context.Context, sourceEventID string) (*storage.PostRecord, error) {
	var data row
	err := s.db.WithContext(ctx).Where("source_event_id = ?", sourceEventID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]storage.PostRecord, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.PostRecord, 0, len(rows))
	for _, data := range rows {
		records = append(records, fromRow(data))
	}
	return records, nil
}

// Transition is the publish-claim primitive: an UPDATE guarded by the
// current state, judged by rows affected. Two workers racing on the same
// post see exactly one winner.
func (s *Store) Transition(ctx context.Context, postID string, from []string, to string, updates map[string]interface{}) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source state is required")
	}
	set := map[string]interface{}{"state": to}
	for key, value := range updates {
		set[key] = value
	}
	result := s.db.WithContext(ctx).
		Model(&row{}).
		Where("post_id = ? AND state IN ? AND deleted_at IS NULL", postID, from).
		Updates(set)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) RecordAttempt(ctx context.Context, postID string, lastError string) error {
	return s.db.WithContext(ctx).
		Model(&row{}).
		Where("post_id = ?", postID).
		Updates(map[string]interface{}{
			"publish_attempts": gorm.Expr("publish_attempts + 1"),
			"last_error":       lastError,
		}).Error
}

func (s *Store) ListDue(ctx context.Context, state string, now time.Time, limit int) ([]storage.PostRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Where("state = ? AND deleted_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", state, now).
		Order("updated_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.PostRecord, 0, len(rows))
	for _, data := range rows {
		records = append(records, fromRow(data))
	}
	return records, nil
}

func (s *Store) MarkDeleted(ctx context.Context, postID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&row{}).
		Where("post_id = ? AND deleted_at IS NULL", postID).
		Update("deleted_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, postID string) error {
	result := s.db.WithContext(ctx).Where("post_id = ?", postID).Delete(&row{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func toRow(record storage.PostRecord) row {
	return row{
		PostID:            record.PostID,
		SourceEventID:     record.SourceEventID,
		UserID:            record.UserID,
		RepositoryID:      record.RepositoryID,
		Content:           record.Content,
		CustomizedContent: record.CustomizedContent,
		Tone:              record.Tone,
		State:             record.State,
		PublishAttempts:   record.PublishAttempts,
		LastError:         record.LastError,
		NextAttemptAt:     record.NextAttemptAt,
		PublishedAt:       record.PublishedAt,
		ExternalPostID:    record.ExternalPostID,
		DeletedAt:         record.DeletedAt,
		CreatedAt:         record.CreatedAt,
		UpdatedAt:         record.UpdatedAt,
	}
}

func fromRow(data row) storage.PostRecord {
	return storage.PostRecord{
		PostID:            data.PostID,
		SourceEventID:     data.SourceEventID,
		UserID:            data.UserID,
		RepositoryID:      data.RepositoryID,
		Content:           data.Content,
		CustomizedContent: data.CustomizedContent,
		Tone:              data.Tone,
		State:             data.State,
		PublishAttempts:   data.PublishAttempts,
		LastError:         data.LastError,
		NextAttemptAt:     data.NextAttemptAt,
		PublishedAt:       data.PublishedAt,
		ExternalPostID:    data.ExternalPostID,
		DeletedAt:         data.DeletedAt,
		CreatedAt:         data.CreatedAt,
		UpdatedAt:         data.UpdatedAt,
	}
}
