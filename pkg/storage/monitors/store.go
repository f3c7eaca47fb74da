// Package monitors implements storage.MonitorStore: per-repository
// monitoring subscriptions and the sequencing high-water mark.
package monitors

import (
	"context"
	"errors"
	"strings"
	"time"

	"autopost/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.MonitorStore.
type Store struct {
	db *gorm.DB
}

type row struct {
	RepositoryID    string     `gorm:"column:repository_id;size:128;primaryKey"`
	UserID          string     `gorm:"column:user_id;size:128;not null;index"`
	RepositoryName  string     `gorm:"column:repository_name;size:255"`
	Active          bool       `gorm:"column:active;not null"`
	EventFilters    string     `gorm:"column:event_filters;size:255"`
	Rules           string     `gorm:"column:rules;type:text"`
	Tone            string     `gorm:"column:tone;size:32"`
	LastProcessedID string     `gorm:"column:last_processed_event_id;size:128"`
	LastProcessedAt time.Time  `gorm:"column:last_processed_at"`
	LastPolledAt    *time.Time `gorm:"column:last_polled_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (row) TableName() string { return "repository_monitors" }

const listSeparator = ","

// Open creates a GORM-backed monitor store.
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

func (s *Store) Upsert(ctx context.Context, record storage.MonitorRecord) error {
	if record.RepositoryID == "" || record.UserID == "" {
		return errors.New("repository_id and user_id are required")
	}
	data := toRow(record)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "repository_name", "active", "event_filters", "rules", "tone", "updated_at"}),
		}).
		Create(&data).Error
}

func (s *Store) Get(ctx context.Context, repositoryID string) (*storage.MonitorRecord, error) {
	var data row
	err := s.db.WithContext(ctx).Where("repository_id = ?", repositoryID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string) ([]storage.MonitorRecord, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("repository_name").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.MonitorRecord, 0, len(rows))
	for _, data := range rows {
		records = append(records, fromRow(data))
	}
	return records, nil
}

// ListActive returns enabled monitors, least recently polled first.
func (s *Store) ListActive(ctx context.Context) ([]storage.MonitorRecord, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("last_polled_at").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.MonitorRecord, 0, len(rows))
	for _, data := range rows {
		records = append(records, fromRow(data))
	}
	return records, nil
}

// SetActive toggles monitoring. The row and its high-water mark survive
// deactivation so history is never lost.
func (s *Store) SetActive(ctx context.Context, repositoryID string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&row{}).
		Where("repository_id = ?", repositoryID).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Advance is a conditional read-modify-write: the mark moves only if the
// stored timestamp is not newer, so concurrent workers cannot move it
// backwards.
func (s *Store) Advance(ctx context.Context, repositoryID, eventID string, occurredAt time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&row{}).
		Where("repository_id = ? AND last_processed_at <= ?", repositoryID, occurredAt).
		Updates(map[string]interface{}{
			"last_processed_event_id": eventID,
			"last_processed_at":       occurredAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) SetPolled(ctx context.Context, repositoryID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&row{}).
		Where("repository_id = ?", repositoryID).
		Update("last_polled_at", at).Error
}

func toRow(record storage.MonitorRecord) row {
	return row{
		RepositoryID:    record.RepositoryID,
		UserID:          record.UserID,
		RepositoryName:  record.RepositoryName,
		Active:          record.Active,
		EventFilters:    strings.Join(record.EventTypeFilters, listSeparator),
		Rules:           strings.Join(record.Rules, "\n"),
		Tone:            record.Tone,
		LastProcessedID: record.LastProcessedID,
		LastProcessedAt: record.LastProcessedAt,
		LastPolledAt:    record.LastPolledAt,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
}

func fromRow(data row) storage.MonitorRecord {
	return storage.MonitorRecord{
		RepositoryID:     data.RepositoryID,
		UserID:           data.UserID,
		RepositoryName:   data.RepositoryName,
		Active:           data.Active,
		EventTypeFilters: splitList(data.EventFilters, listSeparator),
		Rules:            splitList(data.Rules, "\n"),
		Tone:             data.Tone,
		LastProcessedID:  data.LastProcessedID,
		LastProcessedAt:  data.LastProcessedAt,
		LastPolledAt:     data.LastPolledAt,
		CreatedAt:        data.CreatedAt,
		UpdatedAt:        data.UpdatedAt,
	}
}

func splitList(value, sep string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
