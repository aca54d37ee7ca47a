package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is one persisted key/value row.
type Record struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Value     []byte    `gorm:"type:mediumblob;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Record) TableName() string { return "webchat_state" }

// GormStore persists state in MySQL through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the state table.
func NewGormStore(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("gorm store: STORAGE_DSN is required for the mysql driver")
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB wraps an existing connection, migrating the state table.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var record Record
	result := s.db.WithContext(ctx).First(&record, "`key` = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get %q: %w", key, result.Error)
	}
	return record.Value, true, nil
}

func (s *GormStore) Put(ctx context.Context, key string, value []byte) error {
	record := Record{Key: key, Value: value}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to put %q: %w", key, result.Error)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Delete(&Record{}, "`key` = ?", key)
	if result.Error != nil {
		return fmt.Errorf("failed to delete %q: %w", key, result.Error)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
