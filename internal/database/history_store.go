package database

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/gluk-w/ovsdb-viewer/internal/history"
)

// HistoryStore persists connection history in the history_entries table.
type HistoryStore struct {
	db *gorm.DB
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Load(ctx context.Context) ([]history.Record, error) {
	var entries []HistoryEntry
	if err := s.db.WithContext(ctx).Order("position").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	records := make([]history.Record, 0, len(entries))
	for _, e := range entries {
		var rec history.Record
		if err := json.Unmarshal([]byte(e.Payload), &rec); err != nil {
			return nil, fmt.Errorf("decode history entry %d: %w", e.Position, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save replaces every stored entry with records in one transaction.
func (s *HistoryStore) Save(ctx context.Context, records []history.Record) error {
	entries := make([]HistoryEntry, 0, len(records))
	for i, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode history entry %d: %w", i, err)
		}
		entries = append(entries, HistoryEntry{Position: i, Payload: string(payload)})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&HistoryEntry{}).Error; err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}
