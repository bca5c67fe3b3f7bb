package database

import "time"

// HistoryEntry is one connection history record. Position is the record's
// index in the ordered list; Payload is the record as JSON.
type HistoryEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Position  int       `gorm:"not null;uniqueIndex"`
	Payload   string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Setting keys.
const (
	// SettingLastDatabase remembers the database selected in the most
	// recent session, used as the default for the next connect.
	SettingLastDatabase = "last_database"
)
