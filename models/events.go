package models

import (
	"time"
)

// KVEntry is one key of the event store when it is kept in SQL. Keys follow
// the event:, sequence: and snapshot: layout.
type KVEntry struct {
	Key       string    `gorm:"column:entry_key;primaryKey;size:512" json:"key"`
	Value     []byte    `gorm:"column:entry_value" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the table name
func (KVEntry) TableName() string {
	return "kv_entries"
}
