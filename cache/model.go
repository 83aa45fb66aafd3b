// Package cache provides the persistent chunk cache: an in-memory hot layer
// over a durable GORM-backed store, with eviction policy and hit-ratio
// accounting.
package cache

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a []string stored as a JSON text column.
type StringList []string

// Value implements driver.Valuer for database storage.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database retrieval.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported string list type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Contains reports whether the list contains s.
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// ContainsAny reports whether the list contains any of the given values.
func (l StringList) ContainsAny(values []string) bool {
	for _, v := range values {
		if l.Contains(v) {
			return true
		}
	}
	return false
}

// Metadata is caller-defined key/value data stored as a JSON text column.
type Metadata map[string]string

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Entry is one cached audio payload. The concatenation of its chunk sequence
// equals the original payload bytes.
type Entry struct {
	ID           string     `gorm:"primaryKey;size:255"`
	MimeType     string     `gorm:"size:255"`
	CachedAt     time.Time  `gorm:"index"`
	OriginalSize int64      ``
	Processed    bool       ``
	AccessCount  int64      `gorm:"index"`
	Tags         StringList `gorm:"type:text"`
	Custom       Metadata   `gorm:"type:text"`
	Chunks       []Chunk    `gorm:"foreignKey:EntryID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName overrides the GORM table name.
func (Entry) TableName() string {
	return "entries"
}

// ChunkData returns the entry's chunk sequence in arrival order.
// Chunks must have been loaded.
func (e *Entry) ChunkData() [][]byte {
	out := make([][]byte, len(e.Chunks))
	for i, c := range e.Chunks {
		out[i] = c.Data
	}
	return out
}

// Bytes returns the concatenated payload.
func (e *Entry) Bytes() []byte {
	out := make([]byte, 0, e.OriginalSize)
	for _, c := range e.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Chunk is one ordered slice of an entry's payload.
type Chunk struct {
	EntryID string `gorm:"primaryKey;size:255"`
	Seq     int    `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte `gorm:"type:blob"`
}

// TableName overrides the GORM table name.
func (Chunk) TableName() string {
	return "chunks"
}
