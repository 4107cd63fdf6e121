package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StringMap is a map[string]string that persists as a jsonb column.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("domain: cannot scan %T into StringMap", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, m)
}

// ScrapeResult is an immutable record of one engine attempt against a
// task. A task may accumulate several across retries; callers read the
// latest by task_id.
type ScrapeResult struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TaskID         uuid.UUID  `db:"task_id" json:"task_id"`
	StatusCode     int        `db:"status_code" json:"status_code"`
	Body           []byte     `db:"body" json:"-"`
	ContentType    string     `db:"content_type" json:"content_type"`
	Headers        StringMap  `db:"headers" json:"headers,omitempty"`
	Metadata       StringMap  `db:"metadata" json:"metadata,omitempty"`
	Screenshot     []byte     `db:"screenshot" json:"-"`
	ResponseTimeMS int64      `db:"response_time_ms" json:"response_time_ms"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// NewScrapeResult builds a fresh, immutable result row.
func NewScrapeResult(taskID uuid.UUID) *ScrapeResult {
	return &ScrapeResult{
		ID:        uuid.New(),
		TaskID:    taskID,
		CreatedAt: time.Now().UTC(),
	}
}
