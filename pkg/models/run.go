package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ParamMap is the immutable string-to-string parameter mapping supplied
// when a run is triggered, visible to every script through its
// environment. Stored as JSONB.
type ParamMap map[string]string

func (p *ParamMap) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, p)
}

func (p ParamMap) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// RunRecord is the archived row for a completed run. The live Run
// object is evicted from memory once this record is written; history
// queries read it back.
type RunRecord struct {
	ID          uint     `json:"-" gorm:"primaryKey"`
	Name        string   `json:"name" gorm:"index:idx_name_build,unique;not null"`
	Build       uint     `json:"build" gorm:"index:idx_name_build,unique;not null"`
	ParentName  string   `json:"parent_name,omitempty"`
	ParentBuild uint     `json:"parent_build,omitempty"`
	Params      ParamMap `json:"params,omitempty" gorm:"type:jsonb"`
	Result      string   `json:"result" gorm:"type:varchar(20);not null;index"`
	Reason      string   `json:"reason,omitempty"`
	NodeName    string   `json:"node"`

	// LogRef is an opaque reference into the log store (a local path
	// or an s3:// URL).
	LogRef string `json:"log_ref,omitempty"`

	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at" gorm:"index"`
	CompletedAt time.Time `json:"completed_at"`
}

// Trigger is the payload of a trigger request travelling through the
// queue: which job to build, with what parameters, and which run
// caused it (if any).
type Trigger struct {
	ID          uuid.UUID         `json:"id"`
	Job         string            `json:"job"`
	Params      map[string]string `json:"params,omitempty"`
	ParentName  string            `json:"parent_name,omitempty"`
	ParentBuild uint              `json:"parent_build,omitempty"`
	Source      string            `json:"source,omitempty"` // api, queue, cron, chain
}

// NewTrigger allocates a trigger with a fresh ID.
func NewTrigger(job string, params map[string]string) Trigger {
	return Trigger{ID: uuid.New(), Job: job, Params: params}
}
