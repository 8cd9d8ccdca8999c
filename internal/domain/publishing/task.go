// Package publishing defines the publication domain model and store port.
//
// A Task represents one future publication of a media artifact. The store is
// the sole arbiter of task state: workers claim tasks through it, never cache
// state, and every mutation bumps the optimistic-lock version.
package publishing

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a publishing task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsValid reports whether the status is one of the recognized values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Task is one unit of scheduled publication work.
type Task struct {
	ID        int64 `json:"id"`
	ProjectID int64 `json:"project_id"`
	SourceID  int64 `json:"source_id"`

	// MediaPath is the natural key within a project: root-relative,
	// slash-separated. UNIQUE(project_id, media_path) at the store.
	MediaPath string `json:"media_path"`

	// ContentData is the metadata snapshot captured at ingest. Typed readers
	// validate at the scanner and generator edges.
	ContentData json.RawMessage `json:"content_data,omitempty"`

	Status      Status    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Priority    int       `json:"priority"`
	RetryCount  int       `json:"retry_count"`

	// Version is the optimistic-lock token; it increases on every mutation.
	Version int64 `json:"version"`

	// Claim lease. Set while running; cleared on completion.
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogStatus classifies one execution attempt in the publishing log.
type LogStatus string

const (
	LogSuccess      LogStatus = "success"
	LogTransient    LogStatus = "transient"
	LogQuota        LogStatus = "quota"
	LogPermanent    LogStatus = "permanent"
	LogLeaseExpired LogStatus = "lease_expired"
)

// Log is an immutable record of one execution attempt. Created by the worker
// (or by stale-claim recovery), never updated.
type Log struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	ProjectID   int64     `json:"project_id"`
	Status      LogStatus `json:"status"`
	PlatformID  string    `json:"platform_id,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	ErrorText   string    `json:"error_text,omitempty"`
	DurationS   float64   `json:"duration_s"`
	PublishedAt time.Time `json:"published_at"`

	// RolledUp marks log rows already folded into the hourly aggregates.
	RolledUp bool `json:"rolled_up"`
}

// OutcomeKind maps a publisher result onto a task transition.
type OutcomeKind int

const (
	// OutcomeSuccess transitions the task to terminal success.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeTransient returns the task to pending with backoff.
	OutcomeTransient
	// OutcomeQuota returns the task to pending after a governor cooldown.
	OutcomeQuota
	// OutcomePermanent transitions the task to terminal failed.
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeQuota:
		return "quota"
	case OutcomePermanent:
		return "permanent"
	default:
		return "?"
	}
}

// Outcome carries the result of one execution into CompleteTask.
type Outcome struct {
	Kind OutcomeKind

	// RetryAt is the next scheduled_at for transient and quota outcomes.
	RetryAt time.Time

	// MaxRetries is the configured terminal-failure threshold; when the
	// incremented retry_count exceeds it the task fails regardless of Kind.
	MaxRetries int

	ErrorText string

	// Reason tags terminal failures (e.g. "cancelled", "invariant").
	Reason string
}

// ContentData is the typed shape of a task's metadata snapshot. The blob in
// the store stays opaque; this is what the scanner validates at ingest and
// the generator reads at the egress edge.
type ContentData struct {
	Caption   string            `json:"caption,omitempty"`
	Title     string            `json:"title,omitempty"`
	Hashtags  []string          `json:"hashtags,omitempty"`
	MediaKind string            `json:"media_kind,omitempty"` // "video", "image", "text"
	Language  string            `json:"language,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ParseContentData validates and decodes a content blob.
func ParseContentData(raw json.RawMessage) (ContentData, error) {
	var data ContentData
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ContentData{}, err
	}
	return data, nil
}
