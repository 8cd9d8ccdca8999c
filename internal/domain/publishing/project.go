package publishing

import "time"

// Project is a logical content namespace. It exclusively owns its sources,
// tasks and hourly aggregates; deletion cascades at the store boundary.
type Project struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"owner_id"`
	Name        string    `json:"name"` // unique per owner
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SourceType tags what a content source points at.
type SourceType string

const (
	SourceTypeVideoDir SourceType = "video_dir"
	SourceTypeImageDir SourceType = "image_dir"
	SourceTypeMixedDir SourceType = "mixed_dir"
)

// Source is a configured location under a project from which media are
// discovered. Counters are mutated only by the scanner.
type Source struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Path        string     `json:"path"` // relative to the media root
	Type        SourceType `json:"type"`
	Enabled     bool       `json:"enabled"`
	TotalItems  int        `json:"total_items"`
	UsedItems   int        `json:"used_items"`
	LastScanned *time.Time `json:"last_scanned,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// HourlyStat is the roll-up bucket, unique on (hour, project).
type HourlyStat struct {
	Hour            time.Time `json:"hour"`
	ProjectID       int64     `json:"project_id"`
	SuccessfulTasks int       `json:"successful_tasks"`
	FailedTasks     int       `json:"failed_tasks"`
	TotalDurationS  float64   `json:"total_duration_s"`
}

// HourlyDelta is one atomic accumulation into an hour bucket.
type HourlyDelta struct {
	Successful int
	Failed     int
	DurationS  float64
}

// HourOf floors an instant to its UTC hour bucket.
func HourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
