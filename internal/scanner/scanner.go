// Package scanner discovers publishable media under a project's content
// sources and turns new files into pending tasks. Scans are idempotent:
// the store deduplicates on (project, media path), so re-scanning the same
// tree only creates tasks for files that appeared since the last pass.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"plume/internal/domain/publishing"
	"plume/internal/logging"
)

// Config controls discovery.
type Config struct {
	// MediaRoot anchors every source path; task media paths are stored
	// relative to it, slash-separated.
	MediaRoot string
	// MediaExtensions lists accepted extensions with the leading dot,
	// lowercase ("" entries are ignored).
	MediaExtensions []string
	// MetadataExtension is the sidecar suffix, normally ".json".
	MetadataExtension string
}

// Report summarizes one scan of one source.
type Report struct {
	SourceID     int64
	Discovered   int // media files seen
	TasksCreated int
	TasksSkipped int // already known to the store
	BadMetadata  int // sidecars that failed to parse
}

// Metrics receives discovery counts per scanned source.
type Metrics interface {
	ScanDiscovered(n int)
}

// Scanner walks sources and feeds the task store.
type Scanner struct {
	store   publishing.Store
	cfg     Config
	exts    map[string]bool
	logger  logging.Logger
	metrics Metrics
}

// New builds a scanner. Extensions are normalized to lowercase.
func New(store publishing.Store, cfg Config, logger logging.Logger) *Scanner {
	if cfg.MetadataExtension == "" {
		cfg.MetadataExtension = ".json"
	}
	exts := make(map[string]bool, len(cfg.MediaExtensions))
	for _, ext := range cfg.MediaExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	return &Scanner{store: store, cfg: cfg, exts: exts, logger: logging.OrNop(logger)}
}

// SetMetrics attaches an optional metrics sink.
func (s *Scanner) SetMetrics(m Metrics) { s.metrics = m }

// ScanProject scans every enabled source of the project and returns one
// report per source scanned. Disabled sources are left untouched.
func (s *Scanner) ScanProject(ctx context.Context, projectID int64) ([]*Report, error) {
	sources, err := s.store.ListSources(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	var reports []*Report
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		report, err := s.ScanSource(ctx, src)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ScanSource walks one source directory, creates tasks for new media, and
// records the counters on the source row.
func (s *Scanner) ScanSource(ctx context.Context, src *publishing.Source) (*Report, error) {
	dir := filepath.Join(s.cfg.MediaRoot, filepath.FromSlash(src.Path))
	report := &Report{SourceID: src.ID}

	var tasks []*publishing.Task
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !s.acceptsKind(src.Type, path) {
			return nil
		}

		report.Discovered++
		rel, err := filepath.Rel(s.cfg.MediaRoot, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}

		content, ok := s.readSidecar(path)
		if !ok {
			report.BadMetadata++
			return nil
		}
		tasks = append(tasks, &publishing.Task{
			ProjectID:   src.ProjectID,
			SourceID:    src.ID,
			MediaPath:   filepath.ToSlash(rel),
			ContentData: content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source %d: %w", src.ID, err)
	}

	if len(tasks) > 0 {
		res, err := s.store.CreateTasks(ctx, tasks)
		if err != nil {
			return nil, fmt.Errorf("create tasks for source %d: %w", src.ID, err)
		}
		report.TasksCreated = res.Created
		report.TasksSkipped = res.Skipped
	}

	used := src.UsedItems + report.TasksCreated
	if err := s.store.UpdateSourceScan(ctx, src.ID, report.Discovered, used, time.Now().UTC()); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ScanDiscovered(report.Discovered)
	}
	s.logger.Info("scanned source %d: %d found, %d new, %d known, %d bad metadata",
		src.ID, report.Discovered, report.TasksCreated, report.TasksSkipped, report.BadMetadata)
	return report, nil
}

// acceptsKind filters by extension and by the source's declared type.
func (s *Scanner) acceptsKind(srcType publishing.SourceType, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !s.exts[ext] {
		return false
	}
	switch srcType {
	case publishing.SourceTypeVideoDir:
		return isVideoExt(ext)
	case publishing.SourceTypeImageDir:
		return !isVideoExt(ext)
	default:
		return true
	}
}

func isVideoExt(ext string) bool {
	switch ext {
	case ".mp4", ".mov", ".avi", ".mkv", ".webm":
		return true
	}
	return false
}

// readSidecar loads the metadata file sharing the media file's basename.
// A missing sidecar yields empty content; a malformed one rejects the
// file for this pass so a fixed sidecar is picked up by the next scan.
func (s *Scanner) readSidecar(mediaPath string) (json.RawMessage, bool) {
	sidecar := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + s.cfg.MetadataExtension
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true
		}
		s.logger.Warn("read sidecar %s: %v", sidecar, err)
		return nil, false
	}
	if _, err := publishing.ParseContentData(raw); err != nil {
		s.logger.Warn("malformed sidecar %s: %v", sidecar, err)
		return nil, false
	}
	return json.RawMessage(raw), true
}
