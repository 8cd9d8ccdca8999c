// Package generator produces captions for publish tasks. Adapters are
// pluggable; the engine only sees the Generator interface.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"plume/internal/domain/publishing"
)

// Request carries everything an adapter may use to caption one task.
type Request struct {
	TaskID     int64
	MediaPath  string
	Content    publishing.ContentData
	Language   string
	StyleHints string
	CharLimit  int
}

// Generator turns a request into a platform-ready caption.
type Generator interface {
	Caption(ctx context.Context, req Request) (string, error)
}

// Passthrough uses the caption already attached to the task, falling back
// to a title or filename-derived caption. It is the adapter of choice when
// generation is disabled.
type Passthrough struct{}

var _ Generator = Passthrough{}

func (Passthrough) Caption(_ context.Context, req Request) (string, error) {
	caption := req.Content.Caption
	if caption == "" {
		caption = req.Content.Title
	}
	if caption == "" {
		caption = humanizeFilename(req.MediaPath)
	}
	caption = appendHashtags(caption, req.Content.Hashtags, req.CharLimit)
	return Truncate(caption, req.CharLimit), nil
}

// humanizeFilename turns "clips/sunset_beach-4k.mp4" into "Sunset beach 4k".
func humanizeFilename(mediaPath string) string {
	base := filepath.Base(mediaPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.Join(strings.Fields(base), " ")
	if base == "" {
		return "New post"
	}
	r, size := utf8.DecodeRuneInString(base)
	return strings.ToUpper(string(r)) + base[size:]
}

// appendHashtags adds tags that still fit within the limit, in order.
func appendHashtags(caption string, tags []string, limit int) string {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		candidate := caption + " " + tag
		if limit > 0 && utf8.RuneCountInString(candidate) > limit {
			break
		}
		caption = candidate
	}
	return caption
}

// Truncate enforces the platform character limit, counting runes. A
// truncated caption ends with a single ellipsis rune.
func Truncate(caption string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(caption) <= limit {
		return caption
	}
	runes := []rune(caption)
	if limit == 1 {
		return "…"
	}
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

// CacheKey is a deterministic digest over the caption inputs. Retries of
// the same task with unchanged inputs hit the per-run cache and reuse the
// previous caption instead of paying for a new generation.
func CacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		req.TaskID, req.MediaPath, req.Content.Caption, req.Content.Title,
		strings.Join(req.Content.Hashtags, ","), req.Language, req.StyleHints)
	return hex.EncodeToString(h.Sum(nil))
}
