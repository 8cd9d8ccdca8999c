package generator

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"plume/internal/logging"
)

// Cached memoizes captions per process run, keyed by a digest of the
// request inputs. A retried task regenerates nothing unless its inputs
// changed.
type Cached struct {
	inner  Generator
	cache  *lru.Cache[string, string]
	logger logging.Logger
}

var _ Generator = (*Cached)(nil)

// NewCached wraps a generator with an LRU of the given size.
func NewCached(inner Generator, size int, logger logging.Logger) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache, logger: logging.OrNop(logger)}, nil
}

func (c *Cached) Caption(ctx context.Context, req Request) (string, error) {
	key := CacheKey(req)
	if caption, ok := c.cache.Get(key); ok {
		c.logger.Debug("caption cache hit for task %d", req.TaskID)
		return caption, nil
	}
	caption, err := c.inner.Caption(ctx, req)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, caption)
	return caption, nil
}
