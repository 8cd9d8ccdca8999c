// Package publisher posts captioned media to the target platform. The
// engine depends only on the Publisher interface; platform specifics live
// in adapters.
package publisher

import "context"

// Request is one publish attempt. MediaPath is absolute and already
// verified to exist by the worker.
type Request struct {
	Caption   string
	MediaPath string
	MediaKind string // "video", "image", "text"
}

// Result reports a successful publication.
type Result struct {
	// PlatformID is the platform-assigned post identifier.
	PlatformID string
}

// Publisher posts one artifact. Errors must be categorized: transient for
// retryable faults, quota with a cooldown for rate limiting, permanent for
// rejections that will never succeed.
type Publisher interface {
	Publish(ctx context.Context, req Request) (*Result, error)
}
