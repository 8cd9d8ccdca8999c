package generator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

func TestPassthroughPrefersExistingCaption(t *testing.T) {
	got, err := Passthrough{}.Caption(context.Background(), Request{
		MediaPath: "clips/sunset.mp4",
		Content:   publishing.ContentData{Caption: "Golden hour", Hashtags: []string{"sunset"}},
		CharLimit: 280,
	})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if got != "Golden hour #sunset" {
		t.Fatalf("caption = %q", got)
	}
}

func TestPassthroughFallsBackToFilename(t *testing.T) {
	got, err := Passthrough{}.Caption(context.Background(), Request{
		MediaPath: "clips/sunset_beach-4k.mp4",
		CharLimit: 280,
	})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if got != "Sunset beach 4k" {
		t.Fatalf("caption = %q", got)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	caption := strings.Repeat("日", 300)
	got := Truncate(caption, 280)
	if utf8.RuneCountInString(got) != 280 {
		t.Fatalf("truncated length = %d runes", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated caption missing ellipsis: %q", got[len(got)-12:])
	}
	if Truncate("short", 280) != "short" {
		t.Fatal("short caption should pass through unchanged")
	}
}

func TestCacheKeyChangesWithInputs(t *testing.T) {
	base := Request{TaskID: 1, MediaPath: "a.mp4", Language: "en"}
	same := Request{TaskID: 1, MediaPath: "a.mp4", Language: "en"}
	if CacheKey(base) != CacheKey(same) {
		t.Fatal("identical requests produced different keys")
	}
	other := base
	other.Language = "de"
	if CacheKey(base) == CacheKey(other) {
		t.Fatal("different language produced the same key")
	}
}

type countingGenerator struct {
	calls int32
}

func (c *countingGenerator) Caption(_ context.Context, req Request) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	return "generated for " + req.MediaPath, nil
}

func TestCachedGeneratesOncePerInputs(t *testing.T) {
	inner := &countingGenerator{}
	cached, err := NewCached(inner, 16, nil)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	req := Request{TaskID: 7, MediaPath: "a.mp4"}
	for i := 0; i < 3; i++ {
		got, err := cached.Caption(context.Background(), req)
		if err != nil {
			t.Fatalf("caption %d: %v", i, err)
		}
		if got != "generated for a.mp4" {
			t.Fatalf("caption = %q", got)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner generator called %d times, want 1", inner.calls)
	}

	// Changed inputs bypass the cache.
	req.MediaPath = "b.mp4"
	if _, err := cached.Caption(context.Background(), req); err != nil {
		t.Fatalf("caption: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("inner generator called %d times, want 2", inner.calls)
	}
}

func TestOpenAICaption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  \"A quiet morning\"  "}}]}`))
	}))
	defer srv.Close()

	g := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}, nil)
	got, err := g.Caption(context.Background(), Request{
		TaskID:    1,
		MediaPath: "morning.jpg",
		Content:   publishing.ContentData{Hashtags: []string{"calm"}},
		CharLimit: 280,
	})
	if err != nil {
		t.Fatalf("caption: %v", err)
	}
	if got != "A quiet morning #calm" {
		t.Fatalf("caption = %q", got)
	}
}

func TestOpenAIErrorCategorization(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperrors.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, apperrors.KindQuota},
		{"server error", http.StatusInternalServerError, apperrors.KindTransient},
		{"bad request", http.StatusBadRequest, apperrors.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "30")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			g := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "m"}, nil)
			_, err := g.Caption(context.Background(), Request{TaskID: 1, MediaPath: "x.mp4"})
			if apperrors.Classify(err) != tt.want {
				t.Fatalf("kind = %v, want %v (err %v)", apperrors.Classify(err), tt.want, err)
			}
		})
	}
}
