package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "plume/internal/errors"
)

func writeTempMedia(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return path
}

func TestPublishTextOnly(t *testing.T) {
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/statuses/update" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotStatus = r.PostFormValue("status")
		_, _ = w.Write([]byte(`{"id_str":"12345"}`))
	}))
	defer srv.Close()

	p := NewMicroblog(MicroblogConfig{BaseURL: srv.URL, Token: "tok"}, nil)
	res, err := p.Publish(context.Background(), Request{Caption: "hello world", MediaKind: "text"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.PlatformID != "12345" {
		t.Fatalf("platform id = %q", res.PlatformID)
	}
	if gotStatus != "hello world" {
		t.Fatalf("status = %q", gotStatus)
	}
}

func TestPublishVideoChunkedUpload(t *testing.T) {
	var commands []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media/upload":
			if err := r.ParseMultipartForm(16 << 20); err != nil {
				_ = r.ParseForm()
			}
			cmd := r.PostFormValue("command")
			commands = append(commands, cmd)
			if cmd == "INIT" {
				_, _ = w.Write([]byte(`{"media_id_string":"m-9"}`))
				return
			}
			_, _ = w.Write([]byte(`{}`))
		case "/statuses/update":
			_ = r.ParseForm()
			if got := r.PostFormValue("media_ids"); got != "m-9" {
				t.Errorf("media_ids = %q", got)
			}
			_, _ = w.Write([]byte(`{"id_str":"777"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	// Two full chunks plus a tail makes three APPENDs.
	media := writeTempMedia(t, "clip.mp4", 2*chunkSize+100)
	p := NewMicroblog(MicroblogConfig{BaseURL: srv.URL, Token: "tok"}, nil)
	res, err := p.Publish(context.Background(), Request{Caption: "c", MediaPath: media, MediaKind: "video"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.PlatformID != "777" {
		t.Fatalf("platform id = %q", res.PlatformID)
	}

	want := []string{"INIT", "APPEND", "APPEND", "APPEND", "FINALIZE"}
	if len(commands) != len(want) {
		t.Fatalf("commands = %v, want %v", commands, want)
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Fatalf("commands = %v, want %v", commands, want)
		}
	}
}

func TestPublishRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"errors":[{"code":88}]}`))
	}))
	defer srv.Close()

	p := NewMicroblog(MicroblogConfig{BaseURL: srv.URL}, nil)
	_, err := p.Publish(context.Background(), Request{Caption: "c", MediaKind: "text"})
	if apperrors.Classify(err) != apperrors.KindQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
	if got := apperrors.QuotaCooldown(err); got != 2*time.Minute {
		t.Fatalf("cooldown = %s, want 2m", got)
	}
}

func TestPublishMissingMediaIsPermanent(t *testing.T) {
	p := NewMicroblog(MicroblogConfig{BaseURL: "http://unused.invalid"}, nil)
	_, err := p.Publish(context.Background(), Request{
		Caption:   "c",
		MediaPath: "/nonexistent/clip.mp4",
		MediaKind: "video",
	})
	if apperrors.Classify(err) != apperrors.KindPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestPublishServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewMicroblog(MicroblogConfig{BaseURL: srv.URL}, nil)
	_, err := p.Publish(context.Background(), Request{Caption: "c", MediaKind: "text"})
	if apperrors.Classify(err) != apperrors.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}
