package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient", NewTransient(errors.New("boom")), KindTransient},
		{"permanent", NewPermanent(errors.New("boom")), KindPermanent},
		{"quota", NewQuota(errors.New("429"), time.Minute), KindQuota},
		{"conflict", NewConflict(errors.New("version moved")), KindConflict},
		{"not found", NewNotFound("task", "42"), KindNotFound},
		{"invalid input", NewInvalidInput("media_path", "empty"), KindInvalidInput},
		{"wrapped transient", fmt.Errorf("outer: %w", NewTransient(errors.New("boom"))), KindTransient},
		{"wrapped quota", fmt.Errorf("outer: %w", NewQuota(errors.New("429"), 0)), KindQuota},
		{"plain error defaults to permanent", errors.New("something odd"), KindPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestQuotaCooldown(t *testing.T) {
	err := fmt.Errorf("publish: %w", NewQuota(errors.New("rate limited"), 90*time.Second))
	if got := QuotaCooldown(err); got != 90*time.Second {
		t.Fatalf("QuotaCooldown = %v, want 90s", got)
	}
	if got := QuotaCooldown(errors.New("plain")); got != 0 {
		t.Fatalf("QuotaCooldown on plain error = %v, want 0", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	if err := FromHTTPStatus(http.StatusTooManyRequests, "slow down", 30*time.Second); !IsQuota(err) {
		t.Fatalf("429 should classify as quota, got %v", err)
	}
	if err := FromHTTPStatus(http.StatusBadGateway, "", 0); !IsTransient(err) {
		t.Fatalf("502 should classify as transient")
	}
	if err := FromHTTPStatus(http.StatusUnauthorized, "bad token", 0); IsTransient(err) || IsQuota(err) {
		t.Fatalf("401 should classify as permanent")
	}
}

func TestTransientHTTPStatusFromWrapper(t *testing.T) {
	err := &TransientError{Err: errors.New("upstream"), StatusCode: http.StatusServiceUnavailable}
	if !IsTransient(err) {
		t.Fatalf("503 wrapper should be transient")
	}
	perm := &PermanentError{Err: errors.New("denied"), StatusCode: http.StatusForbidden}
	if IsTransient(perm) {
		t.Fatalf("403 wrapper should not be transient")
	}
}
