package publisher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// MicroblogConfig shapes the HTTP publishing adapter.
type MicroblogConfig struct {
	BaseURL string
	// Token arrives already resolved from its environment reference.
	Token   string
	Timeout time.Duration
}

// chunkSize is the APPEND segment size for media uploads. Kept under the
// usual 5 MB platform cap.
const chunkSize = 4 << 20

// Microblog publishes through a twitter-style REST API: text posts go to
// /statuses/update, media is uploaded first via the chunked
// INIT/APPEND/FINALIZE flow on /media/upload.
type Microblog struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Publisher = (*Microblog)(nil)

func NewMicroblog(cfg MicroblogConfig, logger logging.Logger) *Microblog {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Microblog{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

func (m *Microblog) Publish(ctx context.Context, req Request) (*Result, error) {
	var mediaID string
	if req.MediaKind != "text" && req.MediaPath != "" {
		var err error
		mediaID, err = m.uploadMedia(ctx, req.MediaPath, req.MediaKind)
		if err != nil {
			return nil, err
		}
	}

	form := url.Values{}
	form.Set("status", req.Caption)
	if mediaID != "" {
		form.Set("media_ids", mediaID)
	}
	body, err := m.postForm(ctx, "/statuses/update", form)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ID string `json:"id_str"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewPermanent(fmt.Errorf("decode publish response: %w", err))
	}
	if parsed.ID == "" {
		return nil, apperrors.NewPermanent(fmt.Errorf("publish response missing post id"))
	}
	m.logger.Info("published post %s (media %q)", parsed.ID, mediaID)
	return &Result{PlatformID: parsed.ID}, nil
}

// uploadMedia runs the chunked upload flow and returns the media id.
func (m *Microblog) uploadMedia(ctx context.Context, path, kind string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		// The worker checked existence already; a vanished file will not
		// come back on retry.
		return "", apperrors.NewPermanent(fmt.Errorf("open media: %w", err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", apperrors.NewPermanent(fmt.Errorf("stat media: %w", err))
	}

	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("total_bytes", strconv.FormatInt(info.Size(), 10))
	form.Set("media_category", mediaCategory(kind, path))
	body, err := m.postForm(ctx, "/media/upload", form)
	if err != nil {
		return "", err
	}
	var initResp struct {
		MediaID string `json:"media_id_string"`
	}
	if err := json.Unmarshal(body, &initResp); err != nil || initResp.MediaID == "" {
		return "", apperrors.NewPermanent(fmt.Errorf("decode upload init response"))
	}

	buf := make([]byte, chunkSize)
	for segment := 0; ; segment++ {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			if err := m.appendChunk(ctx, initResp.MediaID, segment, buf[:n]); err != nil {
				return "", err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", apperrors.NewTransient(fmt.Errorf("read media chunk: %w", readErr))
		}
	}

	form = url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", initResp.MediaID)
	if _, err := m.postForm(ctx, "/media/upload", form); err != nil {
		return "", err
	}
	m.logger.Debug("uploaded media %s (%d bytes)", initResp.MediaID, info.Size())
	return initResp.MediaID, nil
}

func (m *Microblog) appendChunk(ctx context.Context, mediaID string, segment int, chunk []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("command", "APPEND")
	_ = w.WriteField("media_id", mediaID)
	_ = w.WriteField("segment_index", strconv.Itoa(segment))
	_ = w.WriteField("media_data", base64.StdEncoding.EncodeToString(chunk))
	if err := w.Close(); err != nil {
		return fmt.Errorf("build append form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/media/upload", &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	m.authorize(httpReq)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.NewTransient(fmt.Errorf("append chunk %d: %w", segment, err))
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.FromHTTPStatus(resp.StatusCode, string(respBody), retryAfter(resp))
	}
	return nil
}

func (m *Microblog) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	m.authorize(httpReq)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransient(fmt.Errorf("post %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewTransient(fmt.Errorf("read response from %s: %w", path, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Debug("publish error %d from %s: %s", resp.StatusCode, path, string(body))
		return nil, apperrors.FromHTTPStatus(resp.StatusCode, string(body), retryAfter(resp))
	}
	return body, nil
}

func (m *Microblog) authorize(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

func mediaCategory(kind, path string) string {
	switch kind {
	case "video":
		return "tweet_video"
	case "image":
		return "tweet_image"
	}
	if ext := strings.ToLower(path); strings.HasSuffix(ext, ".mp4") || strings.HasSuffix(ext, ".mov") {
		return "tweet_video"
	}
	return "tweet_image"
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
