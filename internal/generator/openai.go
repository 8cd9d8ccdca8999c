package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// OpenAIConfig shapes the chat-completions caption adapter.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Language   string
	StyleHints string
	Timeout    time.Duration
}

// OpenAIGenerator captions media via an OpenAI-compatible
// /chat/completions endpoint.
type OpenAIGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	language   string
	styleHints string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAI builds the adapter. The API key arrives already resolved from
// its environment reference; it is never logged.
func NewOpenAI(cfg OpenAIConfig, logger logging.Logger) *OpenAIGenerator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIGenerator{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
		styleHints: cfg.StyleHints,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
	}
}

const systemPrompt = "You write short social media captions. Reply with the caption text only, no quotes, no commentary."

func (g *OpenAIGenerator) Caption(ctx context.Context, req Request) (string, error) {
	language := req.Language
	if language == "" {
		language = g.language
	}
	style := req.StyleHints
	if style == "" {
		style = g.styleHints
	}

	payload := map[string]any{
		"model": g.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": g.userPrompt(req, language, style)},
		},
		"temperature": 0.8,
		"max_tokens":  200,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal caption request: %w", err)
	}

	endpoint := g.baseURL + "/chat/completions"
	g.logger.Debug("caption request for task %d: POST %s model=%s", req.TaskID, endpoint, g.model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", apperrors.NewTransient(fmt.Errorf("caption request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperrors.NewTransient(fmt.Errorf("read caption response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Debug("caption error response %d: %s", resp.StatusCode, string(respBody))
		return "", apperrors.FromHTTPStatus(resp.StatusCode, string(respBody), retryAfter(resp))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperrors.NewPermanent(fmt.Errorf("decode caption response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", apperrors.NewPermanent(fmt.Errorf("caption response has no choices"))
	}

	caption := strings.TrimSpace(parsed.Choices[0].Message.Content)
	caption = strings.Trim(caption, `"`)
	if caption == "" {
		return "", apperrors.NewPermanent(fmt.Errorf("caption response is empty"))
	}
	caption = appendHashtags(caption, req.Content.Hashtags, req.CharLimit)
	return Truncate(caption, req.CharLimit), nil
}

func (g *OpenAIGenerator) userPrompt(req Request, language, style string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a caption for a %s post.\n", orDefault(req.Content.MediaKind, "media"))
	if req.Content.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", req.Content.Title)
	} else {
		fmt.Fprintf(&b, "File: %s\n", humanizeFilename(req.MediaPath))
	}
	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n", language)
	}
	if style != "" {
		fmt.Fprintf(&b, "Style: %s\n", style)
	}
	if req.CharLimit > 0 {
		fmt.Fprintf(&b, "Hard limit: %d characters.\n", req.CharLimit)
	}
	return b.String()
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
