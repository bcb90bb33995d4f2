package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onetool-io/mailingest/internal/config"
	"github.com/onetool-io/mailingest/internal/models"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultRetryBackoff      = 500 * time.Millisecond
	defaultMaxAttachmentSize = 40 << 20
	maxErrorBody             = 4 << 10
	userAgent                = "mailingest/1.0"
)

// Client talks to the mail provider's receiving API.
type Client struct {
	baseURL           *url.URL
	apiKey            string
	httpClient        *http.Client
	maxRetries        int
	retryBackoff      time.Duration
	maxAttachmentSize int64
	logger            logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetries sets how often transient failures (429, 5xx, transport errors)
// are retried and the initial backoff between attempts.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// WithMaxAttachmentSize limits how many bytes a single attachment may have.
func WithMaxAttachmentSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttachmentSize = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient validates the provider settings and builds a client. A missing base
// URL or API key is a configuration error.
func NewClient(cfg config.ProviderConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider API key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider base URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	c := &Client{
		baseURL:           base,
		apiKey:            cfg.APIKey,
		httpClient:        &http.Client{Timeout: timeout},
		maxRetries:        max(cfg.MaxRetries, 0),
		retryBackoff:      backoff,
		maxAttachmentSize: defaultMaxAttachmentSize,
		logger:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// FetchContent returns the HTML and text bodies of a received message.
func (c *Client) FetchContent(ctx context.Context, emailID string) (*models.ReceivedContent, error) {
	if emailID == "" {
		return nil, fmt.Errorf("email id is required")
	}
	endpoint := c.endpoint("emails", "receiving", emailID)

	resp, err := c.get(ctx, endpoint, true)
	if err != nil {
		return nil, fmt.Errorf("fetch content for %s: %w", emailID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read content for %s: %w", emailID, err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("fetch content for %s: %w", emailID, ErrEmptyResponse)
	}

	var payload struct {
		HTML *string `json:"html"`
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("decode content for %s: %w", emailID, err)
	}

	content := &models.ReceivedContent{}
	if payload.HTML != nil {
		content.HTML = *payload.HTML
	}
	if payload.Text != nil {
		content.Text = *payload.Text
	}
	return content, nil
}

type attachmentLink struct {
	DownloadURL string `json:"download_url"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

// FetchAttachment downloads one attachment. The provider either streams the
// bytes directly or answers with JSON carrying a download_url.
func (c *Client) FetchAttachment(ctx context.Context, emailID, attachmentID string) (*Attachment, error) {
	if emailID == "" || attachmentID == "" {
		return nil, fmt.Errorf("email id and attachment id are required")
	}
	endpoint := c.endpoint("emails", "receiving", emailID, "attachments", attachmentID)

	resp, err := c.get(ctx, endpoint, true)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s of %s: %w", attachmentID, emailID, err)
	}
	defer resp.Body.Close()

	if !isJSON(resp.Header.Get("Content-Type")) {
		return c.readAttachment(resp, attachmentID)
	}

	var link attachmentLink
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&link); err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	if link.DownloadURL == "" {
		return nil, fmt.Errorf("attachment %s: %w", attachmentID, ErrEmptyResponse)
	}
	if link.Size > c.maxAttachmentSize {
		return nil, fmt.Errorf("attachment %s is %d bytes: %w", attachmentID, link.Size, ErrTooLarge)
	}

	dl, err := c.get(ctx, link.DownloadURL, c.sameHost(link.DownloadURL))
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", attachmentID, err)
	}
	defer dl.Body.Close()

	att, err := c.readAttachment(dl, attachmentID)
	if err != nil {
		return nil, err
	}
	if link.ContentType != "" {
		att.ContentType = link.ContentType
	}
	if link.Filename != "" {
		att.Filename = link.Filename
	}
	return att, nil
}

func (c *Client) readAttachment(resp *http.Response, attachmentID string) (*Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", attachmentID, err)
	}
	if int64(len(data)) > c.maxAttachmentSize {
		return nil, fmt.Errorf("attachment %s: %w", attachmentID, ErrTooLarge)
	}

	att := &Attachment{Content: data, ContentType: resp.Header.Get("Content-Type")}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			att.Filename = params["filename"]
		}
	}
	return att, nil
}

// APIError is a non-success answer from the provider.
type APIError struct {
	StatusCode int
	Message    string
	retryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match a 404 with errors.Is(err, ErrNotFound).
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// get performs a GET with retries on transient failures. The caller closes the body.
func (c *Client) get(ctx context.Context, endpoint string, authorize bool) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			c.logger.WithFields(logrus.Fields{
				"url":     redact(endpoint),
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Debug("retrying provider request")
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		resp, err := c.do(ctx, endpoint, authorize)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if apiErr, ok := err.(*APIError); ok && !apiErr.Temporary() {
			return nil, err
		}
	}
	if c.maxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("provider request failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, authorize bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, application/octet-stream;q=0.9, */*;q=0.8")
	if authorize {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
		retryAfter: resp.Header.Get("Retry-After"),
	}
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) sameHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == "" || strings.EqualFold(u.Host, c.baseURL.Host)
}

// backoff doubles the delay per attempt and honours Retry-After on 429.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
		if seconds, err := strconv.Atoi(apiErr.retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	delay := c.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		case payload.Name != "":
			return payload.Name
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	return u.String()
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
