package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
)

const maxBodyBytes = 4 << 20

type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type noRetryKey struct{}

// WithoutRetry marks ctx so that requests made with it are attempted once.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

type baseClient struct {
	cfg  Config
	base *url.URL
}

func newBaseClient(cfg Config) (*baseClient, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q is not absolute", raw)
	}
	return &baseClient{cfg: cfg, base: u}, nil
}

func (c *baseClient) endpoint(relPath string, query url.Values) (string, error) {
	if strings.Contains(relPath, "?") {
		return "", fmt.Errorf("relPath must not contain query: %s", relPath)
	}
	u := *c.base
	u.Path = path.Join("/", c.base.Path, relPath)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// call issues one logical request. Idempotent GETs are retried on
// transport errors, 5xx and 429 with exponential backoff.
func (c *baseClient) call(ctx context.Context, method, relPath string, query url.Values, in, out any) error {
	endpointURL, err := c.endpoint(relPath, query)
	if err != nil {
		return err
	}
	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, relPath, err)
		}
	}

	retries := c.cfg.MaxRetries
	if method != http.MethodGet || retryDisabled(ctx) {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		retry, err := c.callOnce(ctx, method, relPath, endpointURL, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == retries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		c.cfg.Logger.Debug().Err(err).Str("path", relPath).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying backend request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *baseClient) callOnce(ctx context.Context, method, relPath, endpointURL string, body []byte, out any) (retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	elapsed := time.Since(start)
	c.cfg.Metrics.APILatency.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil {
		c.cfg.Metrics.APIRequests.WithLabelValues(method, "error").Inc()
		c.cfg.Logger.Debug().Err(err).Str("method", method).Str("path", relPath).Dur("duration", elapsed).Msg("backend request failed")
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return false, err
		}
		return true, fmt.Errorf("%s %s: %w", method, relPath, err)
	}
	defer resp.Body.Close()

	c.cfg.Metrics.APIRequests.WithLabelValues(method, statusClass(resp.StatusCode)).Inc()
	c.cfg.Logger.Debug().
		Str("method", method).
		Str("path", relPath).
		Int("status", resp.StatusCode).
		Dur("duration", elapsed).
		Msg("backend request")

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{Method: method, Path: relPath, StatusCode: resp.StatusCode, Body: string(respBody)}
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return temporary, herr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return false, fmt.Errorf("decode %s %s response: %w", method, relPath, err)
	}
	return false, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func pageQuery(page, size int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("pageNumber", strconv.Itoa(page))
	}
	if size > 0 {
		q.Set("pageSize", strconv.Itoa(size))
	}
	return q
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
