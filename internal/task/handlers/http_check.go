package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

// HTTPCheck probes an HTTP endpoint and fails unless the response status
// matches the expected one.
//
// Config:
//
//	url           string  required, http or https
//	method        string  optional, default GET
//	expect_status int     optional, default 200
//	timeout_ms    int     optional request bound, default 10s
type HTTPCheck struct {
	client *http.Client
}

func NewHTTPCheck() *HTTPCheck {
	return &HTTPCheck{client: &http.Client{}}
}

func (h *HTTPCheck) Validate(cfg task.Config) error {
	raw := strings.TrimSpace(cfg.String("url"))
	if raw == "" {
		return registry.Invalid(TypeHTTPCheck, "url", "required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return registry.Invalid(TypeHTTPCheck, "url", "must be an absolute http(s) URL")
	}
	if want, ok := cfg.Int("expect_status"); ok && (want < 100 || want > 599) {
		return registry.Invalid(TypeHTTPCheck, "expect_status", "must be a valid HTTP status code")
	}
	if d, err := cfg.Duration("timeout_ms"); err != nil || d < 0 {
		return registry.Invalid(TypeHTTPCheck, "timeout_ms", "must be a non-negative duration")
	}
	return nil
}

func (h *HTTPCheck) Run(ctx context.Context, in registry.RunInput) (map[string]any, error) {
	method := strings.ToUpper(strings.TrimSpace(in.Config.String("method")))
	if method == "" {
		method = http.MethodGet
	}
	want := http.StatusOK
	if v, ok := in.Config.Int("expect_status"); ok {
		want = v
	}
	timeout, _ := in.Config.Duration("timeout_ms")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, in.Config.String("url"), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	out := map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": elapsed.Milliseconds(),
	}
	if resp.StatusCode != want {
		return out, fmt.Errorf("unexpected status %d (want %d)", resp.StatusCode, want)
	}
	in.Progress(100)
	return out, nil
}
