package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskpilot/internal/task"
	"taskpilot/internal/task/registry"
)

func runInput(cfg task.Config) registry.RunInput {
	return registry.RunInput{Config: cfg, Progress: func(int) {}}
}

func TestHTTPCheckValidate(t *testing.T) {
	t.Parallel()
	h := NewHTTPCheck()
	tests := []struct {
		name    string
		cfg     task.Config
		wantErr bool
	}{
		{name: "ok", cfg: task.Config{"url": "https://example.com/health"}},
		{name: "missing url", cfg: task.Config{}, wantErr: true},
		{name: "relative url", cfg: task.Config{"url": "/health"}, wantErr: true},
		{name: "bad scheme", cfg: task.Config{"url": "ftp://example.com"}, wantErr: true},
		{name: "bad status", cfg: task.Config{"url": "http://x.test", "expect_status": 42}, wantErr: true},
		{name: "custom status", cfg: task.Config{"url": "http://x.test", "expect_status": 204}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPCheckRun(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	h := NewHTTPCheck()
	ctx := context.Background()

	out, err := h.Run(ctx, runInput(task.Config{"url": srv.URL + "/ok"}))
	if err != nil {
		t.Fatalf("Run(/ok) error: %v", err)
	}
	if out["status_code"] != http.StatusOK {
		t.Fatalf("status_code = %v, want 200", out["status_code"])
	}
	if _, ok := out["duration_ms"]; !ok {
		t.Fatal("duration_ms missing from output")
	}

	out, err = h.Run(ctx, runInput(task.Config{"url": srv.URL + "/teapot"}))
	if err == nil {
		t.Fatal("Run(/teapot) error = nil, want status mismatch")
	}
	if out["status_code"] != http.StatusTeapot {
		t.Fatalf("status_code = %v, want 418", out["status_code"])
	}

	out, err = h.Run(ctx, runInput(task.Config{"url": srv.URL + "/teapot", "expect_status": 418}))
	if err != nil {
		t.Fatalf("Run with expect_status=418 error: %v", err)
	}
	if out["status_code"] != http.StatusTeapot {
		t.Fatalf("status_code = %v, want 418", out["status_code"])
	}
}
