package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func okCheck(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "storage", Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != StatusOK {
		t.Errorf("status = %q, want %q", body.Status, StatusOK)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "storage", Check: okCheck},
				{Name: "primary_storage", Check: okCheck, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"storage": "ok", "primary_storage": "ok"},
		},
		{
			name: "optional fails",
			checkers: []Checker{
				{Name: "storage", Check: okCheck},
				{Name: "primary_storage", Optional: true, Check: func(context.Context) error {
					return errors.New("connection refused")
				}},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"storage": "ok", "primary_storage": "fail: connection refused"},
		},
		{
			name: "critical fails",
			checkers: []Checker{
				{Name: "storage", Check: func(context.Context) error { return errors.New("both tiers down") }},
				{Name: "primary_storage", Optional: true, Check: func(context.Context) error {
					return errors.New("timeout")
				}},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"storage": "fail: both tiers down", "primary_storage": "fail: timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: okCheck}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
