// Package health provides the liveness and readiness handlers.
//
//   - /healthz: liveness. Always 200 while the process serves HTTP.
//   - /readyz: readiness. Runs every registered [Checker] concurrently.
//
// A failing critical check makes /readyz answer 503 with status "fail". A
// failing non-critical check (for example the primary storage tier while the
// local fallback still works) answers 200 with status "degraded".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values reported in the "status" field.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "storage").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional marks a check whose failure degrades the service instead of
	// failing readiness.
	Optional bool
}

// result is the JSON response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] for the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusOK})
}

// Readyz evaluates all checkers, each with a [checkTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.evaluate(r.Context())
	status := http.StatusOK
	if res.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// evaluate runs the checkers and aggregates their results.
func (h *Handler) evaluate(ctx context.Context) result {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
		}()
	}
	wg.Wait()

	res := result{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		err := errs[i]
		if err == nil {
			res.Checks[c.Name] = "ok"
			continue
		}
		res.Checks[c.Name] = "fail: " + err.Error()
		switch {
		case !c.Optional:
			res.Status = StatusFail
		case res.Status == StatusOK:
			res.Status = StatusDegraded
		}
	}
	return res
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
