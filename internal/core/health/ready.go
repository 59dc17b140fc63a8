package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"
)

// Check reports nil when its dependency is usable.
type Check func(ctx context.Context) error

// ReadinessReporter is implemented by consumers that only become ready once
// partitions are assigned.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

var errNotAssigned = errors.New("no partitions assigned")

// FromReporter adapts a ReadinessReporter into a Check.
func FromReporter(rr ReadinessReporter) Check {
	return func(context.Context) error {
		if ok, _ := rr.Readiness(); !ok {
			return errNotAssigned
		}
		return nil
	}
}

// Readiness runs every check with a shared timeout and reports 503 if any fails.
func Readiness(timeout time.Duration, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: map[string]string{}}
		for _, n := range names {
			if err := checks[n](ctx); err != nil {
				out.Status = "not_ready"
				out.Checks[n] = err.Error()
				continue
			}
			out.Checks[n] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
