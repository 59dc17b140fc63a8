// Package health serves the liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Liveness answers 200 while the process can serve HTTP at all. It never
// consults dependencies; that is what Readiness is for.
func Liveness(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string  `json:"status"`
			Uptime float64 `json:"uptime_seconds"`
		}{"alive", time.Since(started).Seconds()})
	}
}
