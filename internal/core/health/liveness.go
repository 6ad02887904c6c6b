// Package health exposes process liveness for orchestrators.
package health

import (
	"encoding/json"
	"net/http"
)

// Liveness reports the process is up and serving. This proxy holds no
// external store it must warm before accepting traffic — Redis
// connectivity is checked once at construction, so there is no
// separate readiness-vs-liveness distinction to make here.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
		}{Status: "ok"})
	}
}
