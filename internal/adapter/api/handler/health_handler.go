package handler

import (
	"encoding/json"
	"net/http"
)

// PendingCounter reports how many events are buffered and not yet flushed.
type PendingCounter interface {
	PendingCount() int
}

type healthResponse struct {
	Status        string `json:"status"`
	PendingEvents int    `json:"pending_events"`
}

// Health returns a handler that reports liveness and the buffer depth.
func Health(pc PendingCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if pc != nil {
			resp.PendingEvents = pc.PendingCount()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
