package handlers

import (
	"database/sql"
	"net/http"
)

// HealthResponse reports service and database status.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Health returns a handler that verifies database connectivity.
func Health(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:   "unhealthy",
				Database: "disconnected",
			})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:   "healthy",
			Database: "connected",
		})
	}
}
