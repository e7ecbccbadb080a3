package httpapi

import (
	"encoding/json"
	"net/http"

	"deepresearch/internal/research/app"
)

// statsResponse is the §4.F aggregate health payload served at /api/stats.
type statsResponse struct {
	ByStatus         map[string]int `json:"byStatus"`
	TotalSubscribers int            `json:"totalSubscribers"`
	MemoryUsedBytes  uint64         `json:"memoryUsedBytes"`
	MemoryBudget     uint64         `json:"memoryBudget"`
	PressureLevel    int            `json:"pressureLevel"`
	Health           string         `json:"health"`
}

// NewStatsHandler serves /api/stats from the Task Manager's aggregate view.
func NewStatsHandler(manager *app.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := manager.Stats(r.Context())

		byStatus := make(map[string]int, len(stats.ByStatus))
		for status, count := range stats.ByStatus {
			byStatus[string(status)] = count
		}

		resp := statsResponse{
			ByStatus:         byStatus,
			TotalSubscribers: stats.TotalSubscribers,
			MemoryUsedBytes:  stats.MemoryUsedBytes,
			MemoryBudget:     stats.MemoryBudget,
			PressureLevel:    int(stats.Pressure),
			Health:           string(stats.Health),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
