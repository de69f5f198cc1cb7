package main

import (
	"encoding/json"
	"net/http"

	"wagate/internal/privacy"
	"wagate/internal/tracing"

	"github.com/sirupsen/logrus"
)

// metricsResponse adds live queue and breaker state to the registry snapshot
type metricsResponse struct {
	Metrics  interface{} `json:"metrics"`
	Breakers interface{} `json:"breakers,omitempty"`
	Sessions interface{} `json:"sessions"`
}

// handleMetrics returns current application metrics
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := tracing.RequestID(r.Context())

		resp := metricsResponse{
			Metrics: s.deps.Metrics.Snapshot(),
			Sessions: map[string]int{
				"active": s.deps.Registry.ActiveCount(),
			},
		}
		if s.deps.Breakers != nil {
			stats := s.deps.Breakers.Stats()
			for i := range stats {
				stats[i].Name = privacy.MaskURL(stats[i].Name)
			}
			resp.Breakers = stats
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(resp); err != nil {
			s.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"error":      err,
			}).Error("Failed to encode metrics response")

			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
