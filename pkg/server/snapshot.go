package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// ForecastRes is the response type for GET /api/forecast.
type ForecastRes struct {
	types.EnsembleForecast
	// Weights are the per-source merge weights from the last refresh.
	Weights map[string]float64 `json:"weights"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	forecast, ok := s.engine.Forecast()
	if !ok {
		writeJSONError(w, "no forecast available yet", http.StatusNotFound)
		return
	}

	resp := ForecastRes{
		EnsembleForecast: forecast,
		Weights:          s.engine.ForecastWeights(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, max-age=300")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := s.engine.Plan()
	if !ok {
		writeJSONError(w, "no charge plan computed yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "private, max-age=60")
	if err := json.NewEncoder(w).Encode(plan); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHeater(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.engine.HeaterState()); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.engine.Verdict()); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// TelemetryRes is the response type for GET /api/telemetry.
type TelemetryRes struct {
	types.TelemetrySample
	LastSeen         time.Time `json:"lastSeen"`
	ProducedTodayKWH float64   `json:"producedTodayKWH"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.engine.Telemetry()
	if !ok {
		writeJSONError(w, "no telemetry received yet", http.StatusNotFound)
		return
	}

	resp := TelemetryRes{
		TelemetrySample:  sample,
		LastSeen:         s.engine.TelemetryLastSeen(),
		ProducedTodayKWH: s.engine.ProducedTodayKWH(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}
