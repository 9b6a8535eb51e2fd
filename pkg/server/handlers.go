package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Layr-Labs/eigenx-price-oracle/pkg/persistence"
	"github.com/Layr-Labs/eigenx-price-oracle/pkg/types"
)

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type SchedulerStatus struct {
	InFlight    bool       `json:"inFlight"`
	Completed   uint64     `json:"completed"`
	Skipped     uint64     `json:"skipped"`
	LastStarted *time.Time `json:"lastStarted,omitempty"`
}

type StatusResponse struct {
	Address       string                    `json:"address"`
	Pair          string                    `json:"pair"`
	Uptime        string                    `json:"uptime"`
	Scheduler     *SchedulerStatus          `json:"scheduler,omitempty"`
	LastResult    *types.CycleResult        `json:"lastResult,omitempty"`
	History       []*types.CycleResult      `json:"history"`
	InFlight      *types.InFlightSubmission `json:"inFlight,omitempty"`
	LastConfirmed *persistence.OracleState  `json:"lastConfirmed,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.store != nil {
		if err := s.store.HealthCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Address:    s.oracle.Identity().Hex(),
		Pair:       s.oracle.Pair().String(),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		LastResult: s.oracle.LastResult(),
		History:    []*types.CycleResult{},
	}
	if s.scheduler != nil {
		status := &SchedulerStatus{
			InFlight:  s.scheduler.InFlight(),
			Completed: s.scheduler.Completed(),
			Skipped:   s.scheduler.Skipped(),
		}
		if started := s.scheduler.LastStarted(); !started.IsZero() {
			status.LastStarted = &started
		}
		resp.Scheduler = status
	}

	if s.store != nil {
		history, err := s.store.ListCycleResults(s.config.HistoryLimit)
		if err != nil {
			s.logger.Sugar().Warnw("Failed to list cycle results", "error", err)
		} else {
			resp.History = history
		}
		if resp.InFlight, err = s.store.LoadInFlight(); err != nil {
			s.logger.Sugar().Warnw("Failed to load in-flight submission", "error", err)
		}
		if resp.LastConfirmed, err = s.store.LoadOracleState(); err != nil {
			s.logger.Sugar().Warnw("Failed to load oracle state", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
