package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/sip"
)

type healthResponse struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleHealth reports liveness and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		StartedAt:  s.startTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	})
}

type callListResponse struct {
	Calls    []machine.CallInfo `json:"calls"`
	Count    int                `json:"count"`
	MaxCalls int                `json:"max_calls"`
}

// snapshot fetches the live calls, writing the error response itself when
// that fails.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) ([]machine.CallInfo, bool) {
	if s.deps.Calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call state not available")
		return nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	calls, err := s.deps.Calls.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("call snapshot failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "call state not available")
		return nil, false
	}
	return calls, true
}

// handleListCalls returns every live call in registration order.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	if calls == nil {
		calls = []machine.CallInfo{}
	}
	writeJSON(w, http.StatusOK, callListResponse{
		Calls:    calls,
		Count:    len(calls),
		MaxCalls: s.deps.Calls.MaxCalls(),
	})
}

// handleGetCall returns one live call by Call-ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	calls, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	for _, c := range calls {
		if c.ID == id {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeError(w, http.StatusNotFound, "call not found")
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signals not available")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Signals.Signals())
}

type traceBody struct {
	Level string `json:"level"`
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trace == nil {
		writeError(w, http.StatusServiceUnavailable, "sip tracing not available")
		return
	}
	writeJSON(w, http.StatusOK, traceBody{Level: s.deps.Trace.Level().String()})
}

// handleSetTrace changes SIP message tracing without a restart.
func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trace == nil {
		writeError(w, http.StatusServiceUnavailable, "sip tracing not available")
		return
	}
	var body traceBody
	if msg := readJSON(r, &body); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	level, err := sip.ParseTraceLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Trace.SetLevel(level)
	writeJSON(w, http.StatusOK, traceBody{Level: level.String()})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
