package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/wiser-sync/internal/bridges/wiser"
	"github.com/nerrad567/wiser-sync/internal/state"
)

// maxCommandLimit caps GET /commands?limit=.
const maxCommandLimit = 500

// claimRequest is the request body for POST /claim.
type claimRequest struct {
	Gateway string `json:"gateway"`
	User    string `json:"user"`
}

// stepView is one bootstrap step in a refresh response.
type stepView struct {
	Step  wiser.Step `json:"step"`
	OK    bool       `json:"ok"`
	Error string     `json:"error,omitempty"`
}

// handleHealth returns the bridge status. It answers 503 until the first
// load inventory is installed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.bridge.Status()
	health, reason := st.Health()

	code := http.StatusOK
	if health == wiser.HealthStarting {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  health,
		"reason":  reason,
		"version": s.version,
		"bridge":  st,
	})
}

// handleRefresh runs one bootstrap pass and reports every step.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := s.bridge.Refresh(r.Context())

	steps := make([]stepView, 0, len(res.Steps))
	ok := true
	for _, st := range res.Steps {
		v := stepView{Step: st.Step, OK: st.Err == nil}
		if st.Err != nil {
			v.Error = st.Err.Error()
			ok = false
		}
		steps = append(steps, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    ok,
		"steps": steps,
	})
}

// handleListCommands returns the most recent command log entries.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCommandLimit)
	}

	cmds, err := s.store.RecentCommands(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []state.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// handleClaim pairs with a gateway. The user must press the gateway's
// pairing button while the request is pending.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Gateway = strings.TrimSpace(req.Gateway)
	if req.Gateway == "" {
		writeBadRequest(w, "gateway is required")
		return
	}

	token, err := s.claim(r.Context(), req.Gateway, req.User)
	if err != nil {
		s.logger.Warn("gateway claim failed", "gateway", req.Gateway, "user", req.User, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Info("gateway claimed", "gateway", req.Gateway, "user", req.User)
	writeJSON(w, http.StatusOK, map[string]any{
		"gateway": req.Gateway,
		"user":    req.User,
		"token":   token,
	})
}
