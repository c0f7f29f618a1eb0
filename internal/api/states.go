package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/wiser-sync/internal/state"
)

// writeStateRequest is the request body for PUT /states/{path}.
type writeStateRequest struct {
	Value json.RawMessage `json:"value"`
}

// handleListStates returns every stored value under ?prefix=.
func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	values, err := s.store.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("failed to list states", "error", err)
		writeInternalError(w, "failed to list states")
		return
	}
	if values == nil {
		values = []state.Value{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states": values,
		"count":  len(values),
	})
}

// handleListObjects returns the object definitions under ?prefix=.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := s.store.Objects(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.logger.Error("failed to list objects", "error", err)
		writeInternalError(w, "failed to list objects")
		return
	}
	if objects == nil {
		objects = []state.Object{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"objects": objects,
		"count":   len(objects),
	})
}

// handleGetState returns one state with its object definition.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "path")

	obj, err := s.store.Object(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"object": obj}
	v, err := s.store.Get(r.Context(), id)
	switch {
	case err == nil:
		resp["state"] = v
	case errors.Is(err, state.ErrNotFound):
		resp["state"] = nil
	default:
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWriteState applies a user write. Actionable states are forwarded
// to the gateway before the response is written.
func (s *Server) handleWriteState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "path")

	var req writeStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 || bytes.Equal(req.Value, []byte("null")) {
		writeBadRequest(w, "value is required")
		return
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		writeBadRequest(w, "invalid value")
		return
	}

	if err := s.store.Write(r.Context(), id, value); err != nil {
		s.logger.Warn("state write failed", "id", id, "error", err,
			"request_id", r.Context().Value(ctxKeyRequestID))
		writeDomainError(w, err)
		return
	}

	v, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
