package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/wiser-sync/internal/bridges/wiser"
	"github.com/nerrad567/wiser-sync/internal/state"
)

// loadView is a load with the id of its state channel.
type loadView struct {
	wiser.Load
	ChannelID string `json:"channel_id"`
}

func newLoadView(l wiser.Load) loadView {
	return loadView{Load: l, ChannelID: wiser.ChannelID(l.Device, l.ID)}
}

// handleListLoads returns the current registry snapshot.
func (s *Server) handleListLoads(w http.ResponseWriter, _ *http.Request) {
	loads := s.bridge.Registry().All()
	views := make([]loadView, 0, len(loads))
	for _, l := range loads {
		views = append(views, newLoadView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loads": views,
		"count": len(views),
	})
}

// handleGetLoad returns one load and the states under its channel.
func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "load id must be an integer")
		return
	}

	l, err := s.bridge.Registry().Lookup(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	view := newLoadView(l)
	values, err := s.store.List(r.Context(), view.ChannelID+".")
	if err != nil {
		s.logger.Error("failed to list load states", "load_id", id, "error", err)
		writeInternalError(w, "failed to list states")
		return
	}
	if values == nil {
		values = []state.Value{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"load":   view,
		"states": values,
	})
}
