package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// AdminState exposes what the operator endpoints need.
type AdminState struct {
	Store *Store
	Mode  *ModeManager
}

// AdminRoutes serves the relay operator surface: connectivity status,
// unresolved forward conflicts, and conflict resolution.
func AdminRoutes(s AdminState) http.Handler {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		pending, err := s.Store.PendingForwardCount(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeAdminJSON(w, http.StatusOK, map[string]any{
			"mode":            s.Mode.Current(),
			"pendingForwards": pending,
		})
	})

	r.Get("/conflicts", func(w http.ResponseWriter, req *http.Request) {
		conflicts, err := s.Store.ListConflicts(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeAdminJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
	})

	r.Post("/conflicts/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if err := s.Store.ResolveConflict(req.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeAdminJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return r
}

func writeAdminJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode admin response")
	}
}
