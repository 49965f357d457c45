package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/chunk"
)

// HandleChunk streams one snapshot chunk body. The body is served
// compressed as stored; clients verify the sha256 from the chunk ref.
func (s *Server) HandleChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := chi.URLParam(r, "chunkID")
	if chunkID == "" {
		writeError(w, http.StatusBadRequest, "missing chunk id")
		return
	}

	body, err := s.Chunks.Read(r.Context(), chunkID)
	if err != nil {
		if errors.Is(err, chunk.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chunk not found or expired")
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("chunk_id", chunkID).Msg("chunk read failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
