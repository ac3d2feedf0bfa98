package api

import (
	"net/http"

	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/models"
)

// handleGetConfig handles GET /api/config. Read failures fall back to the
// built-in defaults so the landing page always renders.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.platformConfig.Get(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Failed to load platform config, serving defaults")
		cfg = models.DefaultPlatformConfig()
	}
	respondJSON(w, http.StatusOK, cfg)
}
