package api

import (
	"net/http"

	"github.com/trenches-waitlist/internal/auth"
	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/registration"
)

type syncResponse struct {
	Success bool                 `json:"success"`
	User    *models.IdentityView `json:"user"`
}

type lookupResponse struct {
	Exists bool                 `json:"exists"`
	User   *models.IdentityView `json:"user,omitempty"`
}

// handleSyncIdentity handles POST /api/user/sync - create or update the caller's identity
func (s *Server) handleSyncIdentity(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticator.Authenticate(r)
	if err != nil {
		respondCategorizedError(w, r, err)
		return
	}
	ctx := auth.WithPrincipal(r.Context(), principal)
	r = r.WithContext(logging.WithLogger(ctx, logging.FromContext(ctx).WithField("principal", principal.ID)))

	var payload registration.SyncPayload
	if err := parseJSONBody(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	view, err := s.registration.SyncIdentity(r.Context(), principal, payload)
	if err != nil {
		respondCategorizedError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, syncResponse{Success: true, User: view})
}

// handleLookupIdentity handles GET /api/user/sync?supabaseId= - check whether an identity exists
func (s *Server) handleLookupIdentity(w http.ResponseWriter, r *http.Request) {
	supabaseID := r.URL.Query().Get("supabaseId")

	view, err := s.registration.LookupIdentity(r.Context(), supabaseID)
	if err != nil {
		respondCategorizedError(w, r, err)
		return
	}
	if view == nil {
		respondJSON(w, http.StatusOK, lookupResponse{Exists: false})
		return
	}

	respondJSON(w, http.StatusOK, lookupResponse{Exists: true, User: view})
}
