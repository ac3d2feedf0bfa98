package api

import (
	"net/http"
	"strings"

	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/models"
)

type referralValidationResponse struct {
	Valid    bool                    `json:"valid"`
	Referrer *models.ReferrerSummary `json:"referrer,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// handleValidateReferral handles GET /api/referral/validate?code=
func (s *Server) handleValidateReferral(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		respondJSON(w, http.StatusBadRequest, referralValidationResponse{Error: "Missing referral code"})
		return
	}

	referrer, err := s.registration.ValidateReferralCode(r.Context(), code)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("Referral code validation failed")
		respondJSON(w, http.StatusInternalServerError, referralValidationResponse{Error: "Failed to validate referral code"})
		return
	}
	if referrer == nil {
		respondJSON(w, http.StatusOK, referralValidationResponse{Error: "Invalid referral code"})
		return
	}

	respondJSON(w, http.StatusOK, referralValidationResponse{Valid: true, Referrer: referrer})
}
