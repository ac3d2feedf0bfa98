package models

import (
	"time"

	"github.com/trenches-waitlist/internal/types"
)

// VerificationSubmission is a claimed social action, at most one per
// identity and category
type VerificationSubmission struct {
	ID         string                   `json:"id" db:"id"`
	IdentityID string                   `json:"identityId" db:"identity_id"`
	Category   types.SubmissionCategory `json:"category" db:"category"`
	URL        string                   `json:"url" db:"url"`
	Status     types.SubmissionStatus   `json:"status" db:"status"`
	CreatedAt  time.Time                `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time                `json:"updatedAt" db:"updated_at"`
}

// Participant links an identity to a campaign and carries its boost points
type Participant struct {
	ID          string    `json:"id" db:"id"`
	IdentityID  string    `json:"identityId" db:"identity_id"`
	CampaignID  string    `json:"campaignId" db:"campaign_id"`
	BoostPoints int64     `json:"boostPoints" db:"boost_points"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
