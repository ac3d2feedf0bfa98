// Package models provides data models for the waitlist service.
package models

import (
	"time"
)

// JoinedAtLayout formats the human readable join date, e.g. "Jan 2, 2006".
const JoinedAtLayout = "Jan 2, 2006"

// Identity represents a registered waitlist participant
type Identity struct {
	ID           string    `json:"id" db:"id"`
	SupabaseID   string    `json:"supabaseId" db:"supabase_id"`
	Handle       *string   `json:"handle" db:"handle"`
	Email        *string   `json:"email" db:"email"`
	WalletSol    *string   `json:"walletSol" db:"wallet_sol"`
	WalletEvm    *string   `json:"walletEvm" db:"wallet_evm"`
	BeliefScore  int       `json:"beliefScore" db:"belief_score"`
	ReferralCode string    `json:"referralCode" db:"referral_code"`
	ReferredByID *string   `json:"referredById" db:"referred_by_id"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// DerivedFields are computed from other rows after persistence and never stored
type DerivedFields struct {
	Position      int64
	BoostPoints   int64
	ReferralCount int64
}

// IdentityView is the identity as returned to clients
type IdentityView struct {
	Identity
	Position      int64  `json:"position"`
	BoostPoints   int64  `json:"boostPoints"`
	JoinedAt      string `json:"joinedAt"`
	ReferralCount int64  `json:"referralCount"`
}

// NewIdentityView combines a stored identity with its derived fields
func NewIdentityView(identity *Identity, derived DerivedFields) *IdentityView {
	return &IdentityView{
		Identity:      *identity,
		Position:      derived.Position,
		BoostPoints:   derived.BoostPoints,
		JoinedAt:      identity.CreatedAt.UTC().Format(JoinedAtLayout),
		ReferralCount: derived.ReferralCount,
	}
}

// ReferrerSummary is the public part of an identity exposed by referral code lookups
type ReferrerSummary struct {
	Handle *string `json:"handle"`
	Code   string  `json:"code"`
}
