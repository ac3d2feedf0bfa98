package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentityView(t *testing.T) {
	handle := "@trader_99"
	identity := &Identity{
		ID:           "3f0c7a0e-3f55-4d0c-b1c4-5f7a2f0b9d11",
		SupabaseID:   "8d1f2c3b-aaaa-bbbb-cccc-1234567890ab",
		Handle:       &handle,
		ReferralCode: "A1B2C3D4",
		CreatedAt:    time.Date(2025, time.March, 7, 23, 30, 0, 0, time.UTC),
	}

	view := NewIdentityView(identity, DerivedFields{Position: 12, BoostPoints: 30, ReferralCount: 2})

	assert.Equal(t, "Mar 7, 2025", view.JoinedAt)
	assert.Equal(t, int64(12), view.Position)

	raw, err := json.Marshal(view)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	for _, key := range []string{"id", "supabaseId", "handle", "email", "walletSol", "walletEvm",
		"beliefScore", "referralCode", "referredById", "createdAt", "position", "boostPoints",
		"joinedAt", "referralCount"} {
		assert.Contains(t, body, key)
	}
	assert.Nil(t, body["referredById"])
	assert.Equal(t, "@trader_99", body["handle"])
}

func TestDefaultPlatformConfig(t *testing.T) {
	cfg := DefaultPlatformConfig()
	assert.Equal(t, DefaultPlatformConfigID, cfg.ID)
	assert.Equal(t, "Trenches", cfg.PlatformName)
	assert.Nil(t, cfg.DeploymentDate)
}
