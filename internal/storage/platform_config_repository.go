package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/models"
)

// PlatformConfigRepository reads the public platform configuration
type PlatformConfigRepository struct {
	db *PostgresDB
}

// NewPlatformConfigRepository creates a new platform config repository
func NewPlatformConfigRepository(db *PostgresDB) *PlatformConfigRepository {
	return &PlatformConfigRepository{db: db}
}

// Get returns the stored configuration, or the built-in defaults when no
// row has been saved
func (r *PlatformConfigRepository) Get(ctx context.Context) (*models.PlatformConfig, error) {
	query := `
		SELECT id, telegram_url, twitter_url, twitter_handle, platform_name,
		       referral_domain, docs_url, waitlist_status_message,
		       deployment_status_message, onboarding_tweet_text, deployment_date
		FROM platform_config
		WHERE id = $1
	`

	var cfg models.PlatformConfig
	err := r.db.Pool().QueryRow(ctx, query, models.DefaultPlatformConfigID).Scan(
		&cfg.ID,
		&cfg.TelegramURL,
		&cfg.TwitterURL,
		&cfg.TwitterHandle,
		&cfg.PlatformName,
		&cfg.ReferralDomain,
		&cfg.DocsURL,
		&cfg.WaitlistStatusMessage,
		&cfg.DeploymentStatusMessage,
		&cfg.OnboardingTweetText,
		&cfg.DeploymentDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultPlatformConfig(), nil
		}
		return nil, apperrors.NewDatabaseError("get platform config", err)
	}

	return &cfg, nil
}
