package models

import "time"

// DefaultPlatformConfigID is the primary key of the singleton config row
const DefaultPlatformConfigID = "default"

// PlatformConfig holds public site settings: social links and copy text
type PlatformConfig struct {
	ID                      string     `json:"id" db:"id"`
	TelegramURL             string     `json:"telegramUrl" db:"telegram_url"`
	TwitterURL              string     `json:"twitterUrl" db:"twitter_url"`
	TwitterHandle           string     `json:"twitterHandle" db:"twitter_handle"`
	PlatformName            string     `json:"platformName" db:"platform_name"`
	ReferralDomain          string     `json:"referralDomain" db:"referral_domain"`
	DocsURL                 string     `json:"docsUrl" db:"docs_url"`
	WaitlistStatusMessage   string     `json:"waitlistStatusMessage" db:"waitlist_status_message"`
	DeploymentStatusMessage string     `json:"deploymentStatusMessage" db:"deployment_status_message"`
	OnboardingTweetText     string     `json:"onboardingTweetText" db:"onboarding_tweet_text"`
	DeploymentDate          *time.Time `json:"deploymentDate" db:"deployment_date"`
}

// DefaultPlatformConfig returns the settings served when no row is stored
func DefaultPlatformConfig() *PlatformConfig {
	return &PlatformConfig{
		ID:                      DefaultPlatformConfigID,
		TelegramURL:             "https://t.me/trenchesprotocol",
		TwitterURL:              "https://x.com/traboraofficial",
		TwitterHandle:           "@traboraofficial",
		PlatformName:            "Trenches",
		ReferralDomain:          "playtrenches.xyz",
		DocsURL:                 "https://docs.playtrenches.xyz",
		WaitlistStatusMessage:   "WAITLIST PROTOCOL ACTIVE",
		DeploymentStatusMessage: "DEPLOYMENT WINDOW OPEN",
		OnboardingTweetText:     "Just enlisted in the @traboraofficial deployment queue. Spray and Play! 🔫",
	}
}
