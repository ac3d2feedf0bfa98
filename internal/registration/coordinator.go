// Package registration implements the identity sync flow: payload
// validation, referrer resolution, referral code assignment and the
// atomic create-or-update of an identity with its referral bonus.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trenches-waitlist/internal/auth"
	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/refcode"
	"github.com/trenches-waitlist/internal/storage"
	"github.com/trenches-waitlist/internal/types"
	"github.com/trenches-waitlist/internal/validation"
)

const (
	// ReferralBonus is added to a referrer's belief score the first time
	// an identity records them
	ReferralBonus = 50

	synthesizedHandlePrefix = "@user_"
	synthesizedHandleChars  = 8
)

// SyncPayload is the body of an identity sync. Empty fields are absent.
type SyncPayload struct {
	Handle           string `json:"handle"`
	Email            string `json:"email"`
	WalletSol        string `json:"walletSol"`
	WalletEvm        string `json:"walletEvm"`
	ReferredByCode   string `json:"referredByCode"`
	VerificationLink string `json:"verificationLink"`
}

// syncInput is a validated and normalized payload
type syncInput struct {
	handle           *string
	email            *string
	walletSol        *string
	walletEvm        *string
	referralCode     string
	verificationLink *string
}

// Config configures the coordinator
type Config struct {
	Store storage.IdentityStore
	// Codes defaults to a crypto/rand generator.
	Codes *refcode.Generator
	Now   func() time.Time
}

// Coordinator implements identity registration
type Coordinator struct {
	store storage.IdentityStore
	codes *refcode.Generator
	now   func() time.Time
}

// NewCoordinator creates a registration coordinator
func NewCoordinator(cfg *Config) (*Coordinator, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, errors.New("identity store is required")
	}
	codes := cfg.Codes
	if codes == nil {
		codes = refcode.NewGenerator()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{store: cfg.Store, codes: codes, now: now}, nil
}

// SyncIdentity creates the principal's identity or updates the supplied
// fields of an existing one, then returns it with its derived fields.
func (c *Coordinator) SyncIdentity(ctx context.Context, principal *auth.Principal, payload SyncPayload) (*models.IdentityView, error) {
	if principal == nil || principal.ID == "" {
		return nil, apperrors.NewUnauthorizedError("authentication required")
	}

	in, err := validatePayload(payload)
	if err != nil {
		return nil, err
	}

	referrer, err := c.resolveReferrer(ctx, principal, in.referralCode)
	if err != nil {
		return nil, err
	}

	identity, err := c.persist(ctx, principal, in, referrer)
	if err != nil && apperrors.HasCode(err, apperrors.CodeIdentityConflict) {
		// A concurrent sync created the row first. Resolve the conflict by
		// applying this payload to that row; persist now takes the update path.
		identity, err = c.persist(ctx, principal, in, referrer)
	}
	if err != nil {
		return nil, err
	}

	return c.view(ctx, identity)
}

// LookupIdentity returns the identity for a principal id, or nil when none exists
func (c *Coordinator) LookupIdentity(ctx context.Context, supabaseID string) (*models.IdentityView, error) {
	if strings.TrimSpace(supabaseID) == "" {
		return nil, apperrors.NewInvalidParameterError("supabaseId", "is required")
	}

	identity, err := c.store.FindBySupabaseID(ctx, supabaseID)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, nil
	}
	return c.view(ctx, identity)
}

// ValidateReferralCode looks a code up case-insensitively. Unknown or
// malformed codes return (nil, nil).
func (c *Coordinator) ValidateReferralCode(ctx context.Context, code string) (*models.ReferrerSummary, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperrors.NewInvalidParameterError("code", "missing referral code")
	}

	referrer, err := c.findReferrer(ctx, code)
	if err != nil || referrer == nil {
		return nil, err
	}
	return &models.ReferrerSummary{Handle: referrer.Handle, Code: referrer.ReferralCode}, nil
}

func validatePayload(p SyncPayload) (*syncInput, error) {
	var errs validation.Errors
	in := &syncInput{referralCode: strings.TrimSpace(p.ReferredByCode)}

	if h := strings.TrimSpace(p.Handle); h != "" {
		normalized, err := validation.NormalizeHandle(h)
		errs.Add("handle", err)
		in.handle = &normalized
	}
	if e := strings.TrimSpace(p.Email); e != "" {
		errs.Add("email", validation.ValidateEmail(e))
		in.email = &e
	}
	if w := strings.TrimSpace(p.WalletEvm); w != "" {
		errs.Add("walletEvm", validation.ValidateEvmAddress(w))
		in.walletEvm = &w
	}
	if w := strings.TrimSpace(p.WalletSol); w != "" {
		errs.Add("walletSol", validation.ValidateSolanaAddress(w))
		in.walletSol = &w
	}
	if l := strings.TrimSpace(p.VerificationLink); l != "" {
		errs.Add("verificationLink", validation.ValidateVerificationURL(l))
		in.verificationLink = &l
	}

	if !errs.Empty() {
		return nil, apperrors.NewValidationError(errs.Fields())
	}
	return in, nil
}

// findReferrer returns the identity owning code, or nil when the code is
// malformed or unassigned
func (c *Coordinator) findReferrer(ctx context.Context, code string) (*models.Identity, error) {
	if validation.ValidateReferralCode(code) != nil {
		return nil, nil
	}
	return c.store.FindByReferralCode(ctx, validation.NormalizeReferralCode(code))
}

// resolveReferrer returns the candidate referrer for code. An unknown code
// yields no referrer; the caller's own code is a conflict.
func (c *Coordinator) resolveReferrer(ctx context.Context, principal *auth.Principal, code string) (*models.Identity, error) {
	if code == "" {
		return nil, nil
	}

	referrer, err := c.findReferrer(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrer == nil {
		logging.FromContext(ctx).WithField("code", code).Debug("Ignoring unknown referral code")
		return nil, nil
	}
	if referrer.SupabaseID == principal.ID {
		return nil, apperrors.NewSelfReferralError()
	}
	return referrer, nil
}

// persist runs the create-or-update sequence in one transaction
func (c *Coordinator) persist(ctx context.Context, principal *auth.Principal, in *syncInput, referrer *models.Identity) (*models.Identity, error) {
	var result *models.Identity
	err := c.store.WithTx(ctx, func(q storage.IdentityQueries) error {
		existing, err := q.LockBySupabaseID(ctx, principal.ID)
		if err != nil {
			return err
		}

		if existing != nil {
			result, err = c.updateExisting(ctx, q, existing, principal, in, referrer)
		} else {
			result, err = c.createNew(ctx, q, principal, in, referrer)
		}
		if err != nil {
			return err
		}

		if in.verificationLink != nil {
			now := c.now()
			return q.UpsertVerification(ctx, &models.VerificationSubmission{
				IdentityID: result.ID,
				Category:   types.CategoryOnboardingPost,
				URL:        *in.verificationLink,
				Status:     types.SubmissionPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) updateExisting(ctx context.Context, q storage.IdentityQueries, identity *models.Identity, principal *auth.Principal, in *syncInput, referrer *models.Identity) (*models.Identity, error) {
	if in.handle != nil && !equalPtr(identity.Handle, in.handle) {
		if err := ensureHandleAvailable(ctx, q, *in.handle, identity.ID); err != nil {
			return nil, err
		}
		identity.Handle = in.handle
	}
	if in.email != nil {
		identity.Email = in.email
	} else if identity.Email == nil && principal.Email != "" {
		email := principal.Email
		identity.Email = &email
	}
	if in.walletSol != nil {
		identity.WalletSol = in.walletSol
	}
	if in.walletEvm != nil {
		identity.WalletEvm = in.walletEvm
	}
	identity.UpdatedAt = c.now()

	if err := q.Update(ctx, identity); err != nil {
		return nil, err
	}

	if referrer != nil && identity.ReferredByID == nil {
		if referrer.ID == identity.ID {
			return nil, apperrors.NewSelfReferralError()
		}
		set, err := q.SetReferrer(ctx, identity.ID, referrer.ID, identity.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if set {
			if err := q.AddBeliefScore(ctx, referrer.ID, ReferralBonus); err != nil {
				return nil, err
			}
			referrerID := referrer.ID
			identity.ReferredByID = &referrerID
			logReferral(ctx, identity, referrer)
		}
	}

	return identity, nil
}

func (c *Coordinator) createNew(ctx context.Context, q storage.IdentityQueries, principal *auth.Principal, in *syncInput, referrer *models.Identity) (*models.Identity, error) {
	handle := in.handle
	if handle == nil {
		synthesized, err := c.pickSynthesizedHandle(ctx, q, principal.ID)
		if err != nil {
			return nil, err
		}
		handle = &synthesized
	} else if err := ensureHandleAvailable(ctx, q, *handle, ""); err != nil {
		return nil, err
	}

	email := in.email
	if email == nil && principal.Email != "" {
		e := principal.Email
		email = &e
	}

	code, err := c.codes.Generate(ctx, q.ReferralCodeExists)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to generate referral code", err)
	}

	now := c.now()
	identity := &models.Identity{
		SupabaseID:   principal.ID,
		Handle:       handle,
		Email:        email,
		WalletSol:    in.walletSol,
		WalletEvm:    in.walletEvm,
		ReferralCode: code,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if referrer != nil {
		referrerID := referrer.ID
		identity.ReferredByID = &referrerID
	}

	if err := q.Create(ctx, identity); err != nil {
		return nil, err
	}

	if referrer != nil {
		if err := q.AddBeliefScore(ctx, referrer.ID, ReferralBonus); err != nil {
			return nil, err
		}
		logReferral(ctx, identity, referrer)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"identityId":   identity.ID,
		"referralCode": identity.ReferralCode,
	}).Info("Identity created")

	return identity, nil
}

// view computes the derived read-model fields concurrently
func (c *Coordinator) view(ctx context.Context, identity *models.Identity) (*models.IdentityView, error) {
	var derived models.DerivedFields
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := c.store.CountCreatedAtOrBefore(gctx, identity.CreatedAt)
		derived.Position = n
		return err
	})
	g.Go(func() error {
		n, err := c.store.SumBoostPoints(gctx, identity.ID)
		derived.BoostPoints = n
		return err
	})
	g.Go(func() error {
		n, err := c.store.CountReferrals(gctx, identity.ID)
		derived.ReferralCount = n
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute derived fields: %w", err)
	}
	return models.NewIdentityView(identity, derived), nil
}

func ensureHandleAvailable(ctx context.Context, q storage.IdentityQueries, handle, ownerID string) error {
	holder, err := q.FindByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if holder != nil && holder.ID != ownerID {
		return apperrors.NewHandleTakenError(handle)
	}
	return nil
}

// pickSynthesizedHandle returns an unused "@user_" handle. The first
// candidate is derived from the principal id; later ones are random.
func (c *Coordinator) pickSynthesizedHandle(ctx context.Context, q storage.IdentityQueries, principalID string) (string, error) {
	candidate := synthesizeHandle(principalID)
	for attempt := 0; attempt < refcode.MaxAttempts; attempt++ {
		holder, err := q.FindByHandle(ctx, candidate)
		if err != nil {
			return "", err
		}
		if holder == nil {
			return candidate, nil
		}

		token, err := c.codes.Token(synthesizedHandleChars / 2)
		if err != nil {
			return "", apperrors.NewInternalError("failed to synthesize handle", err)
		}
		candidate = synthesizedHandlePrefix + token
	}
	return "", apperrors.NewInternalError("failed to synthesize an unused handle", nil)
}

func synthesizeHandle(principalID string) string {
	id := principalID
	if len(id) > synthesizedHandleChars {
		id = id[:synthesizedHandleChars]
	}
	return synthesizedHandlePrefix + id
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func logReferral(ctx context.Context, identity, referrer *models.Identity) {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"identityId": identity.ID,
		"referrerId": referrer.ID,
		"bonus":      ReferralBonus,
	}).Info("Referral recorded")
}
