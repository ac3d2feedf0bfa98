package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/types"
)

// Unique constraint names from migrations/postgres
const (
	constraintSupabaseID   = "identities_supabase_id_key"
	constraintHandle       = "identities_handle_key"
	constraintReferralCode = "identities_referral_code_key"

	pgUniqueViolation = "23505"
)

// IdentityQueries are the identity reads and writes used by registration.
// Lookups return (nil, nil) when no row matches.
type IdentityQueries interface {
	FindBySupabaseID(ctx context.Context, supabaseID string) (*models.Identity, error)
	// LockBySupabaseID is FindBySupabaseID holding a row lock until the
	// surrounding transaction ends.
	LockBySupabaseID(ctx context.Context, supabaseID string) (*models.Identity, error)
	FindByHandle(ctx context.Context, handle string) (*models.Identity, error)
	FindByReferralCode(ctx context.Context, code string) (*models.Identity, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)

	Create(ctx context.Context, identity *models.Identity) error
	Update(ctx context.Context, identity *models.Identity) error
	// SetReferrer sets referred_by_id only while it is null and reports
	// whether the row changed.
	SetReferrer(ctx context.Context, identityID, referrerID string, now time.Time) (bool, error)
	AddBeliefScore(ctx context.Context, identityID string, delta int) error
	UpsertVerification(ctx context.Context, sub *models.VerificationSubmission) error

	CountCreatedAtOrBefore(ctx context.Context, t time.Time) (int64, error)
	SumBoostPoints(ctx context.Context, identityID string) (int64, error)
	CountReferrals(ctx context.Context, identityID string) (int64, error)
}

// IdentityStore runs IdentityQueries directly or inside one transaction
type IdentityStore interface {
	IdentityQueries
	WithTx(ctx context.Context, fn func(q IdentityQueries) error) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdentityRepository handles identity persistence
type IdentityRepository struct {
	db *PostgresDB
	identityQueries
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *PostgresDB) *IdentityRepository {
	return &IdentityRepository{db: db, identityQueries: identityQueries{q: db.Pool()}}
}

// WithTx runs fn in a transaction. fn's error rolls everything back.
func (r *IdentityRepository) WithTx(ctx context.Context, fn func(q IdentityQueries) error) error {
	return pgx.BeginFunc(ctx, r.db.Pool(), func(tx pgx.Tx) error {
		return fn(identityQueries{q: tx})
	})
}

type identityQueries struct {
	q querier
}

const identityColumns = `
	id, supabase_id, handle, email, wallet_sol, wallet_evm,
	belief_score, referral_code, referred_by_id, created_at, updated_at`

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var identity models.Identity
	err := row.Scan(
		&identity.ID,
		&identity.SupabaseID,
		&identity.Handle,
		&identity.Email,
		&identity.WalletSol,
		&identity.WalletEvm,
		&identity.BeliefScore,
		&identity.ReferralCode,
		&identity.ReferredByID,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &identity, nil
}

func (r identityQueries) findOne(ctx context.Context, op, where string, arg any) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + where
	identity, err := scanIdentity(r.q.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return identity, nil
}

// FindBySupabaseID retrieves an identity by its auth principal id
func (r identityQueries) FindBySupabaseID(ctx context.Context, supabaseID string) (*models.Identity, error) {
	return r.findOne(ctx, "find identity by principal", "supabase_id = $1", supabaseID)
}

// LockBySupabaseID retrieves and row-locks an identity by its auth principal id
func (r identityQueries) LockBySupabaseID(ctx context.Context, supabaseID string) (*models.Identity, error) {
	return r.findOne(ctx, "lock identity by principal", "supabase_id = $1 FOR UPDATE", supabaseID)
}

// FindByHandle retrieves an identity by handle
func (r identityQueries) FindByHandle(ctx context.Context, handle string) (*models.Identity, error) {
	return r.findOne(ctx, "find identity by handle", "handle = $1", handle)
}

// FindByReferralCode retrieves an identity by its (upper-case) referral code
func (r identityQueries) FindByReferralCode(ctx context.Context, code string) (*models.Identity, error) {
	return r.findOne(ctx, "find identity by referral code", "referral_code = $1", code)
}

// ReferralCodeExists reports whether code is assigned to any identity
func (r identityQueries) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM identities WHERE referral_code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, apperrors.NewDatabaseError("check referral code", err)
	}
	return exists, nil
}

// Create inserts a new identity. Unique violations map to conflict errors.
func (r identityQueries) Create(ctx context.Context, identity *models.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = identity.CreatedAt
	}

	query := `
		INSERT INTO identities (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.Exec(ctx, query,
		identity.ID,
		identity.SupabaseID,
		identity.Handle,
		identity.Email,
		identity.WalletSol,
		identity.WalletEvm,
		identity.BeliefScore,
		identity.ReferralCode,
		identity.ReferredByID,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return mapIdentityWriteError("create identity", identity, err)
	}
	return nil
}

// Update writes the mutable profile fields of an identity
func (r identityQueries) Update(ctx context.Context, identity *models.Identity) error {
	query := `
		UPDATE identities
		SET handle = $2, email = $3, wallet_sol = $4, wallet_evm = $5, updated_at = $6
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query,
		identity.ID,
		identity.Handle,
		identity.Email,
		identity.WalletSol,
		identity.WalletEvm,
		identity.UpdatedAt,
	)
	if err != nil {
		return mapIdentityWriteError("update identity", identity, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("identity", identity.ID)
	}
	return nil
}

// SetReferrer records the first referrer of an identity
func (r identityQueries) SetReferrer(ctx context.Context, identityID, referrerID string, now time.Time) (bool, error) {
	query := `
		UPDATE identities
		SET referred_by_id = $2, updated_at = $3
		WHERE id = $1 AND referred_by_id IS NULL AND id <> $2
	`

	tag, err := r.q.Exec(ctx, query, identityID, referrerID, now)
	if err != nil {
		return false, apperrors.NewDatabaseError("set referrer", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddBeliefScore adjusts an identity's reputation score
func (r identityQueries) AddBeliefScore(ctx context.Context, identityID string, delta int) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE identities SET belief_score = belief_score + $2 WHERE id = $1`,
		identityID, delta,
	)
	if err != nil {
		return apperrors.NewDatabaseError("add belief score", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("identity", identityID)
	}
	return nil
}

// UpsertVerification creates the submission for (identity, category) or
// refreshes its URL and timestamp
func (r identityQueries) UpsertVerification(ctx context.Context, sub *models.VerificationSubmission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.Status == "" {
		sub.Status = types.SubmissionPending
	}

	query := `
		INSERT INTO verification_submissions (id, identity_id, category, url, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (identity_id, category) DO UPDATE
		SET url = EXCLUDED.url, updated_at = EXCLUDED.updated_at
		RETURNING id, status, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		sub.ID,
		sub.IdentityID,
		sub.Category,
		sub.URL,
		sub.Status,
		sub.UpdatedAt,
	).Scan(&sub.ID, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("upsert verification submission", err)
	}
	return nil
}

// CountCreatedAtOrBefore counts identities created at or before t
func (r identityQueries) CountCreatedAtOrBefore(ctx context.Context, t time.Time) (int64, error) {
	return r.count(ctx, "count queue position",
		`SELECT COUNT(*) FROM identities WHERE created_at <= $1`, t)
}

// SumBoostPoints sums boost points over an identity's participation records
func (r identityQueries) SumBoostPoints(ctx context.Context, identityID string) (int64, error) {
	return r.count(ctx, "sum boost points",
		`SELECT COALESCE(SUM(boost_points), 0) FROM participants WHERE identity_id = $1`, identityID)
}

// CountReferrals counts identities referred by identityID
func (r identityQueries) CountReferrals(ctx context.Context, identityID string) (int64, error) {
	return r.count(ctx, "count referrals",
		`SELECT COUNT(*) FROM identities WHERE referred_by_id = $1`, identityID)
}

func (r identityQueries) count(ctx context.Context, op, query string, arg any) (int64, error) {
	var n int64
	if err := r.q.QueryRow(ctx, query, arg).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError(op, err)
	}
	return n, nil
}

// mapIdentityWriteError turns unique violations into conflict errors
func mapIdentityWriteError(op string, identity *models.Identity, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return apperrors.NewDatabaseError(op, err)
	}

	switch pgErr.ConstraintName {
	case constraintHandle:
		handle := ""
		if identity.Handle != nil {
			handle = *identity.Handle
		}
		return apperrors.NewHandleTakenError(handle)
	case constraintReferralCode:
		return apperrors.NewReferralCodeInUseError()
	case constraintSupabaseID:
		return apperrors.NewIdentityConflictError("identity already exists for this principal")
	default:
		return apperrors.NewIdentityConflictError(fmt.Sprintf("unique constraint %s violated", pgErr.ConstraintName))
	}
}
