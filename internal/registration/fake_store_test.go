package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/trenches-waitlist/internal/errors"
	"github.com/trenches-waitlist/internal/models"
	"github.com/trenches-waitlist/internal/storage"
	"github.com/trenches-waitlist/internal/types"
)

// fakeState is the committed content of the fake database
type fakeState struct {
	identities   map[string]*models.Identity
	submissions  map[string]*models.VerificationSubmission
	participants []models.Participant
}

func newFakeState() *fakeState {
	return &fakeState{
		identities:  make(map[string]*models.Identity),
		submissions: make(map[string]*models.VerificationSubmission),
	}
}

func (s *fakeState) clone() *fakeState {
	out := newFakeState()
	for k, v := range s.identities {
		cp := *v
		out.identities[k] = &cp
	}
	for k, v := range s.submissions {
		cp := *v
		out.submissions[k] = &cp
	}
	out.participants = append(out.participants, s.participants...)
	return out
}

func (s *fakeState) find(match func(*models.Identity) bool) *models.Identity {
	for _, v := range s.identities {
		if match(v) {
			cp := *v
			return &cp
		}
	}
	return nil
}

// fakeStore is an in-memory storage.IdentityStore with the same unique
// constraints as the Postgres schema. Transactions run against a snapshot
// and are replayed against the latest state on commit, so a race that
// slipped past a pre-check fails at commit time like it would in Postgres.
type fakeStore struct {
	mu      sync.Mutex
	state   *fakeState
	commits int
	// failOp makes the named write fail, for rollback tests
	failOp string
}

var _ storage.IdentityStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{state: newFakeState()}
}

type op func(st *fakeState) error

// fakeQueries runs reads against st and applies writes to st immediately,
// logging them for replay when inside a transaction
type fakeQueries struct {
	st    *fakeState
	ops   *[]op
	store *fakeStore
}

func (q *fakeQueries) write(name string, fn op) error {
	if q.store.failOp == name {
		return apperrors.NewDatabaseError(name, errors.New("injected failure"))
	}
	if err := fn(q.st); err != nil {
		return err
	}
	if q.ops != nil {
		*q.ops = append(*q.ops, fn)
	}
	return nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(q storage.IdentityQueries) error) error {
	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	var ops []op
	if err := fn(&fakeQueries{st: snapshot, ops: &ops, store: s}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	for _, o := range ops {
		if err := o(next); err != nil {
			return err
		}
	}
	s.state = next
	s.commits++
	return nil
}

// autocommit runs fn outside a transaction against the committed state
func (s *fakeStore) autocommit(fn func(q *fakeQueries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&fakeQueries{st: s.state, store: s})
}

func (s *fakeStore) identityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.identities)
}

func (s *fakeStore) get(supabaseID string) *models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.find(func(i *models.Identity) bool { return i.SupabaseID == supabaseID })
}

func (s *fakeStore) submissionsFor(identityID string) []*models.VerificationSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.VerificationSubmission
	for _, sub := range s.state.submissions {
		if sub.IdentityID == identityID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeStore) addParticipant(p models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.participants = append(s.state.participants, p)
}

// seed inserts an identity directly
func (s *fakeStore) seed(identity *models.Identity) {
	if err := s.autocommit(func(q *fakeQueries) error { return q.Create(context.Background(), identity) }); err != nil {
		panic(err)
	}
}

// IdentityQueries on the store itself run in autocommit mode

func (s *fakeStore) FindBySupabaseID(ctx context.Context, id string) (out *models.Identity, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.FindBySupabaseID(ctx, id); return err })
	return out, err
}

func (s *fakeStore) LockBySupabaseID(ctx context.Context, id string) (out *models.Identity, err error) {
	return s.FindBySupabaseID(ctx, id)
}

func (s *fakeStore) FindByHandle(ctx context.Context, handle string) (out *models.Identity, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.FindByHandle(ctx, handle); return err })
	return out, err
}

func (s *fakeStore) FindByReferralCode(ctx context.Context, code string) (out *models.Identity, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.FindByReferralCode(ctx, code); return err })
	return out, err
}

func (s *fakeStore) ReferralCodeExists(ctx context.Context, code string) (out bool, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.ReferralCodeExists(ctx, code); return err })
	return out, err
}

func (s *fakeStore) Create(ctx context.Context, identity *models.Identity) error {
	return s.autocommit(func(q *fakeQueries) error { return q.Create(ctx, identity) })
}

func (s *fakeStore) Update(ctx context.Context, identity *models.Identity) error {
	return s.autocommit(func(q *fakeQueries) error { return q.Update(ctx, identity) })
}

func (s *fakeStore) SetReferrer(ctx context.Context, id, referrerID string, now time.Time) (out bool, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.SetReferrer(ctx, id, referrerID, now); return err })
	return out, err
}

func (s *fakeStore) AddBeliefScore(ctx context.Context, id string, delta int) error {
	return s.autocommit(func(q *fakeQueries) error { return q.AddBeliefScore(ctx, id, delta) })
}

func (s *fakeStore) UpsertVerification(ctx context.Context, sub *models.VerificationSubmission) error {
	return s.autocommit(func(q *fakeQueries) error { return q.UpsertVerification(ctx, sub) })
}

func (s *fakeStore) CountCreatedAtOrBefore(ctx context.Context, t time.Time) (out int64, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.CountCreatedAtOrBefore(ctx, t); return err })
	return out, err
}

func (s *fakeStore) SumBoostPoints(ctx context.Context, id string) (out int64, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.SumBoostPoints(ctx, id); return err })
	return out, err
}

func (s *fakeStore) CountReferrals(ctx context.Context, id string) (out int64, err error) {
	err = s.autocommit(func(q *fakeQueries) error { out, err = q.CountReferrals(ctx, id); return err })
	return out, err
}

// fakeQueries implementation

func (q *fakeQueries) FindBySupabaseID(_ context.Context, id string) (*models.Identity, error) {
	return q.st.find(func(i *models.Identity) bool { return i.SupabaseID == id }), nil
}

func (q *fakeQueries) LockBySupabaseID(ctx context.Context, id string) (*models.Identity, error) {
	return q.FindBySupabaseID(ctx, id)
}

func (q *fakeQueries) FindByHandle(_ context.Context, handle string) (*models.Identity, error) {
	return q.st.find(func(i *models.Identity) bool { return i.Handle != nil && *i.Handle == handle }), nil
}

func (q *fakeQueries) FindByReferralCode(_ context.Context, code string) (*models.Identity, error) {
	return q.st.find(func(i *models.Identity) bool { return i.ReferralCode == code }), nil
}

func (q *fakeQueries) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	i, _ := q.FindByReferralCode(ctx, code)
	return i != nil, nil
}

func checkUnique(st *fakeState, identity *models.Identity) error {
	for id, other := range st.identities {
		if id == identity.ID {
			continue
		}
		switch {
		case other.SupabaseID == identity.SupabaseID:
			return apperrors.NewIdentityConflictError("identity already exists for this principal")
		case identity.Handle != nil && other.Handle != nil && *other.Handle == *identity.Handle:
			return apperrors.NewHandleTakenError(*identity.Handle)
		case other.ReferralCode == identity.ReferralCode:
			return apperrors.NewReferralCodeInUseError()
		}
	}
	return nil
}

func (q *fakeQueries) Create(_ context.Context, identity *models.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	row := *identity
	return q.write("Create", func(st *fakeState) error {
		if _, ok := st.identities[row.ID]; ok {
			return apperrors.NewIdentityConflictError("duplicate id")
		}
		if err := checkUnique(st, &row); err != nil {
			return err
		}
		cp := row
		st.identities[row.ID] = &cp
		return nil
	})
}

func (q *fakeQueries) Update(_ context.Context, identity *models.Identity) error {
	row := *identity
	return q.write("Update", func(st *fakeState) error {
		cur, ok := st.identities[row.ID]
		if !ok {
			return apperrors.NewNotFoundError("identity", row.ID)
		}
		next := *cur
		next.Handle, next.Email, next.WalletSol, next.WalletEvm = row.Handle, row.Email, row.WalletSol, row.WalletEvm
		next.UpdatedAt = row.UpdatedAt
		if err := checkUnique(st, &next); err != nil {
			return err
		}
		st.identities[row.ID] = &next
		return nil
	})
}

func (q *fakeQueries) SetReferrer(_ context.Context, id, referrerID string, now time.Time) (bool, error) {
	applied := false
	first := true
	err := q.write("SetReferrer", func(st *fakeState) error {
		cur, ok := st.identities[id]
		set := ok && cur.ReferredByID == nil && id != referrerID
		if first {
			first = false
			applied = set
		} else if set != applied {
			// the row changed under the transaction
			return apperrors.NewIdentityConflictError("concurrent referrer update")
		}
		if set {
			ref := referrerID
			cur.ReferredByID = &ref
			cur.UpdatedAt = now
		}
		return nil
	})
	return applied, err
}

func (q *fakeQueries) AddBeliefScore(_ context.Context, id string, delta int) error {
	return q.write("AddBeliefScore", func(st *fakeState) error {
		cur, ok := st.identities[id]
		if !ok {
			return apperrors.NewNotFoundError("identity", id)
		}
		cur.BeliefScore += delta
		return nil
	})
}

func (q *fakeQueries) UpsertVerification(_ context.Context, sub *models.VerificationSubmission) error {
	key := fmt.Sprintf("%s/%s", sub.IdentityID, sub.Category)
	row := *sub
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.Status == "" {
		row.Status = types.SubmissionPending
	}
	err := q.write("UpsertVerification", func(st *fakeState) error {
		if cur, ok := st.submissions[key]; ok {
			cur.URL = row.URL
			cur.UpdatedAt = row.UpdatedAt
			return nil
		}
		cp := row
		st.submissions[key] = &cp
		return nil
	})
	if err == nil {
		*sub = *q.st.submissions[key]
	}
	return err
}

func (q *fakeQueries) CountCreatedAtOrBefore(_ context.Context, t time.Time) (int64, error) {
	var n int64
	for _, i := range q.st.identities {
		if !i.CreatedAt.After(t) {
			n++
		}
	}
	return n, nil
}

func (q *fakeQueries) SumBoostPoints(_ context.Context, id string) (int64, error) {
	var n int64
	for _, p := range q.st.participants {
		if p.IdentityID == id {
			n += p.BoostPoints
		}
	}
	return n, nil
}

func (q *fakeQueries) CountReferrals(_ context.Context, id string) (int64, error) {
	var n int64
	for _, i := range q.st.identities {
		if i.ReferredByID != nil && *i.ReferredByID == id {
			n++
		}
	}
	return n, nil
}
