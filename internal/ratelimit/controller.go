package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trenches-waitlist/internal/config"
	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/storage"
	"github.com/trenches-waitlist/internal/types"
)

// DecisionRecorder receives every admission decision. Implementations must
// not block the caller.
type DecisionRecorder interface {
	Record(ctx context.Context, identifier string, decision Decision)
}

// Controller decides whether a client may invoke an endpoint class.
type Controller struct {
	store     CounterStore
	policies  Policies
	keyPrefix string
	now       func() time.Time
	recorder  DecisionRecorder
}

// ControllerConfig holds configuration for the admission controller.
type ControllerConfig struct {
	// Store is required.
	Store CounterStore
	// Policies defaults to DefaultPolicies().
	Policies Policies
	// KeyPrefix namespaces counter keys. Default: "ratelimit".
	KeyPrefix string
	// Now defaults to time.Now.
	Now func() time.Time
	// Recorder is optional.
	Recorder DecisionRecorder
}

// NewController creates an admission controller.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("counter store is required")
	}

	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	if err := policies.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policies: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		store:     cfg.Store,
		policies:  policies,
		keyPrefix: prefix,
		now:       now,
		recorder:  cfg.Recorder,
	}, nil
}

// Admit consumes one slot of identifier's budget for class. Unknown classes
// are charged against the default class. When the counter store fails the
// request is admitted uncounted and the decision is marked Degraded.
func (c *Controller) Admit(ctx context.Context, identifier string, class types.EndpointClass) Decision {
	class, policy := c.policies.For(class)
	now := c.now()
	key := counterKey(c.keyPrefix, string(class), identifier)

	state, err := c.store.Increment(ctx, key, policy.Limit, policy.Window, now)
	var decision Decision
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"store":      c.store.Name(),
			"class":      class,
			"identifier": identifier,
		}).Warn("Rate limit store unavailable, admitting request")

		decision = Decision{
			Admitted:  true,
			Class:     class,
			Limit:     policy.Limit,
			Remaining: policy.Limit - 1,
			Reset:     now.Add(policy.Window),
			Degraded:  true,
		}
	} else {
		remaining := 0
		if state.Admitted {
			remaining = policy.Limit - state.Count
		}
		if remaining < 0 {
			remaining = 0
		}
		decision = Decision{
			Admitted:  state.Admitted,
			Class:     class,
			Limit:     policy.Limit,
			Remaining: remaining,
			Reset:     state.Reset,
		}
	}

	if c.recorder != nil {
		c.recorder.Record(ctx, identifier, decision)
	}
	return decision
}

// Now returns the controller's clock reading.
func (c *Controller) Now() time.Time {
	return c.now()
}

// StoreName identifies the active backend.
func (c *Controller) StoreName() string {
	return c.store.Name()
}

// SelectStore picks the counter backend once at startup: Redis when both an
// endpoint and a credential are configured and reachable, otherwise the
// in-memory map. The returned close func releases the Redis client, if any.
func SelectStore(ctx context.Context, redisCfg config.RedisConfig, rlCfg config.RateLimitConfig) (CounterStore, func() error, error) {
	memory := func() CounterStore {
		return NewMemoryStore(&MemoryStoreConfig{
			SweepEvery:    rlCfg.SweepEvery,
			SweepInterval: rlCfg.SweepInterval,
		})
	}
	noop := func() error { return nil }

	if !redisCfg.Enabled() {
		logging.Info("Shared rate limit store not configured, using in-memory counters")
		return memory(), noop, nil
	}

	cache, err := storage.NewRedisCache(ctx, redisCfg)
	if err != nil {
		logging.WithError(err).Warn("Shared rate limit store unreachable, using in-memory counters")
		return memory(), noop, nil
	}

	store, err := NewRedisStore(&RedisStoreConfig{Client: cache.Client()})
	if err != nil {
		_ = cache.Close()
		return nil, noop, err
	}

	logging.WithField("addr", cache.Addr()).Info("Using shared Redis rate limit store")
	return store, cache.Close, nil
}
