// Package ratelimit implements the admission controller: per client identifier
// and per endpoint class request budgets over fixed-length windows, backed by
// either a shared Redis counter store or an in-process map.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/trenches-waitlist/internal/config"
	"github.com/trenches-waitlist/internal/types"
)

// Default budgets per endpoint class.
const (
	DefaultUserSyncLimit         = 5
	DefaultReferralValidateLimit = 10
	DefaultGeneralLimit          = 60
	DefaultWindow                = time.Minute
)

// Policy is the request budget for one endpoint class.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Validate checks that the policy can admit at least one request.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	return nil
}

// Policies maps each endpoint class to its budget.
type Policies map[types.EndpointClass]Policy

// DefaultPolicies returns the built-in budgets.
func DefaultPolicies() Policies {
	return Policies{
		types.ClassUserSync:         {Limit: DefaultUserSyncLimit, Window: DefaultWindow},
		types.ClassReferralValidate: {Limit: DefaultReferralValidateLimit, Window: DefaultWindow},
		types.ClassDefault:          {Limit: DefaultGeneralLimit, Window: DefaultWindow},
	}
}

// PoliciesFromConfig builds the class budgets from loaded configuration.
func PoliciesFromConfig(cfg config.RateLimitConfig) Policies {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return Policies{
		types.ClassUserSync:         {Limit: cfg.UserSyncLimit, Window: window},
		types.ClassReferralValidate: {Limit: cfg.ReferralValidateLimit, Window: window},
		types.ClassDefault:          {Limit: cfg.DefaultLimit, Window: window},
	}
}

// Validate checks every policy and requires the default class to be present.
func (p Policies) Validate() error {
	if _, ok := p[types.ClassDefault]; !ok {
		return fmt.Errorf("policy for class %q is required", types.ClassDefault)
	}
	for class, policy := range p {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("class %q: %w", class, err)
		}
	}
	return nil
}

// For returns the policy for class, falling back to the default class.
func (p Policies) For(class types.EndpointClass) (types.EndpointClass, Policy) {
	if policy, ok := p[class]; ok {
		return class, policy
	}
	return types.ClassDefault, p[types.ClassDefault]
}
