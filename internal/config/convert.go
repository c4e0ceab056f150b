// ABOUTME: Secret resolution and conversion into the runtime option types
// ABOUTME: Maps config sections onto identity, directline and rate settings

package config

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/identity"
	"github.com/2389/coven-directline/internal/secrets"
)

// SecretResolver turns a secret reference into its value. Values that are
// not references are returned unchanged.
type SecretResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// HasSecretRefs reports whether any secret field holds an ssm: reference.
func (c *Config) HasSecretRefs() bool {
	for _, p := range c.secretFields() {
		if secrets.IsRef(*p.value) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces secret references in place.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	for _, p := range c.secretFields() {
		v, err := r.Resolve(ctx, *p.value)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p.name, err)
		}
		*p.value = v
	}
	return nil
}

type secretField struct {
	name  string
	value *string
}

func (c *Config) secretFields() []secretField {
	return []secretField{
		{"identity.client_secret", &c.Identity.ClientSecret},
		{"directline.secret", &c.DirectLine.Secret},
	}
}

// BaseURL returns the explicit endpoint or the region's endpoint.
func (c DirectLineConfig) BaseURL() (string, error) {
	if c.Endpoint != "" {
		return c.Endpoint, nil
	}
	return directline.EndpointForRegion(c.Region)
}

// Limiter returns the request rate limiter, or nil when disabled.
func (c RateLimitConfig) Limiter() *rate.Limiter {
	if c.RPS <= 0 {
		return nil
	}
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RPS), burst)
}

// Policy returns the retry policy.
func (c RetryConfig) Policy() directline.RetryPolicy {
	return directline.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		RetrySends:  c.RetrySends,
	}
}

// Provider returns the identity provider settings.
func (c IdentityConfig) Provider() identity.Config {
	return identity.Config{
		TenantID:           c.TenantID,
		ClientID:           c.ClientID,
		ClientSecret:       c.ClientSecret,
		Scopes:             c.Scopes,
		Authority:          c.Authority,
		Flow:               identity.Flow(c.Flow),
		InteractionTimeout: c.InteractionTimeout,
	}
}

// User returns the session user; an empty id is left for the session to
// generate.
func (c SessionConfig) User() directline.User {
	return directline.User{ID: c.UserID, Name: c.UserName}
}
