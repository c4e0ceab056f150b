// Package identity acquires identity-platform access tokens for enhanced
// Direct Line authentication.
//
// # Flows
//
// A Provider runs exactly one of two flows, chosen by Config.Flow:
//
//   - interactive: delegated sign-in with the authorization-code flow and PKCE
//     (S256). The browser step is delegated to an Authorizer; the default
//     LoopbackAuthorizer receives the redirect on 127.0.0.1.
//   - client_credentials: non-interactive, requires a client secret.
//
// Acquire dispatches on the configured flow, so call sites never branch on it.
//
// # Cache
//
// Tokens and refresh tokens are held in an explicit *Cache created by the
// caller. Nothing is written to disk and there is no package-level cache:
//
//	cache := identity.NewCache()
//	p, err := identity.NewProvider(cfg, cache)
//	tok, err := p.Acquire(ctx, nil)
//
// AcquireInteractive tries the cached account silently before prompting.
// Re-acquisition before expiry is the caller's job.
//
// # Errors
//
// Failures are *apierr.Error values: ErrConfiguration for missing credentials
// (raised before any network call), ErrAuthenticationCancelled when the user
// aborts or the interaction times out, ErrAuthenticationDenied when consent or
// the grant is refused, and ErrNetwork or ErrServiceUnavailable for transport
// and endpoint failures.
package identity
