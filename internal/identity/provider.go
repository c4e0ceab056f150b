// ABOUTME: Identity token provider running the interactive or client-credentials flow
// ABOUTME: Silent refresh from the explicit cache precedes any interactive prompt

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/2389/coven-directline/internal/apierr"
)

// Flow selects how a Provider acquires tokens.
type Flow string

const (
	FlowInteractive       Flow = "interactive"
	FlowClientCredentials Flow = "client_credentials"
)

const (
	// DefaultAuthorityHost is the public cloud login host.
	DefaultAuthorityHost = "https://login.microsoftonline.com"

	DefaultInteractionTimeout = 120 * time.Second
	MinInteractionTimeout     = 60 * time.Second

	scopeOfflineAccess = "offline_access"
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"profile", "openid"}

// Operation names used in errors and logs.
const (
	OpInteractive       = "acquire interactive"
	OpSilent            = "acquire silent"
	OpClientCredentials = "acquire client credentials"
)

// Config describes the app registration and flow.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Scopes overrides the flow's default scopes.
	Scopes []string
	// Authority overrides https://login.microsoftonline.com/<tenant>.
	Authority string
	// Flow defaults to client_credentials when a secret is set, else interactive.
	Flow               Flow
	InteractionTimeout time.Duration
}

// Provider acquires identity tokens for one app registration.
type Provider struct {
	cfg        Config
	flow       Flow
	authority  string
	cache      *Cache
	authorizer Authorizer
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithAuthorizer sets the browser step of the interactive flow.
func WithAuthorizer(a Authorizer) Option {
	return func(p *Provider) {
		p.authorizer = a
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// NewProvider validates cfg and creates a provider backed by cache.
func NewProvider(cfg Config, cache *Cache, opts ...Option) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, apierr.New(apierr.KindConfiguration, "new provider", "client id required")
	}
	if cfg.TenantID == "" && cfg.Authority == "" {
		return nil, apierr.New(apierr.KindConfiguration, "new provider", "tenant id or authority required")
	}
	if cache == nil {
		return nil, apierr.New(apierr.KindConfiguration, "new provider", "cache required")
	}

	flow := cfg.Flow
	if flow == "" {
		flow = FlowInteractive
		if cfg.ClientSecret != "" {
			flow = FlowClientCredentials
		}
	}
	if flow != FlowInteractive && flow != FlowClientCredentials {
		return nil, apierr.New(apierr.KindConfiguration, "new provider", fmt.Sprintf("unknown flow %q", flow))
	}

	if cfg.InteractionTimeout == 0 {
		cfg.InteractionTimeout = DefaultInteractionTimeout
	}
	if cfg.InteractionTimeout < MinInteractionTimeout {
		cfg.InteractionTimeout = MinInteractionTimeout
	}

	authority := strings.TrimRight(cfg.Authority, "/")
	if authority == "" {
		authority = DefaultAuthorityHost + "/" + cfg.TenantID
	}

	p := &Provider{
		cfg:        cfg,
		flow:       flow,
		authority:  authority,
		cache:      cache,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.authorizer == nil {
		p.authorizer = &LoopbackAuthorizer{Logger: p.logger}
	}
	p.logger = p.logger.With("component", "identity")
	return p, nil
}

// Flow returns the flow Acquire runs.
func (p *Provider) Flow() Flow {
	return p.flow
}

// Cache returns the cache backing the provider.
func (p *Provider) Cache() *Cache {
	return p.cache
}

// Endpoint returns the OAuth2 endpoints of the authority.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   p.authority + "/oauth2/v2.0/authorize",
		TokenURL:  p.authority + "/oauth2/v2.0/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// Acquire obtains a token with the configured flow. hint selects a cached
// account for the interactive flow and is ignored otherwise.
func (p *Provider) Acquire(ctx context.Context, hint *Account) (Token, error) {
	if p.flow == FlowClientCredentials {
		return p.AcquireClientCredentials(ctx)
	}
	return p.AcquireInteractive(ctx, hint)
}

// AcquireInteractive returns a cached or silently refreshed token for hint
// (or the only cached account) and falls back to browser sign-in.
func (p *Provider) AcquireInteractive(ctx context.Context, hint *Account) (Token, error) {
	if tok, ok := p.acquireSilent(ctx, hint); ok {
		return tok, nil
	}

	scopes := p.interactiveScopes()
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	ictx, cancel := context.WithTimeout(ctx, p.cfg.InteractionTimeout)
	defer cancel()

	p.logger.Info("starting interactive sign-in", "timeout", p.cfg.InteractionTimeout)

	res, err := p.authorizer.Authorize(ictx, AuthorizationRequest{
		State: state,
		URL: func(redirectURL string) string {
			return p.oauthConfig(redirectURL, scopes).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
		},
	})
	if err != nil {
		err = authorizeError(err)
		p.logger.Warn("interactive sign-in failed", "error", err)
		return Token{}, err
	}

	conf := p.oauthConfig(res.RedirectURL, scopes)
	raw, err := conf.Exchange(p.clientContext(ictx), res.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Token{}, p.tokenError(ictx, OpInteractive, err, apierr.KindAuthenticationCancelled)
	}

	tok := p.convert(raw, scopes)
	p.cache.store(p.cfg.ClientID, tok, raw.RefreshToken)
	p.logger.Info("signed in", "token", tok)
	return tok, nil
}

// acquireSilent returns a usable cached token or refreshes it with the
// cached refresh token.
func (p *Provider) acquireSilent(ctx context.Context, hint *Account) (Token, bool) {
	entry, ok := p.cache.lookup(p.cfg.ClientID, hint)
	if !ok {
		return Token{}, false
	}
	if entry.token.usable(p.now()) {
		p.logger.Debug("using cached token", "account", entry.account.String())
		return entry.token, true
	}
	if entry.refreshToken == "" {
		return Token{}, false
	}

	scopes := p.interactiveScopes()
	// An expiry in the past forces the token source to refresh.
	stale := &oauth2.Token{RefreshToken: entry.refreshToken, Expiry: time.Unix(1, 0)}
	raw, err := p.oauthConfig("", scopes).TokenSource(p.clientContext(ctx), stale).Token()
	if err != nil {
		p.logger.Info("silent refresh failed, falling back to sign-in",
			"account", entry.account.String(),
			"error", p.tokenError(ctx, OpSilent, err, apierr.KindNetwork),
		)
		return Token{}, false
	}

	tok := p.convert(raw, scopes)
	if tok.Account.HomeID == "" {
		tok.Account = entry.account
	}
	p.cache.store(p.cfg.ClientID, tok, raw.RefreshToken)
	p.logger.Debug("refreshed token silently", "account", tok.Account.String())
	return tok, true
}

// AcquireClientCredentials obtains an app token with the client secret.
func (p *Provider) AcquireClientCredentials(ctx context.Context) (Token, error) {
	if p.cfg.ClientSecret == "" {
		return Token{}, apierr.New(apierr.KindConfiguration, OpClientCredentials, "client secret required")
	}

	scopes := p.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{p.cfg.ClientID + "/.default"}
	}
	key := p.cfg.ClientID + " " + strings.Join(scopes, " ")
	if tok, ok := p.cache.appToken(key); ok && tok.usable(p.now()) {
		return tok, nil
	}

	conf := clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     p.Endpoint().TokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	raw, err := conf.Token(p.clientContext(ctx))
	if err != nil {
		return Token{}, p.tokenError(ctx, OpClientCredentials, err, apierr.KindNetwork)
	}

	tok := p.convert(raw, scopes)
	if tok.Account.HomeID == "" {
		tok.Account = Account{HomeID: p.cfg.ClientID, TenantID: p.cfg.TenantID}
	}
	p.cache.storeAppToken(key, tok)
	p.logger.Info("acquired app token", "token", tok)
	return tok, nil
}

func (p *Provider) interactiveScopes() []string {
	scopes := slices.Clone(p.cfg.Scopes)
	if len(scopes) == 0 {
		scopes = slices.Clone(DefaultScopes)
	}
	if !slices.Contains(scopes, scopeOfflineAccess) {
		scopes = append(scopes, scopeOfflineAccess)
	}
	return scopes
}

func (p *Provider) oauthConfig(redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// convert stamps a token endpoint response with the local clock and the
// account named by its claims.
func (p *Provider) convert(raw *oauth2.Token, requested []string) Token {
	now := p.now()
	tok := Token{
		Value:     raw.AccessToken,
		TokenType: raw.Type(),
		IssuedAt:  now,
		Scopes:    requested,
	}
	switch {
	case raw.ExpiresIn > 0:
		tok.ExpiresIn = time.Duration(raw.ExpiresIn) * time.Second
	case !raw.Expiry.IsZero():
		tok.ExpiresIn = raw.Expiry.Sub(now)
	default:
		tok.ExpiresIn = time.Hour
	}
	if granted, ok := raw.Extra("scope").(string); ok && granted != "" {
		tok.Scopes = strings.Fields(granted)
	}

	if idToken, ok := raw.Extra("id_token").(string); ok {
		if a, ok := accountFromJWT(idToken); ok {
			tok.Account = a
			return tok
		}
	}
	if a, ok := accountFromJWT(raw.AccessToken); ok {
		tok.Account = a
	}
	return tok
}

// deniedCodes are token endpoint and callback error codes meaning the user or
// tenant refused the grant.
var deniedCodes = map[string]bool{
	"access_denied":        true,
	"consent_required":     true,
	"interaction_required": true,
	"invalid_grant":        true,
	"invalid_client":       true,
	"unauthorized_client":  true,
	"invalid_scope":        true,
	"invalid_state":        true,
}

// tokenError classifies a token endpoint failure. fallback is the kind used
// when the context ended.
func (p *Provider) tokenError(ctx context.Context, op string, err error, fallback apierr.Kind) error {
	if ctx.Err() != nil {
		return apierr.Wrap(fallback, op, ctx.Err())
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		kind := apierr.KindAuthenticationDenied
		switch {
		case deniedCodes[re.ErrorCode]:
		case status == http.StatusTooManyRequests || status >= 500:
			kind = apierr.KindServiceUnavailable
		case re.ErrorCode == "invalid_request":
			kind = apierr.KindBadRequest
		}
		msg := re.ErrorCode
		if re.ErrorDescription != "" {
			msg += ": " + firstLine(re.ErrorDescription)
		}
		return &apierr.Error{Kind: kind, Op: op, Status: status, Message: msg}
	}

	return apierr.Wrap(apierr.KindNetwork, op, err)
}

// authorizeError classifies an Authorizer failure.
func authorizeError(err error) error {
	var ce *CallbackError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrInteractionAborted):
		return apierr.Wrap(apierr.KindAuthenticationCancelled, OpInteractive, err)
	case errors.As(err, &ce):
		if ce.Code == "user_cancelled" {
			return apierr.Wrap(apierr.KindAuthenticationCancelled, OpInteractive, err)
		}
		return &apierr.Error{Kind: apierr.KindAuthenticationDenied, Op: OpInteractive, Message: ce.Error()}
	default:
		return apierr.Wrap(apierr.KindAuthenticationCancelled, OpInteractive, err)
	}
}

// firstLine trims the trace and correlation ids the identity platform appends
// to error descriptions.
func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
