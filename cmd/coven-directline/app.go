// ABOUTME: Wiring shared by the subcommands: clients, store, metrics and identity
// ABOUTME: Builds the directline client and identity provider from config

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/coven-directline/internal/config"
	"github.com/2389/coven-directline/internal/dedupe"
	"github.com/2389/coven-directline/internal/directline"
	"github.com/2389/coven-directline/internal/identity"
	"github.com/2389/coven-directline/internal/metrics"
	"github.com/2389/coven-directline/internal/session"
	"github.com/2389/coven-directline/internal/store"
)

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dl       *directline.Client
	endpoint string
	provider *identity.Provider // nil without an app registration
	store    store.Store        // nil when store.path is empty
	closers  []func()
}

// newApp builds the clients described by cfg. Authorization prompts are
// written to prompts.
func newApp(cfg *config.Config, logger *slog.Logger, prompts io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	endpoint, err := cfg.DirectLine.BaseURL()
	if err != nil {
		return nil, err
	}
	a.endpoint = endpoint

	opts := []directline.Option{
		directline.WithEndpoint(endpoint),
		directline.WithRequestTimeout(cfg.DirectLine.RequestTimeout),
		directline.WithRetryPolicy(cfg.DirectLine.Retry.Policy()),
		directline.WithRecorder(a.metrics),
		directline.WithLogger(logger),
	}
	if l := cfg.DirectLine.RateLimit.Limiter(); l != nil {
		opts = append(opts, directline.WithRateLimiter(l))
	}
	a.dl, err = directline.New(cfg.DirectLine.Secret, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.Identity.Configured() {
		authorizer := &identity.LoopbackAuthorizer{
			Port:   cfg.Identity.RedirectPort,
			Opener: identity.PrintOpener{W: prompts},
			Logger: logger,
		}
		a.provider, err = identity.NewProvider(cfg.Identity.Provider(), identity.NewCache(),
			identity.WithAuthorizer(authorizer),
			identity.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Store.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		a.store = st
		a.closers = append(a.closers, func() { st.Close() })
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// identityToken acquires a token with the configured flow. It returns the
// zero Token when no app registration is configured.
func (a *app) identityToken(ctx context.Context) (identity.Token, error) {
	if a.provider == nil {
		return identity.Token{}, nil
	}
	tok, err := a.provider.Acquire(ctx, nil)
	if err != nil {
		return identity.Token{}, err
	}
	a.logger.Info("identity token acquired", "account", tok.Account, "expires_at", tok.ExpiresAt())
	return tok, nil
}

// sessionOptions maps config onto session options. identityToken may be
// empty for an anonymous session.
func (a *app) sessionOptions(identityToken string, user directline.User) session.Options {
	opts := session.Options{
		IdentityToken:         identityToken,
		User:                  user,
		TrustedOrigins:        a.cfg.Session.TrustedOrigins,
		EnhancedAuth:          a.cfg.Session.EnhancedAuth,
		AllowUnprefixedUserID: a.cfg.Session.AllowUnprefixedUserID,
		Endpoint:              a.endpoint,
		Logger:                a.logger,
		Observer:              a.metrics,
	}
	if a.store != nil {
		opts.Checkpointer = a.store
	}
	if a.cfg.Session.DedupeTTL > 0 {
		opts.Dedupe = dedupe.New(a.cfg.Session.DedupeTTL, dedupe.DefaultMaxSize)
	}
	return opts
}

// serveMetrics exposes the registry until ctx is done.
func (a *app) serveMetrics(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	a.logger.Info("serving metrics", "addr", ln.Addr().String(), "path", a.cfg.Metrics.Path)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
