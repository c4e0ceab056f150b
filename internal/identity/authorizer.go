// ABOUTME: Browser step of the interactive flow behind the Authorizer interface
// ABOUTME: LoopbackAuthorizer receives the redirect on a local 127.0.0.1 listener

package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-directline/internal/apierr"
)

// ErrInteractionAborted is returned by an Authorizer when the user gave up
// on sign-in.
var ErrInteractionAborted = errors.New("sign-in aborted")

// AuthorizationRequest is one browser round trip.
type AuthorizationRequest struct {
	// State must be echoed back by the identity platform.
	State string
	// URL builds the authorization URL for the redirect URL the authorizer
	// listens on.
	URL func(redirectURL string) string
}

// AuthorizationResult carries the code returned by the identity platform and
// the redirect URL it was delivered to.
type AuthorizationResult struct {
	Code        string
	RedirectURL string
}

// CallbackError is an error reported on the redirect, such as access_denied.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Authorizer runs the browser step of the authorization-code flow. It must
// return once ctx is done.
type Authorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	return f(ctx, req)
}

// Opener presents the authorization URL to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, url string) error

func (f OpenerFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// PrintOpener writes the URL for the user to open in a browser.
type PrintOpener struct {
	W io.Writer
}

func (p PrintOpener) Open(_ context.Context, url string) error {
	_, err := fmt.Fprintf(p.W, "\nTo sign in, open this URL in a browser:\n\n  %s\n\n", url)
	return err
}

// LoopbackAuthorizer receives the authorization redirect on
// http://127.0.0.1:<Port>/callback. Port 0 picks a free port.
type LoopbackAuthorizer struct {
	Port   int
	Opener Opener
	Logger *slog.Logger
}

type callbackResult struct {
	code string
	err  error
}

// Authorize opens the authorization URL and waits for the redirect.
func (a *LoopbackAuthorizer) Authorize(ctx context.Context, req AuthorizationRequest) (AuthorizationResult, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity.loopback")

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port)))
	if err != nil {
		return AuthorizationResult{}, apierr.Wrap(apierr.KindConfiguration, "authorize", fmt.Errorf("listening for redirect: %w", err))
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("state") != req.State:
			res.err = &CallbackError{Code: "invalid_state", Description: "state mismatch"}
		case q.Get("error") != "":
			res.err = &CallbackError{Code: q.Get("error"), Description: q.Get("error_description")}
		case q.Get("code") == "":
			res.err = &CallbackError{Code: "invalid_request", Description: "no authorization code"}
		default:
			res.code = q.Get("code")
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Sign-in failed: %v\nYou can close this window.\n", res.err)
		} else {
			fmt.Fprintln(w, "Sign-in complete. You can close this window.")
		}

		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("redirect listener failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Debug("waiting for authorization redirect", "redirect_url", redirectURL)

	opener := a.Opener
	if opener == nil {
		opener = PrintOpener{W: io.Discard}
	}
	if err := opener.Open(ctx, req.URL(redirectURL)); err != nil {
		return AuthorizationResult{}, fmt.Errorf("opening authorization url: %w", err)
	}

	select {
	case <-ctx.Done():
		return AuthorizationResult{}, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return AuthorizationResult{}, res.err
		}
		return AuthorizationResult{Code: res.code, RedirectURL: redirectURL}, nil
	}
}
