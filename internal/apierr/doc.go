// Package apierr defines the failure taxonomy shared by the identity,
// directline and session packages.
//
// Every failure surfaced by the engine carries a Kind. Callers match kinds with
// errors.Is against the package sentinels:
//
//	if errors.Is(err, apierr.ErrUnauthorized) {
//	    // refresh and resend
//	}
//
// The structured *Error additionally exposes the remote HTTP status and the
// service message, when there was one:
//
//	var e *apierr.Error
//	if errors.As(err, &e) {
//	    log.Printf("%s failed: status=%d message=%q", e.Op, e.Status, e.Message)
//	}
//
// # Kinds
//
//   - Configuration: a required credential or option is missing (fatal, raised
//     before any network call)
//   - AuthenticationCancelled / AuthenticationDenied: user-driven outcomes of the
//     interactive sign-in
//   - Unauthorized: expired or invalid token (the session refreshes once)
//   - ConversationNotFound / TokenExpired: terminal for the current session
//   - BadRequest: caller error
//   - Network / ServiceUnavailable: transient, eligible for caller-driven retry
package apierr
