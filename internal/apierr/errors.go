// ABOUTME: Error kinds, sentinels and the structured Error type for remote calls
// ABOUTME: Maps HTTP status codes and service error bodies onto the taxonomy

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind categorizes a failure.
type Kind string

const (
	KindConfiguration           Kind = "configuration"
	KindAuthenticationCancelled Kind = "authentication_cancelled"
	KindAuthenticationDenied    Kind = "authentication_denied"
	KindUnauthorized            Kind = "unauthorized"
	KindConversationNotFound    Kind = "conversation_not_found"
	KindTokenExpired            Kind = "token_expired"
	KindBadRequest              Kind = "bad_request"
	KindNetwork                 Kind = "network"
	KindServiceUnavailable      Kind = "service_unavailable"
)

// Sentinels, one per kind. *Error values match the sentinel of their kind.
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrAuthenticationCancelled = errors.New("authentication cancelled")
	ErrAuthenticationDenied    = errors.New("authentication denied")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrTokenExpired            = errors.New("token expired")
	ErrBadRequest              = errors.New("bad request")
	ErrNetwork                 = errors.New("network error")
	ErrServiceUnavailable      = errors.New("service unavailable")
)

var sentinels = map[Kind]error{
	KindConfiguration:           ErrConfiguration,
	KindAuthenticationCancelled: ErrAuthenticationCancelled,
	KindAuthenticationDenied:    ErrAuthenticationDenied,
	KindUnauthorized:            ErrUnauthorized,
	KindConversationNotFound:    ErrConversationNotFound,
	KindTokenExpired:            ErrTokenExpired,
	KindBadRequest:              ErrBadRequest,
	KindNetwork:                 ErrNetwork,
	KindServiceUnavailable:      ErrServiceUnavailable,
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind    Kind
	Op      string // operation name, e.g. "send" or "refresh"
	Status  int    // remote HTTP status, 0 when no response was received
	Message string // remote message, if the service sent one
	Err     error  // underlying cause
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(sentinelText(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

func sentinelText(k Kind) string {
	if s, ok := sentinels[k]; ok {
		return s.Error()
	}
	return string(k)
}

// New builds an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error of the given kind around err. An err that already
// carries a kind is returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or "" if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return ""
}

// IsTransient reports whether err is eligible for caller-driven retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status code onto a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindConversationNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return KindServiceUnavailable
	default:
		return KindBadRequest
	}
}

// serviceError is the error body returned by the conversational service.
type serviceError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FromStatus builds an Error from a non-success HTTP response.
func FromStatus(op string, status int, body []byte) *Error {
	return &Error{
		Kind:    KindForStatus(status),
		Op:      op,
		Status:  status,
		Message: messageFromBody(body),
	}
}

func messageFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var se serviceError
	if err := json.Unmarshal(body, &se); err == nil {
		switch {
		case se.Error.Code != "" && se.Error.Message != "":
			return se.Error.Code + ": " + se.Error.Message
		case se.Error.Message != "":
			return se.Error.Message
		case se.Error.Code != "":
			return se.Error.Code
		}
	}
	return truncate(strings.TrimSpace(string(body)), maxMessageBytes)
}

// maxMessageBytes bounds a plain-text error body kept in Message.
const maxMessageBytes = 256

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
