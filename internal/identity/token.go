// ABOUTME: Identity token and account types plus unverified claim extraction
// ABOUTME: Token values are redacted from String and structured log output

package identity

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew is subtracted from a token's lifetime when deciding whether a
// cached token can be reused.
const expirySkew = 5 * time.Minute

// Account identifies the signed-in principal a token was issued for.
type Account struct {
	HomeID   string // "<oid>.<tid>", or the subject when no object id is present
	ObjectID string
	TenantID string
	Username string
	Name     string
}

func (a Account) String() string {
	if a.Username != "" {
		return a.Username
	}
	return a.HomeID
}

// Token is an identity-platform access token. It is immutable; acquiring
// again produces a new value.
type Token struct {
	Value     string
	TokenType string
	IssuedAt  time.Time
	ExpiresIn time.Duration
	Scopes    []string
	Account   Account
}

// ExpiresAt returns the instant the token stops being valid.
func (t Token) ExpiresAt() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Remaining returns how long the token stays valid after now.
func (t Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt().Sub(now)
}

// Expired reports whether the token is past expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// usable reports whether the token can be handed out without refreshing.
func (t Token) usable(now time.Time) bool {
	return t.Value != "" && t.Remaining(now) > expirySkew
}

func (t Token) String() string {
	return fmt.Sprintf("identity token for %s (expires %s)", t.Account, t.ExpiresAt().Format(time.RFC3339))
}

// LogValue keeps the token value out of logs.
func (t Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account", t.Account.String()),
		slog.String("tenant_id", t.Account.TenantID),
		slog.Time("expires_at", t.ExpiresAt()),
		slog.String("scopes", strings.Join(t.Scopes, " ")),
	)
}

// identityClaims are the claims read from id and access tokens.
type identityClaims struct {
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	UPN               string `json:"upn"`
	Name              string `json:"name"`
	jwt.RegisteredClaims
}

// accountFromJWT reads account claims without verifying the signature. The
// token was just received from the token endpoint over TLS; it is only
// inspected here, never trusted for authorization.
func accountFromJWT(raw string) (Account, bool) {
	if strings.Count(raw, ".") != 2 {
		return Account{}, false
	}
	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Account{}, false
	}

	a := Account{
		ObjectID: claims.ObjectID,
		TenantID: claims.TenantID,
		Username: claims.PreferredUsername,
		Name:     claims.Name,
	}
	if a.Username == "" {
		a.Username = claims.UPN
	}
	switch {
	case a.ObjectID != "" && a.TenantID != "":
		a.HomeID = a.ObjectID + "." + a.TenantID
	case a.ObjectID != "":
		a.HomeID = a.ObjectID
	default:
		a.HomeID = claims.Subject
	}
	if a.HomeID == "" {
		return Account{}, false
	}
	return a, true
}
