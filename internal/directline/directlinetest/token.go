// ABOUTME: HS256 session tokens for the fake Direct Line service
// ABOUTME: Each token carries the conversation it is scoped to in the conv claim

package directlinetest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	errInvalidToken = errors.New("invalid token")
	errExpiredToken = errors.New("token expired")
)

// tokenClaims are the claims embedded in a session token.
type tokenClaims struct {
	ConversationID string `json:"conv"`
	UserID         string `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// tokenSigner issues and verifies session tokens against the service clock.
type tokenSigner struct {
	secret []byte
	now    func() time.Time
}

func (s *tokenSigner) generate(conversationID, userID string, lifetime time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		ConversationID: conversationID,
		UserID:         userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenSigner) verify(tokenString string) (*tokenClaims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.ConversationID == "" {
		return nil, errInvalidToken
	}
	return &claims, nil
}
