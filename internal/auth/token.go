package auth

import (
	"fmt"
	"strconv"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/jobtrail/jobtrail/internal/model"
)

// TokenIssuer signs and verifies session tokens for the HTTP API.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a session token for the user.
func (t *TokenIssuer) Issue(user *model.User) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":      strconv.FormatInt(user.ID, 10),
		"username": user.Username,
		"exp":      time.Now().Add(t.ttl).Unix(),
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a session token and returns the user id it carries.
func (t *TokenIssuer) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseString(
		tokenString,
		jwt.WithKey(jwa.HS256, t.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token: %w", err)
	}

	sub := token.Subject()
	if sub == "" {
		return 0, fmt.Errorf("token missing user ID (subject)")
	}

	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject claim: %w", err)
	}
	return userID, nil
}
