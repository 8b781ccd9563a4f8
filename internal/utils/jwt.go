// Package utils holds the token and password helpers of the operator API.
package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// AccessToken is a signed operator token along with its expiry.  Token is
// the serialized JWT the operator sends in the Authorization header; Exp
// is when it stops being accepted.  Tokens are short-lived and there is no
// refresh: an operator logs in again at the start of a shift.
type AccessToken struct {
	Token string    // serialized JWT
	Exp   time.Time // UTC expiry
}

// Claims are the claims of an operator access token.  The registered
// subject (sub) carries the operator id in decimal; email and role travel
// as private claims so handlers need no database lookup per request.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// OperatorID returns the subject as an operator id.
func (c Claims) OperatorID() (uint64, error) {
	return strconv.ParseUint(c.Subject, 10, 64)
}

// ErrInvalidToken is returned for tokens that fail parsing or validation.
// Callers map it to 401 without saying which check failed.
var ErrInvalidToken = errors.New("invalid token")

// NewAccessToken builds and signs an HS256 JWT for op.  The token is
// issued at now and expires ttl later.  It carries the standard sub, iat
// and exp claims plus the operator's email and role.
func NewAccessToken(secret string, op model.Operator, ttl time.Duration, now time.Time) (AccessToken, error) {
	// Refuse to sign without a secret.
	if secret == "" {
		return AccessToken{}, errors.New("jwt secret not configured")
	}
	exp := now.UTC().Add(ttl)
	claims := Claims{
		Email: op.Email,
		Role:  op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(op.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now.UTC()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	// Sign with the shared secret and return the compact form.
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseAccessToken verifies raw against secret and returns its claims.
// Only HMAC signatures are accepted, an exp claim is required, and the
// subject must be a numeric operator id.  Every failure is reported as
// ErrInvalidToken.
func ParseAccessToken(secret, raw string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		// Reject tokens signed with any other algorithm family, such as
		// "none" or RSA with the secret passed off as a public key.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	// A token without a usable subject cannot identify an operator.
	if _, err := claims.OperatorID(); err != nil {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
