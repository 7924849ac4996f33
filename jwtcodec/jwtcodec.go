// Package jwtcodec signs and verifies compact JWS tokens. Tokens are signed
// HS256, one signing secret per (service, user) — the value of that user's
// Token-type key. DecodeUnsafe is surfaced as its own narrowly-typed
// function, using the same ParseUnverified entry point the rest of the
// ecosystem reaches for when it needs to read a claim before it can look up
// the verifying key.
package jwtcodec

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType enumerates JWT claim `type`.
type TokenType string

const (
	AccessToken               TokenType = "AccessToken"
	RefreshToken              TokenType = "RefreshToken"
	ResetPasswordToken        TokenType = "ResetPasswordToken"
	UpdateEmailRevokeToken    TokenType = "UpdateEmailRevokeToken"
	UpdatePasswordRevokeToken TokenType = "UpdatePasswordRevokeToken"
	RegisterToken             TokenType = "RegisterToken"
	RevokeToken               TokenType = "RevokeToken"
)

// ErrInvalidOrExpired is returned for any of: bad signature, expired,
// iss/sub/type mismatch. The caller (auth engine) maps it onto
// apierr.BadRequest(ReasonJwtInvalidOrExpired); we don't import apierr here
// to keep this package dependency-free and independently testable.
var ErrInvalidOrExpired = errors.New("jwtcodec: invalid or expired token")

type claims struct {
	jwt.RegisteredClaims
	Type    TokenType `json:"type"`
	CsrfKey string    `json:"csrf,omitempty"`
}

// Codec encodes and decodes claims for one signing secret namespace. The
// caller constructs a fresh Codec (or reuses one) per verification; secrets
// are never cached inside this package.
type Codec struct {
	// Now lets tests pin the clock; defaults to time.Now.
	Now func() time.Time
}

func New() *Codec {
	return &Codec{Now: time.Now}
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Encode mints a token with no CSRF key.
func (c *Codec) Encode(serviceID, userID string, typ TokenType, expiresIn time.Duration, secret []byte) (token string, exp time.Time, err error) {
	return c.encode(serviceID, userID, typ, "", expiresIn, secret)
}

// EncodeWithCsrf mints a token carrying a single-use CSRF key, used for
// every single-use token type and for refresh tokens.
func (c *Codec) EncodeWithCsrf(serviceID, userID string, typ TokenType, expiresIn time.Duration, csrfKey string, secret []byte) (token string, exp time.Time, err error) {
	return c.encode(serviceID, userID, typ, csrfKey, expiresIn, secret)
}

func (c *Codec) encode(serviceID, userID string, typ TokenType, csrfKey string, expiresIn time.Duration, secret []byte) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(expiresIn)
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    serviceID,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Type:    typ,
		CsrfKey: csrfKey,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Decode verifies signature and expiry and requires iss == serviceID,
// sub == userID, and type == expectedType. Returns the absolute expiry and,
// if present, the token's CSRF key.
func (c *Codec) Decode(serviceID, userID string, expectedType TokenType, secret []byte, tokenStr string) (exp time.Time, csrfKey string, err error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &cl, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidOrExpired
		}
		return secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil || !parsed.Valid {
		return time.Time{}, "", ErrInvalidOrExpired
	}
	if cl.Issuer != serviceID || cl.Subject != userID || cl.Type != expectedType {
		return time.Time{}, "", ErrInvalidOrExpired
	}
	if cl.ExpiresAt == nil {
		return time.Time{}, "", ErrInvalidOrExpired
	}
	return cl.ExpiresAt.Time, cl.CsrfKey, nil
}

// DecodeUnsafe parses claims without verifying the signature, solely to
// learn which user (and therefore which signing secret) to look up before a
// verified Decode. It still checks iss == serviceID, since that much is
// cheap to assert and narrows the row lookup, but no other field may be
// trusted — a forged token can claim any sub/type at this stage.
//
// Every call site MUST follow this with a verified Decode before making a
// security decision.
func (c *Codec) DecodeUnsafe(serviceID, tokenStr string) (userID string, typ TokenType, err error) {
	var cl claims
	parser := jwt.NewParser()
	_, _, err = parser.ParseUnverified(tokenStr, &cl)
	if err != nil {
		return "", "", ErrInvalidOrExpired
	}
	if cl.Issuer != serviceID {
		return "", "", ErrInvalidOrExpired
	}
	return cl.Subject, cl.Type, nil
}
