package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "stockroom"

// TokenType distinguishes what a signed token may be used for.
type TokenType string

const (
	TokenOwner       TokenType = "owner"
	TokenMember      TokenType = "member"
	TokenOwnerGlobal TokenType = "owner-global"
	TokenReset       TokenType = "reset"
	TokenInvite      TokenType = "invite"
)

// Session reports whether the type may authenticate API requests.
func (t TokenType) Session() bool {
	switch t {
	case TokenOwner, TokenMember, TokenOwnerGlobal:
		return true
	}
	return false
}

// Claims is the signed payload. Claims are a point-in-time snapshot of the
// membership's roles and permissions; they never refresh after signing.
type Claims struct {
	Email    string    `json:"email"`
	TenantID string    `json:"tenantId,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Perms    []string  `json:"perms,omitempty"`
	Type     TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// TokenCodec signs and verifies HS256 bearer tokens with a server-held secret.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// CodecOption configures TokenCodec behavior.
type CodecOption func(*TokenCodec)

// WithCodecIssuer overrides the token issuer claim.
func WithCodecIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithCodecClock overrides time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec builds a codec; an empty secret is a configuration error.
func NewTokenCodec(secret string, opts ...CodecOption) (*TokenCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is not configured")
	}
	c := &TokenCodec{secret: []byte(secret), issuer: defaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign embeds issuer, issued-at, expiry and a unique id into claims and signs them.
func (c *TokenCodec) Sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, fmt.Errorf("%w: token subject is required", ErrValidation)
	}
	if claims.Type == "" {
		return "", time.Time{}, fmt.Errorf("%w: token type is required", ErrValidation)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrValidation)
	}
	now := c.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims.Roles = dedupe(claims.Roles)
	claims.Perms = dedupe(claims.Perms)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   claims.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and expiry and returns the decoded claims.
// Any failure is ErrTokenInvalid; no partially verified claims are returned.
func (c *TokenCodec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Type == "" {
		return nil, fmt.Errorf("%w: subject or type missing", ErrTokenInvalid)
	}
	// Expired at exactly exp, not one tick later.
	if !c.now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token is expired", ErrTokenInvalid)
	}
	return claims, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func subject(userID string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: userID}
}
