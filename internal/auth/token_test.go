package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func TestTokenSignVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec, err := NewTokenCodec(testSecret, WithCodecClock(fixedClock(now)))
	require.NoError(t, err)

	tok, exp, err := codec.Sign(Claims{
		Email:            "a@x.com",
		TenantID:         "t1",
		Roles:            []string{"Packer", "Packer"},
		Perms:            []string{"inventory.read"},
		Type:             TokenMember,
		RegisteredClaims: subject("u1"),
	}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), exp)

	claims, err := codec.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID())
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, []string{"Packer"}, claims.Roles)
	require.Equal(t, TokenMember, claims.Type)
	require.NotEmpty(t, claims.ID)
	require.Equal(t, "stockroom", claims.Issuer)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	codec, err := NewTokenCodec(testSecret, WithCodecClock(func() time.Time { return clock }))
	require.NoError(t, err)
	tok, _, err := codec.Sign(Claims{Type: TokenReset, RegisteredClaims: subject("u1")}, 15*time.Minute)
	require.NoError(t, err)

	clock = now.Add(14 * time.Minute)
	_, err = codec.Verify(tok)
	require.NoError(t, err)

	clock = now.Add(15 * time.Minute)
	_, err = codec.Verify(tok)
	require.ErrorIs(t, err, ErrTokenInvalid)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenTamperAndForeignSecret(t *testing.T) {
	codec, err := NewTokenCodec(testSecret)
	require.NoError(t, err)
	tok, _, err := codec.Sign(Claims{Type: TokenOwner, TenantID: "t1", RegisteredClaims: subject("u1")}, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	forged, _, err := codec.Sign(Claims{Type: TokenOwner, TenantID: "t2", RegisteredClaims: subject("u1")}, time.Hour)
	require.NoError(t, err)
	spliced := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
	_, err = codec.Verify(spliced)
	require.ErrorIs(t, err, ErrTokenInvalid)

	other, err := NewTokenCodec("another-secret-another-secret-xx")
	require.NoError(t, err)
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrTokenInvalid)

	for _, bad := range []string{"", "garbage", "a.b.c"} {
		_, err = codec.Verify(bad)
		require.ErrorIs(t, err, ErrTokenInvalid, bad)
	}
}

func TestTokenIssuerMustMatch(t *testing.T) {
	a, _ := NewTokenCodec(testSecret, WithCodecIssuer("a"))
	b, _ := NewTokenCodec(testSecret, WithCodecIssuer("b"))
	tok, _, err := a.Sign(Claims{Type: TokenMember, RegisteredClaims: subject("u1")}, time.Hour)
	require.NoError(t, err)
	_, err = b.Verify(tok)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenSignValidation(t *testing.T) {
	codec, _ := NewTokenCodec(testSecret)
	_, _, err := codec.Sign(Claims{Type: TokenMember}, time.Hour)
	require.True(t, errors.Is(err, ErrValidation))
	_, _, err = codec.Sign(Claims{RegisteredClaims: subject("u1")}, time.Hour)
	require.True(t, errors.Is(err, ErrValidation))
	_, _, err = codec.Sign(Claims{Type: TokenMember, RegisteredClaims: subject("u1")}, 0)
	require.True(t, errors.Is(err, ErrValidation))

	_, err = NewTokenCodec(" ")
	require.Error(t, err)
}
