package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher produces self-describing bcrypt hashes (salt and cost embedded).
type Hasher struct {
	cost  int
	dummy []byte
}

// NewHasher returns a hasher with the given bcrypt cost; out-of-range values use the default.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	// Compared against when no account exists so unknown emails cost the same as wrong passwords.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("stockroom-timing-equalizer"), cost)
	return &Hasher{cost: cost, dummy: dummy}
}

// Hash hashes plaintext password using bcrypt.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrValidation)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password is too long", ErrValidation)
		}
		return "", err
	}
	return string(hash), nil
}

// Verify compares plaintext password with stored hash in constant time.
// A mismatch is (false, nil); a malformed stored hash is ErrIntegrity.
func (h *Hasher) Verify(password, hash string) (bool, error) {
	if hash == "" {
		return false, fmt.Errorf("%w: password hash is empty", ErrIntegrity)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stored password hash: %v", ErrIntegrity, err)
	}
}

// burn spends one comparison against the dummy hash.
func (h *Hasher) burn(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
