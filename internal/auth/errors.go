package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("auth: validation failed")
	ErrBadRequest     = errors.New("auth: bad request")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: conflict")
	ErrIntegrity      = errors.New("auth: integrity violation")
	ErrDelivery       = errors.New("auth: delivery failed")
	ErrNotImplemented = errors.New("auth: not implemented")
)

var (
	// ErrAlreadyExists is a Conflict raised by uniqueness violations on create.
	ErrAlreadyExists = fmt.Errorf("%w: already exists", ErrConflict)
	// ErrTokenInvalid is an Unauthorized raised for bad, tampered or expired tokens.
	ErrTokenInvalid = fmt.Errorf("%w: invalid token", ErrUnauthorized)
)
