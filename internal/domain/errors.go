package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnknownModel       = errors.New("unknown model")
	ErrNotTerminal        = errors.New("job is not terminal")
	ErrAlreadyTerminal    = errors.New("job already terminal")
	ErrCapability         = errors.New("operation not supported by provider")
	ErrProviderFailure    = errors.New("provider failure")
	ErrDuplicateOperation = errors.New("duplicate operation")
)
