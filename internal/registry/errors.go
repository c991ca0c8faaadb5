package registry

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered = errors.New("provider already registered")
	ErrNotFound          = errors.New("provider not found")
	ErrInvalidProvider   = errors.New("invalid provider")
)

// RegistrationError describes why Register rejected a provider
type RegistrationError struct {
	ProviderID string
	Reason     string
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("register provider %q: %s: %v", e.ProviderID, e.Reason, e.Err)
	}
	return fmt.Sprintf("register provider %q: %s", e.ProviderID, e.Reason)
}

func (e *RegistrationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidProvider
}

// Is lets callers match any registration failure against ErrInvalidProvider
func (e *RegistrationError) Is(target error) bool {
	return target == ErrInvalidProvider
}
