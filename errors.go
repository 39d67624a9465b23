package socialauth

import (
	"errors"
	"fmt"
)

// Store level sentinels. Backends map their native not-found and
// unique-violation errors onto these.
var (
	ErrLinkNotFound     = errors.New("account link not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrDuplicateLink    = errors.New("account link already exists")
	ErrDuplicateEmail   = errors.New("email already registered")
	ErrInvalidAssertion = errors.New("invalid identity assertion")
)

// ConfigurationError reports a capability the hosting application did not wire.
// It is returned by constructors so misconfiguration fails at setup time.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("socialauth: %s misconfigured: %s", e.Component, e.Reason)
}

// ProviderFetchError is returned by provider clients when no assertion could
// be produced (denied consent, bad state, failed code exchange or profile call).
type ProviderFetchError struct {
	Provider string
	Err      error
}

func (e *ProviderFetchError) Error() string {
	return fmt.Sprintf("fetch identity from %s: %v", e.Provider, e.Err)
}

func (e *ProviderFetchError) Unwrap() error { return e.Err }

// NewProviderFetchError wraps err unless it already is a ProviderFetchError
func NewProviderFetchError(provider string, err error) error {
	var pfe *ProviderFetchError
	if errors.As(err, &pfe) {
		return err
	}
	return &ProviderFetchError{Provider: provider, Err: err}
}

// ConflictError is returned when a duplicate link was detected but the
// winning link could not be read back.
type ConflictError struct {
	Provider   string
	ExternalID string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account link conflict for %s/%q: %v", e.Provider, e.ExternalID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }
