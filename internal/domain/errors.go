package domain

import "errors"

// Error taxonomy shared by every layer. Concrete errors wrap one of these with %w
// so callers can classify with errors.Is regardless of where the failure started.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrPrecondition      = errors.New("precondition failed")
	ErrConflict          = errors.New("conflict")
	ErrExternalTransient = errors.New("external service unavailable")
	ErrExternalPermanent = errors.New("external service rejected request")
)

// IsExternal reports whether err originated from a collaborator outside the service.
func IsExternal(err error) bool {
	return errors.Is(err, ErrExternalTransient) || errors.Is(err, ErrExternalPermanent)
}
