package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed client input. The wrapped
	// message is safe to show to end users.
	ErrInvalidInput = errors.New("invalid request")

	ErrRateLimited = errors.New("too many requests")

	// ErrInvalidOrExpiredToken covers every magic-link failure mode so
	// responses do not reveal whether an address has an account.
	ErrInvalidOrExpiredToken = errors.New("sign-in link is invalid or expired")

	ErrUnauthorized = errors.New("authentication required")
	ErrNotFound     = errors.New("not found")

	// ErrProviderError is returned when the caption model fails; the
	// request is not charged against the user's quota.
	ErrProviderError = errors.New("caption provider failed")

	ErrBillingUnavailable = errors.New("billing is not configured")
)

// UpgradeRequiredError is returned when a free-tier user has exhausted the
// included caption generations.
type UpgradeRequiredError struct {
	UsageCount int
	UsageLimit int
}

func (e *UpgradeRequiredError) Error() string {
	return fmt.Sprintf("free caption limit reached (%d/%d)", e.UsageCount, e.UsageLimit)
}
