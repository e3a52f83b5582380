package store

import (
	"time"

	"captionai/pkg/domain"
)

// BillingInfo carries billing fields to persist on a user. Empty fields are
// left untouched so webhook handlers can update customer id, subscription id,
// and tier independently.
type BillingInfo struct {
	CustomerID     string
	SubscriptionID string
	Tier           domain.Tier
}

// Store defines persistence operations for users, magic-link tokens,
// saved captions, and mirrored billing events. The store is the only writer
// of durable state; counters and token consumption are atomic in the engine.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUser(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByCustomerID(customerID string) (domain.User, bool, error)
	UpdateBillingInfo(userID string, info BillingInfo) error
	// IncrementUsage adds exactly one to the user's caption usage counter
	// and returns the new value. Safe under concurrent increments.
	IncrementUsage(userID string) (int, error)

	// magic-link tokens
	// CreateMagicToken marks all unconsumed tokens for the email consumed,
	// then inserts the new one, leaving at most one usable token per email.
	CreateMagicToken(email, tokenHash string, expiresAt time.Time) (domain.MagicToken, error)
	CountRecentMagicTokens(email string, since time.Time) (int, error)
	UsableMagicTokens(email string, now time.Time) ([]domain.MagicToken, error)
	// ConsumeMagicToken marks the token consumed. Returns false when the
	// token was already consumed, so concurrent verifications race safely.
	ConsumeMagicToken(id string) (bool, error)

	// saved captions
	ListSavedCaptions(userID string) ([]domain.SavedCaption, error)
	FindSavedCaptionByText(userID, text string) (domain.SavedCaption, bool, error)
	SaveCaption(domain.SavedCaption) error
	// DeleteSavedCaption removes a caption only when it belongs to userID.
	DeleteSavedCaption(id, userID string) (bool, error)
	ClearSavedCaptions(userID string) error

	// billing events
	// HasBillingEvent reports whether the event id was already recorded.
	HasBillingEvent(eventID string) (bool, error)
	// RecordBillingEvent persists a provider event for idempotency/audit.
	// Returns false when the event id was already recorded.
	RecordBillingEvent(eventID, eventType string, payload []byte) (bool, error)
}

// SessionStore persists opaque session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
