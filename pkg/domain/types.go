package domain

import (
	"strings"
	"time"
)

// Tier is a user's billing plan. Free users are metered; pro users are not.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// FreeTierLimit is the number of caption generations included in the free plan.
const FreeTierLimit = 10

// CaptionStyle selects the tone of generated captions.
type CaptionStyle string

const (
	StyleProfessional  CaptionStyle = "professional"
	StyleFriendly      CaptionStyle = "friendly"
	StyleFunny         CaptionStyle = "funny"
	StyleMinimalist    CaptionStyle = "minimalist"
	StyleInspirational CaptionStyle = "inspirational"
	StyleCasual        CaptionStyle = "casual"
)

// ParseCaptionStyle validates a client-supplied style string.
func ParseCaptionStyle(raw string) (CaptionStyle, bool) {
	switch CaptionStyle(strings.ToLower(strings.TrimSpace(raw))) {
	case StyleProfessional:
		return StyleProfessional, true
	case StyleFriendly:
		return StyleFriendly, true
	case StyleFunny:
		return StyleFunny, true
	case StyleMinimalist:
		return StyleMinimalist, true
	case StyleInspirational:
		return StyleInspirational, true
	case StyleCasual:
		return StyleCasual, true
	default:
		return "", false
	}
}

// AuthProvider identifies how an account was established.
type AuthProvider string

const (
	ProviderEmail  AuthProvider = "email"
	ProviderGoogle AuthProvider = "google"
)

type User struct {
	ID                    string       `json:"id"`
	Email                 string       `json:"email,omitempty"`
	EmailVerified         bool         `json:"emailVerified"`
	FirstName             string       `json:"firstName,omitempty"`
	LastName              string       `json:"lastName,omitempty"`
	ProfileImageURL       string       `json:"profileImageUrl,omitempty"`
	AuthProvider          AuthProvider `json:"authProvider,omitempty"`
	ProviderUserID        string       `json:"-"`
	BillingCustomerID     string       `json:"-"`
	BillingSubscriptionID string       `json:"-"`
	CaptionUsageCount     int          `json:"captionUsageCount"`
	Tier                  Tier         `json:"tier"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// IsPro reports whether the user is on the unmetered plan.
func (u User) IsPro() bool {
	return u.Tier == TierPro
}

// MagicToken is a single-use sign-in credential. Only a one-way hash of the
// secret is ever stored; the raw token lives exclusively in the emailed link.
type MagicToken struct {
	ID         string
	Email      string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the token can still be redeemed at the given time.
func (t MagicToken) Usable(now time.Time) bool {
	return t.ConsumedAt == nil && t.ExpiresAt.After(now)
}

type SavedCaption struct {
	ID       string       `json:"id"`
	UserID   string       `json:"-"`
	Text     string       `json:"text"`
	Style    CaptionStyle `json:"style"`
	Context  string       `json:"context,omitempty"`
	ImageSrc string       `json:"imageSrc,omitempty"`
	SavedAt  time.Time    `json:"savedAt"`
}

// CaptionVariant is one candidate caption for a single image.
type CaptionVariant struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type ImageCaptions struct {
	ImageIndex int              `json:"imageIndex"`
	FileName   string           `json:"fileName"`
	ImageSrc   string           `json:"imageSrc,omitempty"`
	Variants   []CaptionVariant `json:"variants"`
}

type CaptionResponse struct {
	Captions []ImageCaptions `json:"captions"`
}
