package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                    string  `gorm:"primaryKey"`
	Email                 *string `gorm:"uniqueIndex"`
	EmailVerified         bool    `gorm:"not null;default:false"`
	FirstName             string
	LastName              string
	ProfileImageURL       string
	AuthProvider          string `gorm:"size:20"`
	ProviderUserID        string
	BillingCustomerID     string `gorm:"index"`
	BillingSubscriptionID string
	CaptionUsageCount     int       `gorm:"not null;default:0"`
	Tier                  string    `gorm:"size:20;not null;default:free"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time
}

type MagicTokenModel struct {
	ID         string     `gorm:"primaryKey"`
	Email      string     `gorm:"not null;index"`
	TokenHash  string     `gorm:"not null;index"`
	ExpiresAt  time.Time  `gorm:"not null"`
	ConsumedAt *time.Time
	CreatedAt  time.Time `gorm:"not null;index"`
}

type SavedCaptionModel struct {
	ID       string    `gorm:"primaryKey"`
	UserID   string    `gorm:"not null;index"`
	Text     string    `gorm:"type:text;not null"`
	Style    string    `gorm:"size:50;not null"`
	Context  string    `gorm:"type:text"`
	ImageSrc string    `gorm:"type:text"`
	SavedAt  time.Time `gorm:"not null;index"`
}

// BillingEventModel mirrors consumed payment-provider webhook events so
// redelivered events are recognized and the raw payload stays auditable.
type BillingEventModel struct {
	ID        string         `gorm:"primaryKey"`
	EventType string         `gorm:"not null;index"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}
