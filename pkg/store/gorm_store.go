package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"captionai/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &MagicTokenModel{}, &SavedCaptionModel{}, &BillingEventModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	// Saved captions are cascade-deleted with their owner.
	if err := db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'saved_caption_models'
				AND constraint_name = 'saved_caption_models_user_id_fkey'
			) THEN
				ALTER TABLE saved_caption_models
				ADD CONSTRAINT saved_caption_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return nil, fmt.Errorf("ensure saved caption foreign key: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "email_verified", "first_name", "last_name", "profile_image_url",
			"auth_provider", "provider_user_id", "updated_at",
		}),
	}).Create(&model).Error
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by normalized email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByCustomerID looks up a user by payment customer id.
func (s *GormStore) GetUserByCustomerID(customerID string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("billing_customer_id = ?", customerID).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateBillingInfo persists the non-empty billing fields.
func (s *GormStore) UpdateBillingInfo(userID string, info BillingInfo) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if info.CustomerID != "" {
		updates["billing_customer_id"] = info.CustomerID
	}
	if info.SubscriptionID != "" {
		updates["billing_subscription_id"] = info.SubscriptionID
	}
	if info.Tier != "" {
		updates["tier"] = string(info.Tier)
	}
	return s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(updates).Error
}

// IncrementUsage bumps the usage counter in a single statement so concurrent
// requests cannot lose updates.
func (s *GormStore) IncrementUsage(userID string) (int, error) {
	var count int
	err := s.db.Raw(`
		UPDATE user_models
		SET caption_usage_count = caption_usage_count + 1, updated_at = ?
		WHERE id = ?
		RETURNING caption_usage_count
	`, time.Now().UTC(), userID).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CreateMagicToken supersedes prior unconsumed tokens for the email and
// inserts the new one.
func (s *GormStore) CreateMagicToken(email, tokenHash string, expiresAt time.Time) (domain.MagicToken, error) {
	now := time.Now().UTC()
	model := MagicTokenModel{
		ID:        uuid.NewString(),
		Email:     email,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MagicTokenModel{}).
			Where("email = ? AND consumed_at IS NULL", email).
			Update("consumed_at", now).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.MagicToken{}, err
	}
	return magicTokenFromModel(model), nil
}

// CountRecentMagicTokens counts tokens created for the email since the cutoff,
// consumed or not, for rate limiting.
func (s *GormStore) CountRecentMagicTokens(email string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&MagicTokenModel{}).
		Where("email = ? AND created_at > ?", email, since.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// UsableMagicTokens returns unconsumed, unexpired tokens for the email.
func (s *GormStore) UsableMagicTokens(email string, now time.Time) ([]domain.MagicToken, error) {
	var models []MagicTokenModel
	if err := s.db.Where("email = ? AND consumed_at IS NULL AND expires_at > ?", email, now.UTC()).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	tokens := make([]domain.MagicToken, 0, len(models))
	for _, m := range models {
		tokens = append(tokens, magicTokenFromModel(m))
	}
	return tokens, nil
}

// ConsumeMagicToken flips consumed_at with a compare-and-set so only one of
// two racing verifications succeeds.
func (s *GormStore) ConsumeMagicToken(id string) (bool, error) {
	tx := s.db.Model(&MagicTokenModel{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", time.Now().UTC())
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

// ListSavedCaptions returns the user's captions newest first.
func (s *GormStore) ListSavedCaptions(userID string) ([]domain.SavedCaption, error) {
	var models []SavedCaptionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("saved_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	captions := make([]domain.SavedCaption, 0, len(models))
	for _, m := range models {
		captions = append(captions, savedCaptionFromModel(m))
	}
	return captions, nil
}

// FindSavedCaptionByText looks up a caption by its per-user dedup key.
func (s *GormStore) FindSavedCaptionByText(userID, text string) (domain.SavedCaption, bool, error) {
	var model SavedCaptionModel
	if err := s.db.Where("user_id = ? AND text = ?", userID, text).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.SavedCaption{}, false, nil
		}
		return domain.SavedCaption{}, false, err
	}
	return savedCaptionFromModel(model), true, nil
}

// SaveCaption stores a caption.
func (s *GormStore) SaveCaption(c domain.SavedCaption) error {
	model := savedCaptionToModel(c)
	return s.db.Create(&model).Error
}

// DeleteSavedCaption removes a caption scoped to its owner.
func (s *GormStore) DeleteSavedCaption(id, userID string) (bool, error) {
	tx := s.db.Delete(&SavedCaptionModel{}, "id = ? AND user_id = ?", id, userID)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ClearSavedCaptions removes all captions for a user.
func (s *GormStore) ClearSavedCaptions(userID string) error {
	return s.db.Delete(&SavedCaptionModel{}, "user_id = ?", userID).Error
}

// HasBillingEvent reports whether the event id was already recorded.
func (s *GormStore) HasBillingEvent(eventID string) (bool, error) {
	var count int64
	if err := s.db.Model(&BillingEventModel{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// RecordBillingEvent inserts the event unless its id was already seen.
func (s *GormStore) RecordBillingEvent(eventID, eventType string, payload []byte) (bool, error) {
	model := BillingEventModel{
		ID:        eventID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	tx := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func userToModel(u domain.User) UserModel {
	var email *string
	if u.Email != "" {
		value := u.Email
		email = &value
	}
	return UserModel{
		ID:                    u.ID,
		Email:                 email,
		EmailVerified:         u.EmailVerified,
		FirstName:             u.FirstName,
		LastName:              u.LastName,
		ProfileImageURL:       u.ProfileImageURL,
		AuthProvider:          string(u.AuthProvider),
		ProviderUserID:        u.ProviderUserID,
		BillingCustomerID:     u.BillingCustomerID,
		BillingSubscriptionID: u.BillingSubscriptionID,
		CaptionUsageCount:     u.CaptionUsageCount,
		Tier:                  string(u.Tier),
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	email := ""
	if m.Email != nil {
		email = *m.Email
	}
	tier := domain.Tier(m.Tier)
	if tier == "" {
		tier = domain.TierFree
	}
	return domain.User{
		ID:                    m.ID,
		Email:                 email,
		EmailVerified:         m.EmailVerified,
		FirstName:             m.FirstName,
		LastName:              m.LastName,
		ProfileImageURL:       m.ProfileImageURL,
		AuthProvider:          domain.AuthProvider(m.AuthProvider),
		ProviderUserID:        m.ProviderUserID,
		BillingCustomerID:     m.BillingCustomerID,
		BillingSubscriptionID: m.BillingSubscriptionID,
		CaptionUsageCount:     m.CaptionUsageCount,
		Tier:                  tier,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func magicTokenFromModel(m MagicTokenModel) domain.MagicToken {
	return domain.MagicToken{
		ID:         m.ID,
		Email:      m.Email,
		TokenHash:  m.TokenHash,
		ExpiresAt:  m.ExpiresAt,
		ConsumedAt: m.ConsumedAt,
		CreatedAt:  m.CreatedAt,
	}
}

func savedCaptionToModel(c domain.SavedCaption) SavedCaptionModel {
	return SavedCaptionModel{
		ID:       c.ID,
		UserID:   c.UserID,
		Text:     c.Text,
		Style:    string(c.Style),
		Context:  c.Context,
		ImageSrc: c.ImageSrc,
		SavedAt:  c.SavedAt,
	}
}

func savedCaptionFromModel(m SavedCaptionModel) domain.SavedCaption {
	return domain.SavedCaption{
		ID:       m.ID,
		UserID:   m.UserID,
		Text:     m.Text,
		Style:    domain.CaptionStyle(m.Style),
		Context:  m.Context,
		ImageSrc: m.ImageSrc,
		SavedAt:  m.SavedAt,
	}
}
