// Package app holds the core application logic behind the HTTP surface:
// sign-in, entitlement checks, caption generation, and the saved caption
// library.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"captionai/internal/billing"
	"captionai/internal/intake"
	"captionai/internal/magiclink"
	"captionai/internal/oauth"
	"captionai/internal/util"
	"captionai/pkg/ai"
	"captionai/pkg/domain"
	"captionai/pkg/storage"
	"captionai/pkg/store"
)

const (
	defaultCaptionVariants = 3
	defaultCaptionTimeout  = 60 * time.Second
)

// Config wires the application's collaborators.
type Config struct {
	Store      store.Store
	Sessions   store.SessionStore
	MagicLinks *magiclink.Service
	Google     oauth.IdentityProvider
	Billing    billing.Oracle
	Captioner  ai.Captioner
	Images     storage.ImageStore
	BaseURL    string
}

// App is the core application service.
type App struct {
	store          store.Store
	sessions       store.SessionStore
	magicLinks     *magiclink.Service
	google         oauth.IdentityProvider
	billing        billing.Oracle
	captioner      ai.Captioner
	images         storage.ImageStore
	baseURL        string
	variants       int
	captionTimeout time.Duration
}

// New constructs the application. Billing, captioner, images, and Google
// sign-in are optional; the corresponding operations fail cleanly when
// their collaborator is absent.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.MagicLinks == nil {
		return nil, fmt.Errorf("magic link service is required")
	}
	baseURL := strings.TrimSpace(strings.TrimSuffix(cfg.BaseURL, "/"))
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	return &App{
		store:          cfg.Store,
		sessions:       cfg.Sessions,
		magicLinks:     cfg.MagicLinks,
		google:         cfg.Google,
		billing:        cfg.Billing,
		captioner:      cfg.Captioner,
		images:         cfg.Images,
		baseURL:        baseURL,
		variants:       defaultCaptionVariants,
		captionTimeout: defaultCaptionTimeout,
	}, nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (a *App) GoogleEnabled() bool {
	return a.google != nil
}

// GoogleAuthURL builds the consent URL for the given state.
func (a *App) GoogleAuthURL(state string) (string, error) {
	if a.google == nil {
		return "", fmt.Errorf("%w: google sign-in not configured", ErrInvalidInput)
	}
	return a.google.AuthURL(state), nil
}

// RequestMagicLink issues a sign-in link. The caller gets the same success
// response whether or not an account exists for the address.
func (a *App) RequestMagicLink(ctx context.Context, email string) error {
	err := a.magicLinks.Request(ctx, email)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, magiclink.ErrInvalidEmail):
		return fmt.Errorf("%w: %s", ErrInvalidInput, "a valid email address is required")
	case errors.Is(err, magiclink.ErrRateLimited):
		return ErrRateLimited
	default:
		return err
	}
}

// VerifyMagicLink redeems a link, finds or creates the verified account,
// and opens a session.
func (a *App) VerifyMagicLink(ctx context.Context, rawToken, email string) (domain.User, string, error) {
	verifiedEmail, err := a.magicLinks.Verify(ctx, rawToken, email)
	if err != nil {
		if errors.Is(err, magiclink.ErrInvalidOrExpiredToken) {
			return domain.User{}, "", ErrInvalidOrExpiredToken
		}
		return domain.User{}, "", err
	}
	user, ok, err := a.store.GetUserByEmail(verifiedEmail)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		user = newUser(verifiedEmail, domain.ProviderEmail, "")
		if err := a.store.SaveUser(user); err != nil {
			return domain.User{}, "", fmt.Errorf("create user: %w", err)
		}
	} else if !user.EmailVerified {
		user.EmailVerified = true
		user.UpdatedAt = time.Now().UTC()
		if err := a.store.SaveUser(user); err != nil {
			return domain.User{}, "", fmt.Errorf("update user: %w", err)
		}
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	return user, token, nil
}

// HandleOAuthLogin exchanges the authorization code with the provider and
// signs the verified identity in, merging with an existing account that
// shares the email address.
func (a *App) HandleOAuthLogin(ctx context.Context, code string) (domain.User, string, error) {
	if a.google == nil {
		return domain.User{}, "", fmt.Errorf("%w: google sign-in not configured", ErrInvalidInput)
	}
	identity, err := a.google.Exchange(ctx, code)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return a.loginWithIdentity(ctx, identity)
}

func (a *App) loginWithIdentity(ctx context.Context, id oauth.Identity) (domain.User, string, error) {
	var user domain.User
	var found bool
	var err error
	if id.Email != "" {
		user, found, err = a.store.GetUserByEmail(id.Email)
		if err != nil {
			return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
		}
	}
	if !found {
		user = newUser(id.Email, id.Provider, id.ProviderUserID)
	}
	user.AuthProvider = id.Provider
	user.ProviderUserID = id.ProviderUserID
	user.EmailVerified = user.EmailVerified || id.EmailVerified
	if id.FirstName != "" {
		user.FirstName = id.FirstName
	}
	if id.LastName != "" {
		user.LastName = id.LastName
	}
	if id.ProfileImage != "" {
		user.ProfileImageURL = id.ProfileImage
	}
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("oauth_login",
		slog.String("user_id", user.ID), slog.String("provider", string(id.Provider)))
	return user, token, nil
}

// UserFromToken resolves a user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUser(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// Logout invalidates the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// CanGenerate reports whether the user may start a caption generation.
// Pro users always may; free users may while under the included limit.
func CanGenerate(user domain.User) bool {
	if user.IsPro() {
		return true
	}
	return user.CaptionUsageCount < domain.FreeTierLimit
}

// SubscriptionStatus is the /api/subscription payload.
type SubscriptionStatus struct {
	Tier          domain.Tier           `json:"tier"`
	Status        string                `json:"status,omitempty"`
	UsageCount    int                   `json:"usageCount"`
	UsageLimit    int                   `json:"usageLimit"`
	RemainingFree int                   `json:"remainingFree"`
	Subscription  *billing.Subscription `json:"subscription,omitempty"`
}

// Subscription returns the user's current plan, reconciling the local tier
// mirror against the payments provider when the user has billing state.
// Provider outages degrade to the mirrored tier rather than failing.
func (a *App) Subscription(ctx context.Context, userID string) (SubscriptionStatus, error) {
	user, ok, err := a.store.GetUser(userID)
	if err != nil {
		return SubscriptionStatus{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return SubscriptionStatus{}, ErrNotFound
	}
	logger := util.LoggerFromContext(ctx)

	if a.billing != nil && user.BillingSubscriptionID != "" {
		sub, err := a.billing.GetSubscription(ctx, user.BillingSubscriptionID)
		if err != nil {
			logger.Error("billing_subscription_lookup_failed",
				slog.String("user_id", user.ID), slog.String("error", err.Error()))
		} else {
			user = a.applyTier(ctx, user, sub.Active(), sub.ID)
			if sub.Active() {
				return SubscriptionStatus{
					Tier:         domain.TierPro,
					Status:       sub.Status,
					UsageCount:   user.CaptionUsageCount,
					UsageLimit:   domain.FreeTierLimit,
					Subscription: &sub,
				}, nil
			}
		}
	} else if a.billing != nil && user.BillingCustomerID != "" {
		// The checkout webhook may not have arrived yet.
		subs, err := a.billing.ListActiveSubscriptions(ctx, user.BillingCustomerID)
		if err != nil {
			logger.Error("billing_customer_lookup_failed",
				slog.String("user_id", user.ID), slog.String("error", err.Error()))
		} else if len(subs) > 0 {
			sub := subs[0]
			user = a.applyTier(ctx, user, true, sub.ID)
			return SubscriptionStatus{
				Tier:         domain.TierPro,
				Status:       sub.Status,
				UsageCount:   user.CaptionUsageCount,
				UsageLimit:   domain.FreeTierLimit,
				Subscription: &sub,
			}, nil
		}
	}

	remaining := domain.FreeTierLimit - user.CaptionUsageCount
	if remaining < 0 {
		remaining = 0
	}
	return SubscriptionStatus{
		Tier:          user.Tier,
		UsageCount:    user.CaptionUsageCount,
		UsageLimit:    domain.FreeTierLimit,
		RemainingFree: remaining,
	}, nil
}

func (a *App) applyTier(ctx context.Context, user domain.User, active bool, subscriptionID string) domain.User {
	tier := domain.TierFree
	if active {
		tier = domain.TierPro
	}
	if user.Tier == tier && user.BillingSubscriptionID == subscriptionID {
		return user
	}
	info := store.BillingInfo{Tier: tier, SubscriptionID: subscriptionID}
	if err := a.store.UpdateBillingInfo(user.ID, info); err != nil {
		util.LoggerFromContext(ctx).Error("billing_tier_update_failed",
			slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return user
	}
	user.Tier = tier
	if subscriptionID != "" {
		user.BillingSubscriptionID = subscriptionID
	}
	return user
}

// Checkout starts a subscription checkout and returns the payment page URL.
func (a *App) Checkout(ctx context.Context, userID string) (string, error) {
	if a.billing == nil {
		return "", ErrBillingUnavailable
	}
	user, ok, err := a.store.GetUser(userID)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}

	customerID := user.BillingCustomerID
	if customerID == "" {
		customerID, err = a.billing.CreateCustomer(ctx, user.Email, user.ID)
		if err != nil {
			return "", fmt.Errorf("create billing customer: %w", err)
		}
		if err := a.store.UpdateBillingInfo(user.ID, store.BillingInfo{CustomerID: customerID}); err != nil {
			return "", fmt.Errorf("save billing customer: %w", err)
		}
	}

	priceID, err := a.billing.FindProPriceID(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve pro price: %w", err)
	}
	url, err := a.billing.CreateCheckoutSession(ctx, customerID, priceID,
		a.baseURL+"/?success=true", a.baseURL+"/?canceled=true", user.ID)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return url, nil
}

// Portal returns the hosted billing management URL for a paying customer.
func (a *App) Portal(ctx context.Context, userID string) (string, error) {
	if a.billing == nil {
		return "", ErrBillingUnavailable
	}
	user, ok, err := a.store.GetUser(userID)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.BillingCustomerID == "" {
		return "", fmt.Errorf("%w: no subscription found", ErrInvalidInput)
	}
	url, err := a.billing.CreatePortalSession(ctx, user.BillingCustomerID, a.baseURL+"/")
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return url, nil
}

// Products lists purchasable products with their prices.
func (a *App) Products(ctx context.Context) ([]billing.Product, error) {
	if a.billing == nil {
		return nil, ErrBillingUnavailable
	}
	return a.billing.ListProducts(ctx)
}

// GenerateCaptions runs the full caption pipeline for a batch of uploads.
// The whole batch succeeds or fails as a unit, and free-tier usage is
// charged exactly once, only after every image captioned successfully.
func (a *App) GenerateCaptions(ctx context.Context, userID string, files []intake.File, styleRaw, captionContext string) (domain.CaptionResponse, error) {
	if a.captioner == nil {
		return domain.CaptionResponse{}, fmt.Errorf("%w: no captioner configured", ErrProviderError)
	}
	user, ok, err := a.store.GetUser(userID)
	if err != nil {
		return domain.CaptionResponse{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.CaptionResponse{}, ErrNotFound
	}
	if !CanGenerate(user) {
		return domain.CaptionResponse{}, &UpgradeRequiredError{
			UsageCount: user.CaptionUsageCount,
			UsageLimit: domain.FreeTierLimit,
		}
	}

	style, ok := domain.ParseCaptionStyle(styleRaw)
	if !ok {
		return domain.CaptionResponse{}, fmt.Errorf("%w: unknown caption style %q", ErrInvalidInput, styleRaw)
	}
	if err := intake.Validate(files); err != nil {
		return domain.CaptionResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	images, err := intake.Normalize(files)
	if err != nil {
		return domain.CaptionResponse{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, a.captionTimeout)
	defer cancel()
	results := make([][]string, len(images))
	g, genCtx := errgroup.WithContext(genCtx)
	for i, img := range images {
		g.Go(func() error {
			captions, err := a.captioner.Captions(genCtx, ai.CaptionRequest{
				ImageJPEG: img.JPEG,
				Style:     style,
				Context:   captionContext,
				Variants:  a.variants,
			})
			if err != nil {
				return fmt.Errorf("caption %s: %w", img.Name, err)
			}
			results[i] = captions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.CaptionResponse{}, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	resp := domain.CaptionResponse{Captions: make([]domain.ImageCaptions, len(images))}
	for i, img := range images {
		entry := domain.ImageCaptions{
			ImageIndex: i,
			FileName:   img.Name,
			Variants:   make([]domain.CaptionVariant, 0, len(results[i])),
		}
		for j, text := range results[i] {
			entry.Variants = append(entry.Variants, domain.CaptionVariant{
				ID:   fmt.Sprintf("%d-%d", i, j),
				Text: text,
			})
		}
		entry.ImageSrc = a.storeImage(ctx, user.ID, img.JPEG)
		resp.Captions[i] = entry
	}

	if !user.IsPro() {
		if _, err := a.store.IncrementUsage(user.ID); err != nil {
			return domain.CaptionResponse{}, fmt.Errorf("record usage: %w", err)
		}
	}
	return resp, nil
}

// storeImage uploads a normalized image and returns a presigned URL.
// Failures are logged and leave imageSrc empty; captioning proceeds.
func (a *App) storeImage(ctx context.Context, userID string, jpeg []byte) string {
	if a.images == nil {
		return ""
	}
	logger := util.LoggerFromContext(ctx)
	key, err := a.images.PutImage(ctx, userID, jpeg)
	if err != nil {
		logger.Warn("image_store_put_failed", slog.String("error", err.Error()))
		return ""
	}
	url, err := a.images.ImageURL(ctx, key)
	if err != nil {
		logger.Warn("image_store_presign_failed", slog.String("error", err.Error()))
		return ""
	}
	return url
}

// SavedCaptions lists the caller's library, newest save order preserved.
func (a *App) SavedCaptions(userID string) ([]domain.SavedCaption, error) {
	return a.store.ListSavedCaptions(userID)
}

// SaveCaption adds a caption to the caller's library. Saving the same text
// twice returns the existing entry instead of creating a duplicate.
func (a *App) SaveCaption(userID, text, styleRaw, captionContext, imageSrc string) (domain.SavedCaption, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.SavedCaption{}, fmt.Errorf("%w: caption text is required", ErrInvalidInput)
	}
	style, ok := domain.ParseCaptionStyle(styleRaw)
	if !ok {
		return domain.SavedCaption{}, fmt.Errorf("%w: unknown caption style %q", ErrInvalidInput, styleRaw)
	}
	existing, found, err := a.store.FindSavedCaptionByText(userID, text)
	if err != nil {
		return domain.SavedCaption{}, fmt.Errorf("check existing caption: %w", err)
	}
	if found {
		return existing, nil
	}
	caption := domain.SavedCaption{
		ID:       util.NewID(),
		UserID:   userID,
		Text:     text,
		Style:    style,
		Context:  captionContext,
		ImageSrc: imageSrc,
		SavedAt:  time.Now().UTC(),
	}
	if err := a.store.SaveCaption(caption); err != nil {
		return domain.SavedCaption{}, fmt.Errorf("save caption: %w", err)
	}
	return caption, nil
}

// DeleteSavedCaption removes one library entry owned by the caller.
func (a *App) DeleteSavedCaption(userID, captionID string) error {
	deleted, err := a.store.DeleteSavedCaption(captionID, userID)
	if err != nil {
		return fmt.Errorf("delete caption: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ClearSavedCaptions empties the caller's library.
func (a *App) ClearSavedCaptions(userID string) error {
	return a.store.ClearSavedCaptions(userID)
}

func newUser(email string, provider domain.AuthProvider, providerUserID string) domain.User {
	now := time.Now().UTC()
	return domain.User{
		ID:             util.NewID(),
		Email:          email,
		EmailVerified:  provider == domain.ProviderEmail || providerUserID != "",
		AuthProvider:   provider,
		ProviderUserID: providerUserID,
		Tier:           domain.TierFree,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
