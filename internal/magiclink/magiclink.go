// Package magiclink issues and verifies single-use email sign-in links.
package magiclink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"captionai/internal/mail"
	"captionai/internal/util"
	"captionai/pkg/store"
)

var (
	ErrInvalidEmail          = errors.New("email format is invalid")
	ErrRateLimited           = errors.New("too many magic link requests")
	ErrInvalidOrExpiredToken = errors.New("magic link is invalid or expired")
)

const (
	defaultTokenTTL   = 15 * time.Minute
	defaultRateWindow = 5 * time.Minute
	defaultRateLimit  = 3
	tokenByteLen      = 32
)

// Service issues magic links over email and verifies them on callback.
// Only the bcrypt hash of a link secret is persisted; the raw secret
// travels in the emailed link and nowhere else.
type Service struct {
	store      store.Store
	mailer     mail.Mailer
	baseURL    string
	tokenTTL   time.Duration
	rateWindow time.Duration
	rateLimit  int
	now        func() time.Time
}

// NewService builds a magic link service. baseURL is the externally
// reachable origin used to construct verification links.
func NewService(st store.Store, mailer mail.Mailer, baseURL string) (*Service, error) {
	baseURL = strings.TrimSpace(strings.TrimSuffix(baseURL, "/"))
	if baseURL == "" {
		return nil, errors.New("magic link base url is required")
	}
	if st == nil || mailer == nil {
		return nil, errors.New("magic link store and mailer are required")
	}
	return &Service{
		store:      st,
		mailer:     mailer,
		baseURL:    baseURL,
		tokenTTL:   defaultTokenTTL,
		rateWindow: defaultRateWindow,
		rateLimit:  defaultRateLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Request issues a fresh link for the address and emails it. Issuing a new
// link invalidates any earlier unconsumed link for the same address, so at
// most one link is usable at a time.
func (s *Service) Request(ctx context.Context, email string) error {
	email, err := util.NormalizeEmail(email)
	if err != nil {
		return ErrInvalidEmail
	}
	recent, err := s.store.CountRecentMagicTokens(email, s.now().Add(-s.rateWindow))
	if err != nil {
		return fmt.Errorf("count recent magic links: %w", err)
	}
	if recent >= s.rateLimit {
		return ErrRateLimited
	}

	secret, err := newSecret()
	if err != nil {
		return fmt.Errorf("generate magic link secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash magic link secret: %w", err)
	}
	if _, err := s.store.CreateMagicToken(email, string(hash), s.now().Add(s.tokenTTL)); err != nil {
		return fmt.Errorf("persist magic link: %w", err)
	}

	link := fmt.Sprintf("%s/api/auth/email/verify?token=%s&email=%s",
		s.baseURL, secret, url.QueryEscape(email))
	msg := mail.Message{
		To:      email,
		Subject: "Sign in to CaptionAI",
		Text:    "Open this link to sign in: " + link + "\n\nThe link expires in 15 minutes. If you did not request it, ignore this email.",
		HTML: fmt.Sprintf(`<p>Click the button below to sign in to CaptionAI.</p>`+
			`<p><a href=%q>Sign in</a></p>`+
			`<p>The link expires in 15 minutes. If you did not request it, you can ignore this email.</p>`, link),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send magic link email: %w", err)
	}
	util.LoggerFromContext(ctx).Info("magic_link_issued", slog.String("email", util.MaskEmail(email)))
	return nil
}

// Verify checks a raw link secret against the usable tokens for the address
// and consumes the match exactly once. Replays and expired links fail with
// ErrInvalidOrExpiredToken.
func (s *Service) Verify(ctx context.Context, rawToken, email string) (string, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return "", ErrInvalidOrExpiredToken
	}
	email, err := util.NormalizeEmail(email)
	if err != nil {
		return "", ErrInvalidOrExpiredToken
	}
	tokens, err := s.store.UsableMagicTokens(email, s.now())
	if err != nil {
		return "", fmt.Errorf("load magic links: %w", err)
	}
	for _, token := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(rawToken)) != nil {
			continue
		}
		consumed, err := s.store.ConsumeMagicToken(token.ID)
		if err != nil {
			return "", fmt.Errorf("consume magic link: %w", err)
		}
		if !consumed {
			// Lost a race with a concurrent verify of the same link.
			return "", ErrInvalidOrExpiredToken
		}
		return email, nil
	}
	return "", ErrInvalidOrExpiredToken
}

func newSecret() (string, error) {
	b := make([]byte, tokenByteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
