// Package server exposes the HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"captionai/internal/app"
	"captionai/internal/billing"
	"captionai/internal/intake"
	"captionai/internal/ratelimit"
	"captionai/internal/util"
	"captionai/pkg/domain"
)

// SessionCookie is the httpOnly cookie carrying the session token.
const SessionCookie = "captionai_session"

const oauthStateCookie = "captionai_oauth_state"

const (
	maxJSONBody    = 1 << 20
	maxUploadBytes = int64(intake.MaxFiles*intake.MaxFileBytes) + 1<<20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Webhooks *billing.Processor

	RedisAddr     string
	RedisPassword string

	MagicRequestRateLimitPerMinute int
	MagicVerifyRateLimitPerMinute  int
	CaptionRateLimitPerMinute      int

	SessionTTL     time.Duration
	SecureCookies  bool
	AllowedOrigins []string

	// TrustedProxies lists CIDRs whose forwarded headers are honored when
	// resolving client IPs for rate limiting and audit logs.
	TrustedProxies []string
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app            *app.App
	webhooks       *billing.Processor
	mux            *http.ServeMux
	validate       *validator.Validate
	sessionTTL     time.Duration
	secureCookies  bool
	allowedOrigins []string
	trustedProxies *util.TrustedProxies

	magicRequestLimiter *ratelimit.FixedWindowLimiter
	magicVerifyLimiter  *ratelimit.FixedWindowLimiter
	captionLimiter      *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app is required")
	}
	magicRequestLimit := cfg.MagicRequestRateLimitPerMinute
	if magicRequestLimit <= 0 {
		magicRequestLimit = 10
	}
	magicVerifyLimit := cfg.MagicVerifyRateLimitPerMinute
	if magicVerifyLimit <= 0 {
		magicVerifyLimit = 20
	}
	captionLimit := cfg.CaptionRateLimitPerMinute
	if captionLimit <= 0 {
		captionLimit = 30
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 7 * 24 * time.Hour
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "captionai:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	magicRequestLimiter, err := newLimiter("magic_request", magicRequestLimit)
	if err != nil {
		return nil, err
	}
	magicVerifyLimiter, err := newLimiter("magic_verify", magicVerifyLimit)
	if err != nil {
		return nil, err
	}
	captionLimiter, err := newLimiter("captions", captionLimit)
	if err != nil {
		return nil, err
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:                 cfg.App,
		webhooks:            cfg.Webhooks,
		mux:                 http.NewServeMux(),
		validate:            validator.New(),
		sessionTTL:          sessionTTL,
		secureCookies:       cfg.SecureCookies,
		allowedOrigins:      cfg.AllowedOrigins,
		trustedProxies:      trustedProxies,
		magicRequestLimiter: magicRequestLimiter,
		magicVerifyLimiter:  magicVerifyLimiter,
		captionLimiter:      captionLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("captionai", h)
	h = util.WithRequestID(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/email/request", s.handleMagicLinkRequest)
	s.mux.HandleFunc("/api/auth/email/verify", s.handleMagicLinkVerify)
	s.mux.HandleFunc("/api/auth/google", s.handleGoogleStart)
	s.mux.HandleFunc("/api/auth/google/callback", s.handleGoogleCallback)
	s.mux.HandleFunc("/api/logout", s.handleLogout)
	s.mux.Handle("/api/auth/user", s.authenticated(s.handleUser))

	// billing
	s.mux.Handle("/api/subscription", s.authenticated(s.handleSubscription))
	s.mux.Handle("/api/checkout", s.authenticated(s.handleCheckout))
	s.mux.Handle("/api/portal", s.authenticated(s.handlePortal))
	s.mux.HandleFunc("/api/billing/products", s.handleProducts)
	s.mux.HandleFunc("/api/webhooks/billing", s.handleBillingWebhook)

	// captions
	s.mux.Handle("/api/captions", s.authenticated(s.handleCaptions))
	s.mux.Handle("/api/saved-captions", s.authenticated(s.handleSavedCaptions))
	s.mux.Handle("/api/saved-captions/", s.authenticated(s.handleSavedCaptionByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "session.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := sessionToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// sessionToken reads the session cookie, falling back to a bearer token for
// non-browser clients.
func sessionToken(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	return "", false
}

// auth handlers

func (s *Server) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.magicRequestLimiter, "too many sign-in requests") {
		s.audit(r, "magiclink.request", "rate_limited")
		return
	}
	var req magicLinkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.audit(r, "magiclink.request", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.audit(r, "magiclink.request", "fail", "reason", "missing_email")
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	err := s.app.RequestMagicLink(r.Context(), req.Email)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrInvalidInput):
		s.audit(r, "magiclink.request", "fail", "reason", "invalid_email")
		writeError(w, http.StatusBadRequest, "a valid email address is required")
		return
	case errors.Is(err, app.ErrRateLimited):
		s.audit(r, "magiclink.request", "rate_limited", "reason", "per_email_limit")
		w.Header().Set("Retry-After", "300")
		writeError(w, http.StatusTooManyRequests, "too many sign-in links requested, try again later")
		return
	default:
		s.audit(r, "magiclink.request", "fail", "reason", err.Error())
		writeError(w, http.StatusInternalServerError, "could not send sign-in link")
		return
	}
	s.audit(r, "magiclink.request", "success")
	// Identical response whether or not the address has an account.
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If that address can sign in, a link is on its way.",
	})
}

func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.magicVerifyLimiter, "too many verification attempts") {
		s.audit(r, "magiclink.verify", "rate_limited")
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if token == "" || email == "" {
		s.audit(r, "magiclink.verify", "fail", "reason", "missing_params")
		s.redirectWithError(w, r, "invalid_token")
		return
	}
	user, session, err := s.app.VerifyMagicLink(r.Context(), token, email)
	if err != nil {
		if errors.Is(err, app.ErrInvalidOrExpiredToken) {
			s.audit(r, "magiclink.verify", "fail", "reason", "invalid_or_expired")
			s.redirectWithError(w, r, "invalid_or_expired_token")
			return
		}
		s.audit(r, "magiclink.verify", "fail", "reason", err.Error())
		s.redirectWithError(w, r, "login_failed")
		return
	}
	s.audit(r, "magiclink.verify", "success", "user_id", user.ID)
	s.setSessionCookie(w, session)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state := util.NewID()
	authURL, err := s.app.GoogleAuthURL(state)
	if err != nil {
		s.audit(r, "oauth.start", "fail", "reason", "not_configured")
		writeError(w, http.StatusNotFound, "google sign-in is not available")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth/google",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.audit(r, "oauth.start", "success")
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || cookie.Value != state {
		s.audit(r, "oauth.callback", "fail", "reason", "state_mismatch")
		s.redirectWithError(w, r, "login_failed")
		return
	}
	s.clearCookie(w, oauthStateCookie, "/api/auth/google")

	code := r.URL.Query().Get("code")
	user, session, err := s.app.HandleOAuthLogin(r.Context(), code)
	if err != nil {
		s.audit(r, "oauth.callback", "fail", "reason", err.Error())
		s.redirectWithError(w, r, "login_failed")
		return
	}
	s.audit(r, "oauth.callback", "success", "user_id", user.ID)
	s.setSessionCookie(w, session)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if token, ok := sessionToken(r); ok {
		if err := s.app.Logout(token); err != nil {
			slog.Warn("logout_failed", "error", err.Error())
		}
	}
	s.clearCookie(w, SessionCookie, "/")
	s.audit(r, "session.logout", "success")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleUser(w http.ResponseWriter, _ *http.Request, user domain.User) {
	writeJSON(w, http.StatusOK, user)
}

// billing handlers

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.app.Subscription(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, err, "failed to get subscription status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.Checkout(r.Context(), user.ID)
	if err != nil {
		s.audit(r, "billing.checkout", "fail", "user_id", user.ID, "reason", err.Error())
		writeAppError(w, err, "failed to create checkout session")
		return
	}
	s.audit(r, "billing.checkout", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.Portal(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, err, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	products, err := s.app.Products(r.Context())
	if err != nil {
		writeAppError(w, err, "failed to list products")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.webhooks == nil {
		writeError(w, http.StatusNotFound, "webhooks not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		s.audit(r, "billing.webhook", "fail", "reason", "body_read")
		writeError(w, http.StatusBadRequest, "could not read payload")
		return
	}
	if err := s.webhooks.Process(r.Context(), payload, r.Header.Get(billing.SignatureHeader)); err != nil {
		switch {
		case errors.Is(err, billing.ErrBadSignature):
			s.audit(r, "billing.webhook", "fail", "reason", "bad_signature")
			writeError(w, http.StatusBadRequest, "signature verification failed")
		case errors.Is(err, billing.ErrBadPayload):
			s.audit(r, "billing.webhook", "fail", "reason", "bad_payload")
			writeError(w, http.StatusBadRequest, "malformed event payload")
		default:
			s.audit(r, "billing.webhook", "fail", "reason", err.Error())
			writeError(w, http.StatusInternalServerError, "event processing failed")
		}
		return
	}
	s.audit(r, "billing.webhook", "success")
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// caption handlers

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.captionLimiter, "too many caption requests") {
		s.audit(r, "captions.generate", "rate_limited", "user_id", user.ID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	files, err := formFiles(r.MultipartForm, "images")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.app.GenerateCaptions(r.Context(), user.ID,
		files, r.FormValue("style"), r.FormValue("context"))
	if err != nil {
		var upgrade *app.UpgradeRequiredError
		switch {
		case errors.As(err, &upgrade):
			s.audit(r, "captions.generate", "fail", "user_id", user.ID, "reason", "limit_reached")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":           "Usage limit reached",
				"message":         "You've hit your free caption limit. Upgrade to Pro to keep generating captions.",
				"upgradeRequired": true,
				"usageCount":      upgrade.UsageCount,
				"usageLimit":      upgrade.UsageLimit,
			})
		case errors.Is(err, app.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, userMessage(err))
		case errors.Is(err, app.ErrProviderError):
			s.audit(r, "captions.generate", "fail", "user_id", user.ID, "reason", "provider")
			writeError(w, http.StatusBadGateway, "failed to generate captions")
		default:
			writeAppError(w, err, "failed to generate captions")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// formFiles collects the uploaded parts as-is. Batch and per-file
// limits are enforced downstream by intake.Validate.
func formFiles(form *multipart.Form, field string) ([]intake.File, error) {
	if form == nil {
		return nil, nil
	}
	headers := form.File[field]
	files := make([]intake.File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("could not read %s", header.Filename)
		}
		// Oversized parts are read up to the limit plus one byte; the
		// recorded size still trips the per-file check downstream.
		data, err := io.ReadAll(io.LimitReader(f, intake.MaxFileBytes+1))
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("could not read %s", header.Filename)
		}
		size := header.Size
		if size < int64(len(data)) {
			size = int64(len(data))
		}
		files = append(files, intake.File{
			Name:        header.Filename,
			Size:        size,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return files, nil
}

// saved caption handlers

func (s *Server) handleSavedCaptions(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		captions, err := s.app.SavedCaptions(user.ID)
		if err != nil {
			writeAppError(w, err, "failed to fetch saved captions")
			return
		}
		if captions == nil {
			captions = []domain.SavedCaption{}
		}
		writeJSON(w, http.StatusOK, captions)
	case http.MethodPost:
		var req saveCaptionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "text and style are required")
			return
		}
		caption, err := s.app.SaveCaption(user.ID, req.Text, req.Style, req.Context, req.ImageSrc)
		if err != nil {
			writeAppError(w, err, "failed to save caption")
			return
		}
		writeJSON(w, http.StatusOK, caption)
	case http.MethodDelete:
		if err := s.app.ClearSavedCaptions(user.ID); err != nil {
			writeAppError(w, err, "failed to clear captions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSavedCaptionByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/saved-captions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.app.DeleteSavedCaption(user.ID, id); err != nil {
		writeAppError(w, err, "failed to delete caption")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// helpers

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, "/?error="+url.QueryEscape(code), http.StatusFound)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError maps application sentinels to HTTP responses. fallback is
// used for unexpected errors so internals never leak to clients.
func writeAppError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, userMessage(err))
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, app.ErrBillingUnavailable):
		writeError(w, http.StatusServiceUnavailable, "billing is not available")
	case errors.Is(err, app.ErrProviderError):
		writeError(w, http.StatusBadGateway, fallback)
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// userMessage strips the sentinel prefix so clients see only the detail.
func userMessage(err error) string {
	msg := err.Error()
	if _, detail, ok := strings.Cut(msg, ": "); ok {
		return detail
	}
	return msg
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// request payloads

type magicLinkRequest struct {
	Email string `json:"email" validate:"required"`
}

type saveCaptionRequest struct {
	Text     string `json:"text" validate:"required"`
	Style    string `json:"style" validate:"required"`
	Context  string `json:"context"`
	ImageSrc string `json:"imageSrc"`
}
