package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"captionai/internal/app"
	"captionai/internal/billing"
	"captionai/internal/config"
	"captionai/internal/magiclink"
	"captionai/internal/mail"
	"captionai/internal/oauth"
	"captionai/internal/server"
	"captionai/internal/util"
	"captionai/pkg/ai"
	"captionai/pkg/storage"
	"captionai/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
	} else {
		slog.Warn("no databaseURL configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	var sessions store.SessionStore
	switch cfg.SessionStrategy {
	case "jwt":
		sessions, err = store.NewJWTSessionStore(cfg.SessionSecret, sessionTTL)
		if err != nil {
			log.Fatalf("failed to init jwt sessions: %v", err)
		}
	default:
		sessions = store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, sessionTTL)
	}

	mailer := buildMailer(cfg)
	magicLinks, err := magiclink.NewService(st, mailer, cfg.BaseURL)
	if err != nil {
		log.Fatalf("failed to init magic links: %v", err)
	}

	var google oauth.IdentityProvider
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		google, err = oauth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret,
			cfg.BaseURL+"/api/auth/google/callback")
		if err != nil {
			log.Fatalf("failed to init google sign-in: %v", err)
		}
	}

	var oracle billing.Oracle
	var webhooks *billing.Processor
	if cfg.BillingSecretKey != "" {
		oracle = billing.NewLazyOracle(func() (billing.Oracle, error) {
			return billing.NewHTTPOracle(cfg.BillingSecretKey, cfg.BillingBaseURL)
		})
		webhooks, err = billing.NewProcessor(st, cfg.BillingWebhookSecret, cfg.Environment)
		if err != nil {
			log.Fatalf("failed to init billing webhooks: %v", err)
		}
	} else {
		slog.Warn("billing disabled, no billingSecretKey configured")
	}

	captioner, err := buildCaptioner(cfg)
	if err != nil {
		log.Fatalf("failed to init captioner: %v", err)
	}

	var images storage.ImageStore
	if cfg.MinioEndpoint != "" {
		images, err = storage.NewMinioImageStore(cfg.MinioEndpoint,
			cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init image store: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:      st,
		Sessions:   sessions,
		MagicLinks: magicLinks,
		Google:     google,
		Billing:    oracle,
		Captioner:  captioner,
		Images:     images,
		BaseURL:    cfg.BaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                            appCore,
		Webhooks:                       webhooks,
		RedisAddr:                      cfg.RedisAddr,
		RedisPassword:                  cfg.RedisPassword,
		MagicRequestRateLimitPerMinute: cfg.MagicRequestRateLimitPerMinute,
		MagicVerifyRateLimitPerMinute:  cfg.MagicVerifyRateLimitPerMinute,
		CaptionRateLimitPerMinute:      cfg.CaptionRateLimitPerMinute,
		SessionTTL:                     sessionTTL,
		SecureCookies:                  cfg.SecureCookies || cfg.Environment == "production",
		AllowedOrigins:                 cfg.AllowedOrigins,
		TrustedProxies:                 cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func buildMailer(cfg config.FileConfig) mail.Mailer {
	switch cfg.Mailer {
	case "smtp":
		mailer, err := mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
		if err != nil {
			log.Fatalf("failed to init smtp mailer: %v", err)
		}
		return mailer
	case "amqp":
		mailer, err := mail.NewAMQPMailer(mail.AMQPConfig{
			URL:   cfg.AMQPUrl,
			Queue: cfg.AMQPQueue,
		})
		if err != nil {
			log.Fatalf("failed to init amqp mailer: %v", err)
		}
		return mailer
	default:
		return mail.ConsoleMailer{}
	}
}

func buildCaptioner(cfg config.FileConfig) (ai.Captioner, error) {
	switch cfg.CaptionProvider {
	case "gemini":
		return ai.NewGeminiCaptioner(cfg.CaptionAPIKey, cfg.CaptionModel)
	default:
		if cfg.CaptionBaseURL == "" {
			slog.Warn("caption generation disabled, no captionBaseURL configured")
			return nil, nil
		}
		return ai.NewOpenAICompatCaptioner(cfg.CaptionBaseURL, cfg.CaptionAPIKey, cfg.CaptionModel), nil
	}
}
