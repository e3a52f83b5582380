package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"captionai/internal/util"
	"captionai/pkg/domain"
	"captionai/pkg/store"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

const signatureTolerance = 5 * time.Minute

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrBadPayload   = errors.New("webhook payload is malformed")
)

// Processor verifies and applies provider webhook events. Events mutate the
// local billing mirror; each event id is applied at most once.
type Processor struct {
	store       store.Store
	secret      string
	environment string
	now         func() time.Time
}

// NewProcessor builds a webhook processor. An empty secret disables
// signature checks and is rejected in production.
func NewProcessor(st store.Store, secret, environment string) (*Processor, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" && environment == "production" {
		return nil, errors.New("billing webhook secret is required in production")
	}
	return &Processor{
		store:       st,
		secret:      secret,
		environment: environment,
		now:         time.Now,
	}, nil
}

// Process verifies the signature, applies the event, and records its id.
// Replayed event ids are acknowledged without effect. The id is recorded
// only after a successful apply so a provider retry of a failed delivery
// is not mistaken for a replay.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) error {
	logger := util.LoggerFromContext(ctx)
	if p.secret != "" {
		if err := p.verifySignature(payload, signature); err != nil {
			return err
		}
	} else {
		logger.Warn("billing webhook secret not set, skipping signature verification")
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("%w: missing event id or type", ErrBadPayload)
	}

	seen, err := p.store.HasBillingEvent(event.ID)
	if err != nil {
		return fmt.Errorf("check billing event: %w", err)
	}
	if seen {
		logger.Info("billing_event_replayed", slog.String("event_id", event.ID))
		return nil
	}

	if err := p.apply(ctx, event); err != nil {
		return err
	}
	if _, err := p.store.RecordBillingEvent(event.ID, event.Type, payload); err != nil {
		return fmt.Errorf("record billing event: %w", err)
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, event webhookEvent) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return p.handlePaymentFailed(ctx, event)
	default:
		util.LoggerFromContext(ctx).Debug("billing_event_ignored", slog.String("event_type", event.Type))
		return nil
	}
}

// verifySignature checks the "t=...,v1=..." header format: v1 is the hex
// HMAC-SHA256 of "<t>.<payload>" under the endpoint secret.
func (p *Processor) verifySignature(payload []byte, header string) error {
	var timestamp string
	var candidates []string
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	age := p.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return ErrBadSignature
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event webhookEvent) error {
	var session struct {
		Mode         string `json:"mode"`
		Customer     idRef  `json:"customer"`
		Subscription idRef  `json:"subscription"`
	}
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if session.Mode != "subscription" || session.Customer == "" || session.Subscription == "" {
		return nil
	}
	user, ok, err := p.store.GetUserByCustomerID(string(session.Customer))
	if err != nil {
		return err
	}
	if !ok {
		util.LoggerFromContext(ctx).Warn("billing_event_unknown_customer",
			slog.String("event_id", event.ID), slog.String("customer_id", string(session.Customer)))
		return nil
	}
	if err := p.store.UpdateBillingInfo(user.ID, store.BillingInfo{
		SubscriptionID: string(session.Subscription),
		Tier:           domain.TierPro,
	}); err != nil {
		return err
	}
	util.LoggerFromContext(ctx).Info("billing_user_upgraded",
		slog.String("user_id", user.ID), slog.String("event_id", event.ID))
	return nil
}

func (p *Processor) handleSubscriptionChanged(ctx context.Context, event webhookEvent) error {
	var sub struct {
		ID       string `json:"id"`
		Customer idRef  `json:"customer"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	user, ok, err := p.store.GetUserByCustomerID(string(sub.Customer))
	if err != nil || !ok {
		return err
	}
	tier := domain.TierFree
	if sub.Status == "active" || sub.Status == "trialing" {
		tier = domain.TierPro
	}
	if err := p.store.UpdateBillingInfo(user.ID, store.BillingInfo{
		SubscriptionID: sub.ID,
		Tier:           tier,
	}); err != nil {
		return err
	}
	util.LoggerFromContext(ctx).Info("billing_subscription_updated",
		slog.String("user_id", user.ID), slog.String("status", sub.Status))
	return nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, event webhookEvent) error {
	var sub struct {
		Customer idRef `json:"customer"`
	}
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	user, ok, err := p.store.GetUserByCustomerID(string(sub.Customer))
	if err != nil || !ok {
		return err
	}
	if err := p.store.UpdateBillingInfo(user.ID, store.BillingInfo{Tier: domain.TierFree}); err != nil {
		return err
	}
	util.LoggerFromContext(ctx).Info("billing_subscription_canceled", slog.String("user_id", user.ID))
	return nil
}

func (p *Processor) handlePaymentFailed(ctx context.Context, event webhookEvent) error {
	var invoice struct {
		Customer idRef `json:"customer"`
	}
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	user, ok, err := p.store.GetUserByCustomerID(string(invoice.Customer))
	if err != nil || !ok {
		return err
	}
	// Access is not cut here; the provider retries and emits
	// customer.subscription.updated when the subscription lapses.
	util.LoggerFromContext(ctx).Warn("billing_payment_failed", slog.String("user_id", user.ID))
	return nil
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}
