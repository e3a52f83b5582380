// Package billing integrates with a Stripe-compatible payments provider.
// The provider is the source of truth for subscription state; local tier
// fields are a mirror kept current by webhooks and reconciliation.
package billing

import (
	"context"
	"time"
)

// Subscription is the provider's view of one subscription.
type Subscription struct {
	ID                string    `json:"id"`
	CustomerID        string    `json:"customerId"`
	Status            string    `json:"status"`
	PriceID           string    `json:"priceId,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd  time.Time `json:"currentPeriodEnd,omitempty"`
}

// Active reports whether the subscription entitles the customer to pro.
func (s Subscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// Price is one purchasable price of a product.
type Price struct {
	ID         string `json:"id"`
	LookupKey  string `json:"lookupKey,omitempty"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unitAmount"`
	Interval   string `json:"interval,omitempty"`
}

// Product is a sellable product with its active prices.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Prices      []Price `json:"prices"`
}

// Oracle is the payments provider API surface the app depends on.
type Oracle interface {
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	// ListActiveSubscriptions returns the customer's active subscriptions,
	// newest first.
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	// FindProPriceID resolves the price to sell for the pro plan.
	FindProPriceID(ctx context.Context) (string, error)
	ListProducts(ctx context.Context) ([]Product, error)
	// CreateCheckoutSession starts a subscription checkout and returns the
	// hosted payment page URL.
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL, userID string) (string, error)
	// CreatePortalSession returns a hosted billing management page URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
