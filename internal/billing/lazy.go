package billing

import (
	"context"
	"sync"
)

// LazyOracle defers provider client construction until the first call and
// shares the resolved client afterwards. Construction failures are returned
// on every call rather than cached as a dead client.
type LazyOracle struct {
	build func() (Oracle, error)

	mu     sync.Mutex
	oracle Oracle
}

func NewLazyOracle(build func() (Oracle, error)) *LazyOracle {
	return &LazyOracle{build: build}
}

func (l *LazyOracle) resolve() (Oracle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.oracle != nil {
		return l.oracle, nil
	}
	oracle, err := l.build()
	if err != nil {
		return nil, err
	}
	l.oracle = oracle
	return oracle, nil
}

func (l *LazyOracle) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	o, err := l.resolve()
	if err != nil {
		return "", err
	}
	return o.CreateCustomer(ctx, email, userID)
}

func (l *LazyOracle) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	o, err := l.resolve()
	if err != nil {
		return Subscription{}, err
	}
	return o.GetSubscription(ctx, subscriptionID)
}

func (l *LazyOracle) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	o, err := l.resolve()
	if err != nil {
		return nil, err
	}
	return o.ListActiveSubscriptions(ctx, customerID)
}

func (l *LazyOracle) FindProPriceID(ctx context.Context) (string, error) {
	o, err := l.resolve()
	if err != nil {
		return "", err
	}
	return o.FindProPriceID(ctx)
}

func (l *LazyOracle) ListProducts(ctx context.Context) ([]Product, error) {
	o, err := l.resolve()
	if err != nil {
		return nil, err
	}
	return o.ListProducts(ctx)
}

func (l *LazyOracle) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL, userID string) (string, error) {
	o, err := l.resolve()
	if err != nil {
		return "", err
	}
	return o.CreateCheckoutSession(ctx, customerID, priceID, successURL, cancelURL, userID)
}

func (l *LazyOracle) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	o, err := l.resolve()
	if err != nil {
		return "", err
	}
	return o.CreatePortalSession(ctx, customerID, returnURL)
}
