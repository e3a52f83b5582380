package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBillingBaseURL = "https://api.stripe.com/v1"
	proPriceLookupKey     = "pro_monthly"
)

// HTTPOracle talks to the provider's REST API. Requests are form-encoded
// and authenticated with the secret key, matching the Stripe wire format.
type HTTPOracle struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewHTTPOracle builds a provider client. baseURL overrides the live API
// endpoint for tests and mock servers; empty means the real provider.
func NewHTTPOracle(secretKey, baseURL string) (*HTTPOracle, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("billing secret key is required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBillingBaseURL
	}
	return &HTTPOracle{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (o *HTTPOracle) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	form := url.Values{}
	if email != "" {
		form.Set("email", email)
	}
	form.Set("metadata[userId]", userID)
	var resp struct {
		ID string `json:"id"`
	}
	if err := o.postForm(ctx, "/customers", form, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("billing customer response missing id")
	}
	return resp.ID, nil
}

func (o *HTTPOracle) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	var raw wireSubscription
	if err := o.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &raw); err != nil {
		return Subscription{}, err
	}
	return raw.toSubscription(), nil
}

func (o *HTTPOracle) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	q := url.Values{}
	q.Set("customer", customerID)
	q.Set("status", "active")
	q.Set("limit", "3")
	var resp struct {
		Data []wireSubscription `json:"data"`
	}
	if err := o.get(ctx, "/subscriptions", q, &resp); err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(resp.Data))
	for _, raw := range resp.Data {
		subs = append(subs, raw.toSubscription())
	}
	return subs, nil
}

// FindProPriceID prefers the price registered under the pro lookup key and
// falls back to the first active price of a product named "pro".
func (o *HTTPOracle) FindProPriceID(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("lookup_keys[]", proPriceLookupKey)
	q.Set("limit", "1")
	var prices struct {
		Data []wirePrice `json:"data"`
	}
	if err := o.get(ctx, "/prices", q, &prices); err != nil {
		return "", err
	}
	if len(prices.Data) > 0 {
		return prices.Data[0].ID, nil
	}

	products, err := o.listProducts(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range products {
		if !strings.Contains(strings.ToLower(p.Name), "pro") {
			continue
		}
		pq := url.Values{}
		pq.Set("product", p.ID)
		pq.Set("active", "true")
		pq.Set("limit", "1")
		var productPrices struct {
			Data []wirePrice `json:"data"`
		}
		if err := o.get(ctx, "/prices", pq, &productPrices); err != nil {
			return "", err
		}
		if len(productPrices.Data) > 0 {
			return productPrices.Data[0].ID, nil
		}
	}
	return "", errors.New("no pro price configured at billing provider")
}

func (o *HTTPOracle) ListProducts(ctx context.Context) ([]Product, error) {
	raw, err := o.listProducts(ctx)
	if err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(raw))
	for _, p := range raw {
		q := url.Values{}
		q.Set("product", p.ID)
		q.Set("active", "true")
		q.Set("limit", "10")
		var prices struct {
			Data []wirePrice `json:"data"`
		}
		if err := o.get(ctx, "/prices", q, &prices); err != nil {
			return nil, err
		}
		product := Product{ID: p.ID, Name: p.Name, Description: p.Description}
		for _, price := range prices.Data {
			product.Prices = append(product.Prices, price.toPrice())
		}
		products = append(products, product)
	}
	return products, nil
}

func (o *HTTPOracle) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL, userID string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("mode", "subscription")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("metadata[userId]", userID)
	var resp struct {
		URL string `json:"url"`
	}
	if err := o.postForm(ctx, "/checkout/sessions", form, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("checkout session response missing url")
	}
	return resp.URL, nil
}

func (o *HTTPOracle) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)
	var resp struct {
		URL string `json:"url"`
	}
	if err := o.postForm(ctx, "/billing_portal/sessions", form, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("portal session response missing url")
	}
	return resp.URL, nil
}

func (o *HTTPOracle) listProducts(ctx context.Context) ([]wireProduct, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("limit", "10")
	var resp struct {
		Data []wireProduct `json:"data"`
	}
	if err := o.get(ctx, "/products", q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (o *HTTPOracle) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return o.do(req, out)
}

func (o *HTTPOracle) get(ctx context.Context, path string, q url.Values, out any) error {
	u := o.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return o.do(req, out)
}

func (o *HTTPOracle) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+o.secretKey)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("billing api error: %s", errResp.Error.Message)
		}
		return fmt.Errorf("billing api error: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billing decode: %w", err)
	}
	return nil
}

// Wire types follow the provider's JSON shapes.

type wireSubscription struct {
	ID                string `json:"id"`
	Customer          idRef  `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			Price wirePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (w wireSubscription) toSubscription() Subscription {
	sub := Subscription{
		ID:                w.ID,
		CustomerID:        string(w.Customer),
		Status:            w.Status,
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
	}
	if w.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(w.CurrentPeriodEnd, 0).UTC()
	}
	if len(w.Items.Data) > 0 {
		sub.PriceID = w.Items.Data[0].Price.ID
	}
	return sub
}

type wirePrice struct {
	ID         string `json:"id"`
	LookupKey  string `json:"lookup_key"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unit_amount"`
	Recurring  struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

func (w wirePrice) toPrice() Price {
	return Price{
		ID:         w.ID,
		LookupKey:  w.LookupKey,
		Currency:   w.Currency,
		UnitAmount: w.UnitAmount,
		Interval:   w.Recurring.Interval,
	}
}

type wireProduct struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// idRef decodes a provider reference that arrives either as a bare id
// string or as an expanded object with an id field.
type idRef string

func (r *idRef) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = idRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = idRef(obj.ID)
	return nil
}
