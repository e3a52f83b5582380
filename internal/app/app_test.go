package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"captionai/internal/billing"
	"captionai/internal/intake"
	"captionai/internal/magiclink"
	"captionai/internal/mail"
	"captionai/pkg/ai"
	"captionai/pkg/domain"
	"captionai/pkg/storage"
	"captionai/pkg/store"
)

type stubCaptioner struct {
	calls int
	fail  bool
}

func (c *stubCaptioner) Captions(_ context.Context, req ai.CaptionRequest) ([]string, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("model unavailable")
	}
	out := make([]string, req.Variants)
	for i := range out {
		out[i] = fmt.Sprintf("caption %d", i)
	}
	return out, nil
}

type nullMailer struct{}

func (nullMailer) Send(context.Context, mail.Message) error { return nil }

func newTestApp(t *testing.T, captioner ai.Captioner) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	magic, err := magiclink.NewService(st, nullMailer{}, "http://localhost:5000")
	if err != nil {
		t.Fatalf("magic link service: %v", err)
	}
	a, err := New(Config{
		Store:      st,
		Sessions:   store.NewMemorySessionStore(),
		MagicLinks: magic,
		Captioner:  captioner,
		Images:     storage.NewMemoryImageStore(),
		BaseURL:    "http://localhost:5000",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st
}

func seedUser(t *testing.T, st *store.MemoryStore, tier domain.Tier, usage int) domain.User {
	t.Helper()
	u := domain.User{
		ID:                "user-1",
		Email:             "user@example.com",
		EmailVerified:     true,
		Tier:              tier,
		CaptionUsageCount: usage,
	}
	if err := st.SaveUser(u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func uploadFiles(t *testing.T, n int) []intake.File {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for x := 0; x < 24; x++ {
		for y := 0; y < 24; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	files := make([]intake.File, n)
	for i := range files {
		files[i] = intake.File{
			Name:        fmt.Sprintf("photo-%d.png", i),
			Size:        int64(buf.Len()),
			ContentType: "image/png",
			Data:        buf.Bytes(),
		}
	}
	return files
}

func TestGenerateCaptionsChargesFreeUserOnce(t *testing.T) {
	captioner := &stubCaptioner{}
	a, st := newTestApp(t, captioner)
	seedUser(t, st, domain.TierFree, 9)

	resp, err := a.GenerateCaptions(context.Background(), "user-1", uploadFiles(t, 3), "funny", "beach day")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.Captions) != 3 {
		t.Fatalf("got %d image results, want 3", len(resp.Captions))
	}
	if captioner.calls != 3 {
		t.Fatalf("captioner calls = %d, want one per image", captioner.calls)
	}
	for i, entry := range resp.Captions {
		if entry.ImageIndex != i || len(entry.Variants) != 3 {
			t.Fatalf("entry %d = %+v", i, entry)
		}
		if entry.Variants[0].ID != fmt.Sprintf("%d-0", i) {
			t.Fatalf("variant id = %q", entry.Variants[0].ID)
		}
		if entry.ImageSrc == "" {
			t.Fatalf("entry %d missing imageSrc", i)
		}
	}

	// A multi-image batch costs one generation, taking this user to the limit.
	u, _, _ := st.GetUser("user-1")
	if u.CaptionUsageCount != 10 {
		t.Fatalf("usage = %d, want 10", u.CaptionUsageCount)
	}

	_, err = a.GenerateCaptions(context.Background(), "user-1", uploadFiles(t, 1), "funny", "")
	var upgrade *UpgradeRequiredError
	if !errors.As(err, &upgrade) {
		t.Fatalf("err = %v, want UpgradeRequiredError", err)
	}
	if upgrade.UsageCount != 10 || upgrade.UsageLimit != domain.FreeTierLimit {
		t.Fatalf("upgrade payload = %+v", upgrade)
	}
}

func TestGenerateCaptionsProUserNotMetered(t *testing.T) {
	a, st := newTestApp(t, &stubCaptioner{})
	seedUser(t, st, domain.TierPro, 500)

	if _, err := a.GenerateCaptions(context.Background(), "user-1", uploadFiles(t, 1), "casual", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	u, _, _ := st.GetUser("user-1")
	if u.CaptionUsageCount != 500 {
		t.Fatalf("pro usage changed to %d", u.CaptionUsageCount)
	}
}

func TestGenerateCaptionsProviderFailureIsFree(t *testing.T) {
	a, st := newTestApp(t, &stubCaptioner{fail: true})
	seedUser(t, st, domain.TierFree, 4)

	_, err := a.GenerateCaptions(context.Background(), "user-1", uploadFiles(t, 2), "funny", "")
	if !errors.Is(err, ErrProviderError) {
		t.Fatalf("err = %v, want ErrProviderError", err)
	}
	u, _, _ := st.GetUser("user-1")
	if u.CaptionUsageCount != 4 {
		t.Fatalf("failed generation charged usage: %d", u.CaptionUsageCount)
	}
}

func TestGenerateCaptionsRejectsBadInput(t *testing.T) {
	a, st := newTestApp(t, &stubCaptioner{})
	seedUser(t, st, domain.TierFree, 0)
	ctx := context.Background()

	if _, err := a.GenerateCaptions(ctx, "user-1", uploadFiles(t, 1), "sarcastic", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad style err = %v", err)
	}
	if _, err := a.GenerateCaptions(ctx, "user-1", nil, "funny", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no files err = %v", err)
	}
	if _, err := a.GenerateCaptions(ctx, "user-1", uploadFiles(t, 6), "funny", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("too many files err = %v", err)
	}
	u, _, _ := st.GetUser("user-1")
	if u.CaptionUsageCount != 0 {
		t.Fatalf("rejected requests charged usage: %d", u.CaptionUsageCount)
	}
}

func TestCanGenerate(t *testing.T) {
	cases := []struct {
		name string
		user domain.User
		want bool
	}{
		{"free under limit", domain.User{Tier: domain.TierFree, CaptionUsageCount: 9}, true},
		{"free at limit", domain.User{Tier: domain.TierFree, CaptionUsageCount: 10}, false},
		{"free over limit", domain.User{Tier: domain.TierFree, CaptionUsageCount: 11}, false},
		{"pro over limit", domain.User{Tier: domain.TierPro, CaptionUsageCount: 999}, true},
		{"zero value user", domain.User{}, true},
	}
	for _, tc := range cases {
		if got := CanGenerate(tc.user); got != tc.want {
			t.Fatalf("%s: CanGenerate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestVerifyMagicLinkCreatesVerifiedUser(t *testing.T) {
	st := store.NewMemoryStore()
	mailer := &linkMailer{}
	magic, err := magiclink.NewService(st, mailer, "http://localhost:5000")
	if err != nil {
		t.Fatalf("magic link service: %v", err)
	}
	a, err := New(Config{
		Store:      st,
		Sessions:   store.NewMemorySessionStore(),
		MagicLinks: magic,
		BaseURL:    "http://localhost:5000",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()

	if err := a.RequestMagicLink(ctx, "new@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	user, token, err := a.VerifyMagicLink(ctx, mailer.lastToken, "new@example.com")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !user.EmailVerified || user.Tier != domain.TierFree || user.AuthProvider != domain.ProviderEmail {
		t.Fatalf("user = %+v", user)
	}
	if got, ok := a.UserFromToken(token); !ok || got.ID != user.ID {
		t.Fatalf("session did not resolve user")
	}

	// Second sign-in reuses the account.
	if err := a.RequestMagicLink(ctx, "new@example.com"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	again, _, err := a.VerifyMagicLink(ctx, mailer.lastToken, "new@example.com")
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.ID != user.ID {
		t.Fatalf("second verify created a new user")
	}
}

func TestSaveCaptionDedupesByText(t *testing.T) {
	a, st := newTestApp(t, &stubCaptioner{})
	seedUser(t, st, domain.TierFree, 0)

	first, err := a.SaveCaption("user-1", "Golden hour.", "minimalist", "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	second, err := a.SaveCaption("user-1", "Golden hour.", "minimalist", "", "")
	if err != nil {
		t.Fatalf("duplicate save: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate save created a new row")
	}
	list, err := a.SavedCaptions("user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("library has %d entries, want 1", len(list))
	}

	// The same text under another user is a separate entry.
	if err := st.SaveUser(domain.User{ID: "user-2", Email: "two@example.com"}); err != nil {
		t.Fatalf("seed second user: %v", err)
	}
	other, err := a.SaveCaption("user-2", "Golden hour.", "minimalist", "", "")
	if err != nil {
		t.Fatalf("other user save: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("dedupe leaked across users")
	}
}

func TestDeleteSavedCaptionIsOwnerScoped(t *testing.T) {
	a, st := newTestApp(t, &stubCaptioner{})
	seedUser(t, st, domain.TierFree, 0)
	if err := st.SaveUser(domain.User{ID: "user-2", Email: "two@example.com"}); err != nil {
		t.Fatalf("seed second user: %v", err)
	}

	caption, err := a.SaveCaption("user-1", "Mine.", "casual", "", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := a.DeleteSavedCaption("user-2", caption.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user delete err = %v, want ErrNotFound", err)
	}
	if err := a.DeleteSavedCaption("user-1", caption.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if err := a.DeleteSavedCaption("user-1", caption.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

type fakeOracle struct {
	sub       billing.Subscription
	subErr    error
	active    []billing.Subscription
	customers int
	checkout  string
}

func (f *fakeOracle) CreateCustomer(context.Context, string, string) (string, error) {
	f.customers++
	return fmt.Sprintf("cus_%d", f.customers), nil
}
func (f *fakeOracle) GetSubscription(context.Context, string) (billing.Subscription, error) {
	return f.sub, f.subErr
}
func (f *fakeOracle) ListActiveSubscriptions(context.Context, string) ([]billing.Subscription, error) {
	return f.active, nil
}
func (f *fakeOracle) FindProPriceID(context.Context) (string, error) { return "price_pro", nil }
func (f *fakeOracle) ListProducts(context.Context) ([]billing.Product, error) {
	return []billing.Product{{ID: "prod_pro", Name: "Pro"}}, nil
}
func (f *fakeOracle) CreateCheckoutSession(_ context.Context, customerID, priceID, _, _, _ string) (string, error) {
	f.checkout = customerID + "/" + priceID
	return "https://pay.example.com/cs_1", nil
}
func (f *fakeOracle) CreatePortalSession(context.Context, string, string) (string, error) {
	return "https://portal.example.com/ps_1", nil
}

func newBillingApp(t *testing.T, oracle billing.Oracle) (*App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	magic, err := magiclink.NewService(st, nullMailer{}, "http://localhost:5000")
	if err != nil {
		t.Fatalf("magic link service: %v", err)
	}
	a, err := New(Config{
		Store:      st,
		Sessions:   store.NewMemorySessionStore(),
		MagicLinks: magic,
		Billing:    oracle,
		BaseURL:    "http://localhost:5000",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st
}

func TestSubscriptionReconcilesLapsedPro(t *testing.T) {
	oracle := &fakeOracle{sub: billing.Subscription{ID: "sub_1", Status: "canceled"}}
	a, st := newBillingApp(t, oracle)
	u := seedUser(t, st, domain.TierPro, 3)
	if err := st.UpdateBillingInfo(u.ID, store.BillingInfo{CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: domain.TierPro}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	status, err := a.Subscription(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if status.Tier != domain.TierFree {
		t.Fatalf("tier = %q, want free after lapse", status.Tier)
	}
	stored, _, _ := st.GetUser(u.ID)
	if stored.Tier != domain.TierFree {
		t.Fatalf("stored tier = %q", stored.Tier)
	}
}

func TestSubscriptionPicksUpPendingWebhook(t *testing.T) {
	oracle := &fakeOracle{active: []billing.Subscription{{ID: "sub_9", Status: "active"}}}
	a, st := newBillingApp(t, oracle)
	u := seedUser(t, st, domain.TierFree, 3)
	if err := st.UpdateBillingInfo(u.ID, store.BillingInfo{CustomerID: "cus_1"}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	status, err := a.Subscription(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if status.Tier != domain.TierPro || status.Subscription == nil {
		t.Fatalf("status = %+v, want pro with subscription", status)
	}
	stored, _, _ := st.GetUser(u.ID)
	if stored.BillingSubscriptionID != "sub_9" {
		t.Fatalf("stored subscription id = %q", stored.BillingSubscriptionID)
	}
}

func TestSubscriptionDegradesOnProviderOutage(t *testing.T) {
	oracle := &fakeOracle{subErr: errors.New("provider down")}
	a, st := newBillingApp(t, oracle)
	u := seedUser(t, st, domain.TierPro, 3)
	if err := st.UpdateBillingInfo(u.ID, store.BillingInfo{CustomerID: "cus_1", SubscriptionID: "sub_1", Tier: domain.TierPro}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	status, err := a.Subscription(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("subscription should not fail on outage: %v", err)
	}
	if status.Tier != domain.TierPro {
		t.Fatalf("tier = %q, want mirrored pro", status.Tier)
	}
}

func TestCheckoutCreatesCustomerOnce(t *testing.T) {
	oracle := &fakeOracle{}
	a, st := newBillingApp(t, oracle)
	u := seedUser(t, st, domain.TierFree, 0)

	url, err := a.Checkout(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if url != "https://pay.example.com/cs_1" {
		t.Fatalf("url = %q", url)
	}
	stored, _, _ := st.GetUser(u.ID)
	if stored.BillingCustomerID != "cus_1" {
		t.Fatalf("customer id = %q", stored.BillingCustomerID)
	}

	if _, err := a.Checkout(context.Background(), u.ID); err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if oracle.customers != 1 {
		t.Fatalf("created %d customers, want 1", oracle.customers)
	}
}

func TestPortalRequiresCustomer(t *testing.T) {
	a, st := newBillingApp(t, &fakeOracle{})
	u := seedUser(t, st, domain.TierFree, 0)
	if _, err := a.Portal(context.Background(), u.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("portal without customer err = %v", err)
	}
}

// linkMailer captures the token from the most recent magic link email.
type linkMailer struct {
	lastToken string
}

func (m *linkMailer) Send(_ context.Context, msg mail.Message) error {
	const marker = "token="
	i := bytes.Index([]byte(msg.Text), []byte(marker))
	if i < 0 {
		return errors.New("no token in message")
	}
	rest := msg.Text[i+len(marker):]
	if j := bytes.IndexAny([]byte(rest), "& \n"); j >= 0 {
		rest = rest[:j]
	}
	m.lastToken = rest
	return nil
}
