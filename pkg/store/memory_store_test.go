package store

import (
	"sync"
	"testing"
	"time"

	"captionai/pkg/domain"
)

func TestCreateMagicTokenSupersedesPrior(t *testing.T) {
	st := NewMemoryStore()
	now := time.Now().UTC()

	first, err := st.CreateMagicToken("a@example.com", "hash-1", now.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := st.CreateMagicToken("a@example.com", "hash-2", now.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	usable, err := st.UsableMagicTokens("a@example.com", now)
	if err != nil {
		t.Fatalf("usable: %v", err)
	}
	if len(usable) != 1 {
		t.Fatalf("expected exactly one usable token, got %d", len(usable))
	}
	if usable[0].ID != second.ID {
		t.Fatalf("the newest token should be the usable one")
	}

	// The superseded token cannot be consumed.
	ok, err := st.ConsumeMagicToken(first.ID)
	if err != nil {
		t.Fatalf("consume superseded: %v", err)
	}
	if ok {
		t.Fatalf("superseded token must not be consumable")
	}
}

func TestConsumeMagicTokenIsSingleUse(t *testing.T) {
	st := NewMemoryStore()
	token, err := st.CreateMagicToken("a@example.com", "hash", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ConsumeMagicToken(token.ID)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", wins)
	}
}

func TestCountRecentMagicTokensWindow(t *testing.T) {
	st := NewMemoryStore()
	for i := 0; i < 3; i++ {
		if _, err := st.CreateMagicToken("a@example.com", "h", time.Now().Add(time.Minute)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	count, err := st.CountRecentMagicTokens("a@example.com", time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	count, err = st.CountRecentMagicTokens("b@example.com", time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("count other: %v", err)
	}
	if count != 0 {
		t.Fatalf("count for other address = %d, want 0", count)
	}
}

func TestUpdateBillingInfoLeavesEmptyFieldsUntouched(t *testing.T) {
	st := NewMemoryStore()
	if err := st.SaveUser(domain.User{ID: "u1", Email: "a@example.com", Tier: domain.TierFree}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := st.UpdateBillingInfo("u1", BillingInfo{CustomerID: "cus_1"}); err != nil {
		t.Fatalf("set customer: %v", err)
	}
	if err := st.UpdateBillingInfo("u1", BillingInfo{SubscriptionID: "sub_1", Tier: domain.TierPro}); err != nil {
		t.Fatalf("set subscription: %v", err)
	}

	u, ok, err := st.GetUser("u1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if u.BillingCustomerID != "cus_1" {
		t.Fatalf("customer id lost: %q", u.BillingCustomerID)
	}
	if u.BillingSubscriptionID != "sub_1" || u.Tier != domain.TierPro {
		t.Fatalf("subscription update incomplete: %+v", u)
	}

	u2, ok, err := st.GetUserByCustomerID("cus_1")
	if err != nil || !ok || u2.ID != "u1" {
		t.Fatalf("lookup by customer id: ok=%v err=%v user=%+v", ok, err, u2)
	}
}

func TestIncrementUsageIsAtomic(t *testing.T) {
	st := NewMemoryStore()
	if err := st.SaveUser(domain.User{ID: "u1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.IncrementUsage("u1"); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	u, _, err := st.GetUser("u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.CaptionUsageCount != 20 {
		t.Fatalf("usage = %d, want 20", u.CaptionUsageCount)
	}
}

func TestListSavedCaptionsNewestFirst(t *testing.T) {
	st := NewMemoryStore()
	for _, id := range []string{"c1", "c2", "c3"} {
		err := st.SaveCaption(domain.SavedCaption{ID: id, UserID: "u1", Text: "text " + id})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := st.SaveCaption(domain.SavedCaption{ID: "other", UserID: "u2", Text: "not mine"}); err != nil {
		t.Fatalf("save other: %v", err)
	}

	captions, err := st.ListSavedCaptions("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(captions) != 3 {
		t.Fatalf("expected 3 captions, got %d", len(captions))
	}
	if captions[0].ID != "c3" || captions[2].ID != "c1" {
		t.Fatalf("expected newest first, got %s..%s", captions[0].ID, captions[2].ID)
	}
}

func TestRecordBillingEventIdempotent(t *testing.T) {
	st := NewMemoryStore()
	seen, err := st.HasBillingEvent("evt_1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if seen {
		t.Fatalf("unrecorded event id should not be seen")
	}
	fresh, err := st.RecordBillingEvent("evt_1", "checkout.session.completed", []byte("{}"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !fresh {
		t.Fatalf("first record should be fresh")
	}
	fresh, err = st.RecordBillingEvent("evt_1", "checkout.session.completed", []byte("{}"))
	if err != nil {
		t.Fatalf("record replay: %v", err)
	}
	if fresh {
		t.Fatalf("replayed event id should not be fresh")
	}
	seen, err = st.HasBillingEvent("evt_1")
	if err != nil {
		t.Fatalf("has after record: %v", err)
	}
	if !seen {
		t.Fatalf("recorded event id should be seen")
	}
}
