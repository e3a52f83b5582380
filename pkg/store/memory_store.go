package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"captionai/pkg/domain"
)

// MemoryStore keeps all state in-process. It implements Store with the same
// semantics as GormStore and backs the test suites.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]domain.User
	byEmail  map[string]string // email -> user ID
	tokens   map[string]domain.MagicToken
	captions map[string]domain.SavedCaption
	events   map[string]string // event ID -> type
	order    []string          // caption insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		byEmail:  make(map[string]string),
		tokens:   make(map[string]domain.MagicToken),
		captions: make(map[string]domain.SavedCaption),
		events:   make(map[string]string),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Email != "" && prev.Email != u.Email {
		delete(m.byEmail, prev.Email)
	}
	m.users[u.ID] = u
	if u.Email != "" {
		m.byEmail[u.Email] = u.ID
	}
	return nil
}

func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByCustomerID(customerID string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.BillingCustomerID == customerID && customerID != "" {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) UpdateBillingInfo(userID string, info BillingInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	if info.CustomerID != "" {
		u.BillingCustomerID = info.CustomerID
	}
	if info.SubscriptionID != "" {
		u.BillingSubscriptionID = info.SubscriptionID
	}
	if info.Tier != "" {
		u.Tier = info.Tier
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) IncrementUsage(userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, nil
	}
	u.CaptionUsageCount++
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return u.CaptionUsageCount, nil
}

func (m *MemoryStore) CreateMagicToken(email, tokenHash string, expiresAt time.Time) (domain.MagicToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, t := range m.tokens {
		if t.Email == email && t.ConsumedAt == nil {
			consumed := now
			t.ConsumedAt = &consumed
			m.tokens[id] = t
		}
	}
	token := domain.MagicToken{
		ID:        uuid.NewString(),
		Email:     email,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
	}
	m.tokens[token.ID] = token
	return token, nil
}

func (m *MemoryStore) CountRecentMagicTokens(email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tokens {
		if t.Email == email && t.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UsableMagicTokens(email string, now time.Time) ([]domain.MagicToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []domain.MagicToken
	for _, t := range m.tokens {
		if t.Email == email && t.Usable(now) {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

func (m *MemoryStore) ConsumeMagicToken(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	t.ConsumedAt = &now
	m.tokens[id] = t
	return true, nil
}

func (m *MemoryStore) ListSavedCaptions(userID string) ([]domain.SavedCaption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	captions := make([]domain.SavedCaption, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		if c, ok := m.captions[m.order[i]]; ok && c.UserID == userID {
			captions = append(captions, c)
		}
	}
	return captions, nil
}

func (m *MemoryStore) FindSavedCaptionByText(userID, text string) (domain.SavedCaption, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.captions {
		if c.UserID == userID && c.Text == text {
			return c, true, nil
		}
	}
	return domain.SavedCaption{}, false, nil
}

func (m *MemoryStore) SaveCaption(c domain.SavedCaption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.captions[c.ID]; !exists {
		m.order = append(m.order, c.ID)
	}
	m.captions[c.ID] = c
	return nil
}

func (m *MemoryStore) DeleteSavedCaption(id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captions[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(m.captions, id)
	return true, nil
}

func (m *MemoryStore) ClearSavedCaptions(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.captions {
		if c.UserID == userID {
			delete(m.captions, id)
		}
	}
	return nil
}

func (m *MemoryStore) HasBillingEvent(eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.events[eventID]
	return seen, nil
}

func (m *MemoryStore) RecordBillingEvent(eventID, eventType string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.events[eventID]; seen {
		return false, nil
	}
	m.events[eventID] = eventType
	return true, nil
}

// MemorySessionStore is a SessionStore for tests.
type MemorySessionStore struct {
	mu   sync.Mutex
	sess map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sess: make(map[string]string)}
}

func (m *MemorySessionStore) NewSession(userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.NewString()
	m.sess[token] = userID
	return token, nil
}

func (m *MemorySessionStore) GetUserIDByToken(token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sess[token]
	return id, ok, nil
}

func (m *MemorySessionStore) DeleteSession(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sess, token)
	return nil
}
