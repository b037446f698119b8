package store

import (
	"sort"
	"sync"
	"time"

	"whisperbox/pkg/domain"
)

// MemoryStore keeps accounts and messages in-process. It backs tests and
// local runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User     // user ID -> user
	username map[string]string          // username -> user ID
	email    map[string]string          // email -> user ID
	messages map[string][]domain.Message // user ID -> messages, insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		username: make(map[string]string),
		email:    make(map[string]string),
		messages: make(map[string][]domain.Message),
	}
}

// CreateUser inserts a new account, enforcing the unique indexes.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.username[u.Username]; taken {
		return ErrDuplicateKey
	}
	if _, taken := m.email[u.Email]; taken {
		return ErrDuplicateKey
	}
	m.users[u.ID] = u
	m.username[u.Username] = u.ID
	m.email[u.Email] = u.ID
	return nil
}

// UpdateUser replaces the stored account record.
func (m *MemoryStore) UpdateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if id, taken := m.username[u.Username]; taken && id != u.ID {
		return ErrDuplicateKey
	}
	if id, taken := m.email[u.Email]; taken && id != u.ID {
		return ErrDuplicateKey
	}
	delete(m.username, prev.Username)
	delete(m.email, prev.Email)
	m.users[u.ID] = u
	m.username[u.Username] = u.ID
	m.email[u.Email] = u.ID
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByUsername looks up a user by exact username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIndexLocked(m.username, username)
}

// GetUserByEmail looks up a user by exact email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIndexLocked(m.email, email)
}

// GetUserByIdentifier matches either username or email.
func (m *MemoryStore) GetUserByIdentifier(identifier string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok, _ := m.byIndexLocked(m.username, identifier); ok {
		return u, true, nil
	}
	return m.byIndexLocked(m.email, identifier)
}

func (m *MemoryStore) byIndexLocked(index map[string]string, key string) (domain.User, bool, error) {
	if id, ok := index[key]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// HasVerifiedUsername reports whether a verified account holds username.
func (m *MemoryStore) HasVerifiedUsername(username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok, _ := m.byIndexLocked(m.username, username)
	return ok && u.Verified, nil
}

// SetAcceptingMessages flips the accept flag on the stored record.
func (m *MemoryStore) SetAcceptingMessages(userID string, accepting bool) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.User{}, false, nil
	}
	u.AcceptingMessages = accepting
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return u, true, nil
}

// AppendMessage records a message for the account.
func (m *MemoryStore) AppendMessage(userID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[userID] = append(m.messages[userID], msg)
	return nil
}

// ListMessages returns the account's messages newest-first.
func (m *MemoryStore) ListMessages(userID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.messages[userID]
	out := make([]domain.Message, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
