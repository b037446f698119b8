package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"whisperbox/pkg/domain"
)

func testUser(id, username, email string) domain.User {
	now := time.Now().UTC()
	return domain.User{
		ID:                id,
		Username:          username,
		Email:             email,
		PasswordHash:      "hash",
		VerifyCode:        "123456",
		VerifyCodeExpiry:  now.Add(time.Hour),
		AcceptingMessages: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestMemoryStoreUniqueIndexes(t *testing.T) {
	m := NewMemoryStore()
	if err := m.CreateUser(testUser("u1", "alice", "a@x.com")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := m.CreateUser(testUser("u2", "alice", "other@x.com")); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate username, got: %v", err)
	}
	if err := m.CreateUser(testUser("u3", "bob", "a@x.com")); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate email, got: %v", err)
	}
}

func TestMemoryStoreLookups(t *testing.T) {
	m := NewMemoryStore()
	if err := m.CreateUser(testUser("u1", "alice", "a@x.com")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, ok, _ := m.GetUserByUsername("alice"); !ok {
		t.Fatalf("expected lookup by username to hit")
	}
	if _, ok, _ := m.GetUserByUsername("Alice"); ok {
		t.Fatalf("username lookup must be case-sensitive")
	}
	if _, ok, _ := m.GetUserByEmail("a@x.com"); !ok {
		t.Fatalf("expected lookup by email to hit")
	}
	if u, ok, _ := m.GetUserByIdentifier("a@x.com"); !ok || u.Username != "alice" {
		t.Fatalf("expected identifier match by email, got %+v ok=%v", u, ok)
	}
	if u, ok, _ := m.GetUserByIdentifier("alice"); !ok || u.Email != "a@x.com" {
		t.Fatalf("expected identifier match by username, got %+v ok=%v", u, ok)
	}
}

func TestMemoryStoreHasVerifiedUsername(t *testing.T) {
	m := NewMemoryStore()
	u := testUser("u1", "alice", "a@x.com")
	if err := m.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if taken, _ := m.HasVerifiedUsername("alice"); taken {
		t.Fatalf("unverified account must not reserve the username")
	}
	u.Verified = true
	if err := m.UpdateUser(u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if taken, _ := m.HasVerifiedUsername("alice"); !taken {
		t.Fatalf("verified account must reserve the username")
	}
}

func TestMemoryStoreUpdateUserUnknownID(t *testing.T) {
	m := NewMemoryStore()
	if err := m.UpdateUser(testUser("missing", "ghost", "g@x.com")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got: %v", err)
	}
}

func TestMemoryStoreSetAcceptingMessages(t *testing.T) {
	m := NewMemoryStore()
	if err := m.CreateUser(testUser("u1", "alice", "a@x.com")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	u, ok, err := m.SetAcceptingMessages("u1", false)
	if err != nil || !ok {
		t.Fatalf("set accepting: ok=%v err=%v", ok, err)
	}
	if u.AcceptingMessages {
		t.Fatalf("expected accepting flag false")
	}
	if _, ok, _ := m.SetAcceptingMessages("missing", true); ok {
		t.Fatalf("expected miss for unknown account")
	}
}

func TestMemoryStoreListMessagesNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now().UTC()
	for i, content := range []string{"A", "B", "C"} {
		err := m.AppendMessage("u1", domain.Message{
			ID:        content,
			UserID:    "u1",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := m.ListMessages("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].Content != "C" || got[1].Content != "B" || got[2].Content != "A" {
		t.Fatalf("expected [C B A], got %+v", got)
	}
}

func TestMemoryStoreListMessagesEmpty(t *testing.T) {
	m := NewMemoryStore()
	got, err := m.ListMessages("nobody")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty slice, got %d", len(got))
	}
}

func TestMemoryStoreConcurrentAppendLosesNothing(t *testing.T) {
	m := NewMemoryStore()
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = m.AppendMessage("u1", domain.Message{
				UserID:    "u1",
				Content:   "hi",
				CreatedAt: time.Now().UTC(),
			})
		}()
	}
	wg.Wait()
	got, err := m.ListMessages("u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != n {
		t.Fatalf("lost appends: got %d want %d", len(got), n)
	}
}
