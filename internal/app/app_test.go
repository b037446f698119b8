package app

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"whisperbox/pkg/auth"
	"whisperbox/pkg/domain"
	"whisperbox/pkg/store"
)

type fakeMailer struct {
	sent []sentMail
	fail error
}

type sentMail struct {
	to       string
	username string
	code     string
}

func (m *fakeMailer) SendVerification(_ context.Context, to, username, code string) error {
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentMail{to: to, username: username, code: code})
	return nil
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *fakeMailer) {
	t.Helper()
	st := store.NewMemoryStore()
	ml := &fakeMailer{}
	a, err := New(Config{
		Store:         st,
		Mailer:        ml,
		JWTSecret:     "test-secret",
		SessionTTL:    time.Minute,
		RefreshTTL:    time.Hour,
		Sessions:      mustJWTStore(t),
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, st, ml
}

func mustJWTStore(t *testing.T) store.SessionStore {
	t.Helper()
	s, err := store.NewJWTSessionStore("test-secret", time.Minute, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("NewJWTSessionStore: %v", err)
	}
	return s
}

func register(t *testing.T, a *App, username, email string) {
	t.Helper()
	if err := a.Register(context.Background(), username, email, "secret1"); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
}

func verify(t *testing.T, a *App, st *store.MemoryStore, username string) {
	t.Helper()
	user, ok, err := st.GetUserByUsername(username)
	if err != nil || !ok {
		t.Fatalf("lookup %s: ok=%v err=%v", username, ok, err)
	}
	if err := a.VerifyCode(username, user.VerifyCode); err != nil {
		t.Fatalf("VerifyCode(%s): %v", username, err)
	}
}

func TestRegisterCreatesUnverifiedAccount(t *testing.T) {
	a, st, ml := newTestApp(t)

	register(t, a, "alice", "alice@example.com")

	user, ok, err := st.GetUserByUsername("alice")
	if err != nil || !ok {
		t.Fatalf("account missing: ok=%v err=%v", ok, err)
	}
	if user.Verified {
		t.Error("new account should not be verified")
	}
	if !user.AcceptingMessages {
		t.Error("new account should accept messages by default")
	}
	if user.PasswordHash == "secret1" || user.PasswordHash == "" {
		t.Errorf("password stored without hashing: %q", user.PasswordHash)
	}
	if !auth.CheckPassword("secret1", user.PasswordHash) {
		t.Error("stored hash does not match password")
	}
	if len(ml.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(ml.sent))
	}
	if ml.sent[0].to != "alice@example.com" || ml.sent[0].code != user.VerifyCode {
		t.Errorf("email = %+v, want code %s to alice@example.com", ml.sent[0], user.VerifyCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _, _ := newTestApp(t)

	cases := []struct {
		name     string
		username string
		email    string
		password string
		want     error
	}{
		{"short username", "a", "a@example.com", "secret1", ErrUsernameInvalid},
		{"long username", "abcdefghijklmnopqrstu", "a@example.com", "secret1", ErrUsernameInvalid},
		{"bad char", "al ice", "a@example.com", "secret1", ErrUsernameInvalid},
		{"bad email", "alice", "not-an-email", "secret1", ErrEmailInvalid},
		{"empty email", "alice", "", "secret1", ErrEmailInvalid},
		{"short password", "alice", "a@example.com", "12345", auth.ErrPasswordTooShort},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Register(context.Background(), tc.username, tc.email, tc.password)
			if !errors.Is(err, tc.want) {
				t.Errorf("Register = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRegisterVerifiedUsernameConflict(t *testing.T) {
	a, st, _ := newTestApp(t)

	register(t, a, "alice", "alice@example.com")

	// Unverified accounts do not reserve the name at the application level.
	err := a.Register(context.Background(), "alice", "other@example.com", "secret1")
	if errors.Is(err, ErrUsernameTaken) {
		t.Fatal("unverified account should not reserve the username")
	}

	verify(t, a, st, "alice")

	err = a.Register(context.Background(), "alice", "third@example.com", "secret1")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Register = %v, want %v", err, ErrUsernameTaken)
	}
}

func TestRegisterVerifiedEmailConflict(t *testing.T) {
	a, st, _ := newTestApp(t)

	register(t, a, "alice", "alice@example.com")
	verify(t, a, st, "alice")

	err := a.Register(context.Background(), "alice2", "alice@example.com", "secret1")
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Register = %v, want %v", err, ErrEmailTaken)
	}
}

// Re-registering a pending email refreshes the password and code but keeps
// the originally stored username, even when the new attempt supplies a
// different one.
func TestReRegisterPendingEmailKeepsUsername(t *testing.T) {
	a, st, _ := newTestApp(t)

	register(t, a, "alice", "alice@example.com")
	first, _, _ := st.GetUserByEmail("alice@example.com")

	if err := a.Register(context.Background(), "malice", "alice@example.com", "newpass1"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	second, ok, err := st.GetUserByEmail("alice@example.com")
	if err != nil || !ok {
		t.Fatalf("account missing: ok=%v err=%v", ok, err)
	}
	if second.Username != "alice" {
		t.Errorf("username = %q, want the original %q kept", second.Username, "alice")
	}
	if second.VerifyCode == first.VerifyCode && second.PasswordHash == first.PasswordHash {
		t.Error("re-registration did not refresh code or password")
	}
	if !auth.CheckPassword("newpass1", second.PasswordHash) {
		t.Error("stored hash does not match the new password")
	}
}

// A delivery failure is reported, but the account and its code were already
// committed; verification with the stored code still works.
func TestRegisterDeliveryFailureCommitsAccount(t *testing.T) {
	a, st, ml := newTestApp(t)
	ml.fail = errors.New("smtp down")

	err := a.Register(context.Background(), "alice", "alice@example.com", "secret1")
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("Register = %v, want %v", err, ErrDeliveryFailure)
	}

	user, ok, _ := st.GetUserByUsername("alice")
	if !ok {
		t.Fatal("account should be committed despite the delivery failure")
	}
	if err := a.VerifyCode("alice", user.VerifyCode); err != nil {
		t.Errorf("VerifyCode after delivery failure: %v", err)
	}
}

// raceStore lets a test interpose on CreateUser to simulate an insert that
// loses a race against a concurrent registration.
type raceStore struct {
	*store.MemoryStore
	onCreate func(domain.User) error
}

func (s *raceStore) CreateUser(u domain.User) error { return s.onCreate(u) }

// A duplicate-key insert that slipped past the pre-insert checks reports the
// same conflict errors those checks would have.
func TestRegisterDuplicateKeyRace(t *testing.T) {
	st := store.NewMemoryStore()
	race := &raceStore{MemoryStore: st}
	a, err := New(Config{
		Store:         race,
		Sessions:      mustJWTStore(t),
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
		Mailer:        &fakeMailer{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	race.onCreate = func(domain.User) error { return store.ErrDuplicateKey }
	if err := a.Register(context.Background(), "alice", "alice@example.com", "secret1"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("username race: %v, want %v", err, ErrUsernameTaken)
	}

	race.onCreate = func(u domain.User) error {
		rival := u
		rival.ID = "rival"
		rival.Username = "other"
		rival.Verified = true
		if err := st.CreateUser(rival); err != nil {
			t.Fatalf("seed rival: %v", err)
		}
		return store.ErrDuplicateKey
	}
	if err := a.Register(context.Background(), "bob", "bob@example.com", "secret1"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("email race: %v, want %v", err, ErrEmailTaken)
	}
}

func TestVerifyCode(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	user, _, _ := st.GetUserByUsername("alice")

	if err := a.VerifyCode("alice", "000000"); !errors.Is(err, ErrCodeIncorrect) {
		t.Errorf("wrong code: %v, want %v", err, ErrCodeIncorrect)
	}
	if err := a.VerifyCode("nobody", user.VerifyCode); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: %v, want %v", err, ErrUserNotFound)
	}
	if err := a.VerifyCode("alice", user.VerifyCode); err != nil {
		t.Fatalf("correct code: %v", err)
	}

	got, _, _ := st.GetUserByUsername("alice")
	if !got.Verified {
		t.Error("account not verified after correct code")
	}

	// Verification is idempotent while the code is live.
	if err := a.VerifyCode("alice", user.VerifyCode); err != nil {
		t.Errorf("repeat verification: %v", err)
	}
}

func TestVerifyCodeExpiredBeatsIncorrect(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")

	user, _, _ := st.GetUserByUsername("alice")
	user.VerifyCodeExpiry = time.Now().UTC().Add(-time.Minute)
	if err := st.UpdateUser(user); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	// Expired wins even when the code would also mismatch.
	if err := a.VerifyCode("alice", "000000"); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expired wrong code: %v, want %v", err, ErrCodeExpired)
	}
	if err := a.VerifyCode("alice", user.VerifyCode); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expired right code: %v, want %v", err, ErrCodeExpired)
	}
}

func TestVerifyCodeDecodesUsername(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "al_ice", "alice@example.com")
	user, _, _ := st.GetUserByUsername("al_ice")

	if err := a.VerifyCode("al%5Fice", user.VerifyCode); err != nil {
		t.Errorf("VerifyCode with encoded username: %v", err)
	}
}

func TestVerifyCodeRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := newVerifyCode()
		if err != nil {
			t.Fatalf("newVerifyCode: %v", err)
		}
		n, err := strconv.Atoi(code)
		if err != nil || len(code) != 6 || n < 100000 || n > 999999 {
			t.Fatalf("code %q outside six-digit range", code)
		}
	}
}

func TestCheckUsername(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")

	free, err := a.CheckUsername("alice")
	if err != nil || !free {
		t.Errorf("unverified name: free=%v err=%v, want free", free, err)
	}

	verify(t, a, st, "alice")

	free, err = a.CheckUsername("alice")
	if err != nil || free {
		t.Errorf("verified name: free=%v err=%v, want taken", free, err)
	}
	if _, err := a.CheckUsername("!"); !errors.Is(err, ErrUsernameInvalid) {
		t.Errorf("invalid name: %v, want %v", err, ErrUsernameInvalid)
	}
}

func TestAuthorizeOrder(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")

	// Unverified account: the verification gate fires before the password
	// check, with either password.
	if _, err := a.Authorize("alice", "secret1"); !errors.Is(err, ErrNotVerified) {
		t.Errorf("unverified right password: %v, want %v", err, ErrNotVerified)
	}
	if _, err := a.Authorize("alice", "wrong"); !errors.Is(err, ErrNotVerified) {
		t.Errorf("unverified wrong password: %v, want %v", err, ErrNotVerified)
	}

	if _, err := a.Authorize("nobody", "secret1"); !errors.Is(err, ErrNoSuchUser) {
		t.Errorf("unknown user: %v, want %v", err, ErrNoSuchUser)
	}

	verify(t, a, st, "alice")

	if _, err := a.Authorize("alice", "wrong"); !errors.Is(err, ErrBadPassword) {
		t.Errorf("wrong password: %v, want %v", err, ErrBadPassword)
	}

	// Both username and email work as the identifier.
	for _, id := range []string{"alice", "alice@example.com"} {
		user, err := a.Authorize(id, "secret1")
		if err != nil {
			t.Fatalf("Authorize(%s): %v", id, err)
		}
		if user.Username != "alice" || !user.Verified {
			t.Errorf("Authorize(%s) = %+v", id, user)
		}
		if user.PasswordHash != "" || user.VerifyCode != "" {
			t.Errorf("Authorize(%s) leaked secrets", id)
		}
	}
}

func TestLoginSessionRoundTrip(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	verify(t, a, st, "alice")

	user, access, refresh, err := a.Login("alice", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if access == "" || refresh == "" {
		t.Fatal("Login returned empty tokens")
	}

	got, ok := a.UserFromToken(access)
	if !ok {
		t.Fatal("UserFromToken rejected a fresh token")
	}
	if got.ID != user.ID || got.Username != "alice" || !got.AcceptingMessages {
		t.Errorf("UserFromToken = %+v", got)
	}

	if _, ok := a.UserFromToken("garbage"); ok {
		t.Error("UserFromToken accepted garbage")
	}

	if err := a.Logout(access, refresh); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := a.UserFromToken(access); ok {
		t.Error("token still valid after logout")
	}
	if _, _, _, err := a.Refresh(refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("refresh after logout: %v, want %v", err, ErrInvalidRefreshToken)
	}
}

func TestRefreshRotation(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	verify(t, a, st, "alice")

	_, _, refresh, err := a.Login("alice", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	user, access2, refresh2, err := a.Refresh(refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if user.Username != "alice" || access2 == "" || refresh2 == "" || refresh2 == refresh {
		t.Errorf("Refresh = %+v access=%q refresh=%q", user, access2, refresh2)
	}
	if _, ok := a.UserFromToken(access2); !ok {
		t.Error("refreshed access token rejected")
	}

	// The old token is burned by rotation.
	if _, _, _, err := a.Refresh(refresh); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("replayed refresh: %v, want %v", err, ErrInvalidRefreshToken)
	}
	if _, _, _, err := a.Refresh(""); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("empty refresh: %v, want %v", err, ErrInvalidRefreshToken)
	}
}

func TestSendAndListMessages(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	verify(t, a, st, "alice")
	user, _, _ := st.GetUserByUsername("alice")

	if err := a.SendMessage("alice", ""); !errors.Is(err, ErrContentRequired) {
		t.Errorf("empty content: %v, want %v", err, ErrContentRequired)
	}
	if err := a.SendMessage("nobody", "hi"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user: %v, want %v", err, ErrUserNotFound)
	}

	for i, content := range []string{"first", "second", "third"} {
		if err := a.SendMessage("alice", content); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := a.ListMessages(user.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Newest first.
	for i, want := range []string{"third", "second", "first"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}

	if _, err := a.ListMessages("no-such-id"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("ListMessages unknown id: %v, want %v", err, ErrUserNotFound)
	}
}

func TestListMessagesEmpty(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	user, _, _ := st.GetUserByUsername("alice")

	msgs, err := a.ListMessages(user.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want none", len(msgs))
	}
}

func TestAcceptingMessagesToggle(t *testing.T) {
	a, st, _ := newTestApp(t)
	register(t, a, "alice", "alice@example.com")
	verify(t, a, st, "alice")
	user, _, _ := st.GetUserByUsername("alice")

	updated, err := a.SetAcceptingMessages(user.ID, false)
	if err != nil {
		t.Fatalf("SetAcceptingMessages: %v", err)
	}
	if updated.AcceptingMessages {
		t.Error("flag not cleared on returned account")
	}
	if accepting, _ := a.AcceptingMessages(user.ID); accepting {
		t.Error("flag not cleared in storage")
	}

	if err := a.SendMessage("alice", "hi"); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("send while closed: %v, want %v", err, ErrNotAccepting)
	}

	if _, err := a.SetAcceptingMessages(user.ID, true); err != nil {
		t.Fatalf("SetAcceptingMessages: %v", err)
	}
	if err := a.SendMessage("alice", "hi"); err != nil {
		t.Errorf("send while open: %v", err)
	}

	if _, err := a.SetAcceptingMessages("no-such-id", true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown id: %v, want %v", err, ErrUserNotFound)
	}
	if _, err := a.AcceptingMessages("no-such-id"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown id: %v, want %v", err, ErrUserNotFound)
	}
}
