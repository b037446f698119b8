package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"whisperbox/pkg/auth"
	"whisperbox/pkg/domain"
	"whisperbox/pkg/mailer"
	"whisperbox/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	JWTLeeway     time.Duration
	SessionTTL    time.Duration
	RefreshTTL    time.Duration

	// Injectable collaborators; built from the fields above when nil.
	Store         store.Store
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
	Mailer        mailer.Mailer
}

// App wires storage, sessions, and email into the account and message
// lifecycle operations.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	mailer        mailer.Mailer
	refreshTTL    time.Duration
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		var revoker store.TokenRevoker
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		jwtStore, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	refreshStore := cfg.RefreshTokens
	if refreshStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			refreshStore = store.NewRedisRefreshTokenStore(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			refreshStore = store.NewMemoryRefreshTokenStore()
		}
	}

	mailSender := cfg.Mailer
	if mailSender == nil {
		mailSender = mailer.NewLogMailer()
	}

	return &App{
		store:         dataStore,
		sessions:      sessionStore,
		refreshTokens: refreshStore,
		mailer:        mailSender,
		refreshTTL:    cfg.RefreshTTL,
	}, nil
}

// Register creates an account for a new email, or refreshes the pending
// registration when the email is known but still unverified. The
// verification email is dispatched last; a delivery failure is reported to
// the caller but the stored account (and its code) remains valid.
func (a *App) Register(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return err
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}

	taken, err := a.store.HasVerifiedUsername(username)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if taken {
		return ErrUsernameTaken
	}

	existing, found, err := a.store.GetUserByEmail(email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if found && existing.Verified {
		return ErrEmailTaken
	}

	code, err := newVerifyCode()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()

	if found {
		// Re-registration of a pending email: refresh the credentials and
		// code on the existing record. The stored username is kept even
		// when the new attempt supplies a different one.
		existing.PasswordHash = hash
		existing.VerifyCode = code
		existing.VerifyCodeExpiry = now.Add(verifyCodeTTL)
		existing.UpdatedAt = now
		if err := a.store.UpdateUser(existing); err != nil {
			return fmt.Errorf("update pending account: %w", err)
		}
	} else {
		user := domain.User{
			ID:                uuid.NewString(),
			Username:          username,
			Email:             email,
			PasswordHash:      hash,
			VerifyCode:        code,
			VerifyCodeExpiry:  now.Add(verifyCodeTTL),
			Verified:          false,
			AcceptingMessages: true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := a.store.CreateUser(user); err != nil {
			// A losing racer hits the unique index; report the conflict the
			// same way the pre-insert checks would have.
			if errors.Is(err, store.ErrDuplicateKey) {
				if _, emailTaken, ferr := a.store.GetUserByEmail(email); ferr == nil && emailTaken {
					return ErrEmailTaken
				}
				return ErrUsernameTaken
			}
			return fmt.Errorf("create account: %w", err)
		}
	}

	if err := a.mailer.SendVerification(ctx, email, username, code); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	return nil
}

// VerifyCode flips the account to verified when the submitted code matches
// and its expiry has not passed. An expired code is always reported as
// expired, even when it also mismatches. Verified is terminal.
func (a *App) VerifyCode(username, code string) error {
	decoded, err := url.PathUnescape(username)
	if err != nil {
		return ErrUsernameInvalid
	}
	user, found, err := a.store.GetUserByUsername(decoded)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	if !found {
		return ErrUserNotFound
	}

	now := time.Now().UTC()
	if !now.Before(user.VerifyCodeExpiry) {
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(user.VerifyCode), []byte(code)) != 1 {
		return ErrCodeIncorrect
	}
	if user.Verified {
		return nil
	}
	user.Verified = true
	user.UpdatedAt = now
	if err := a.store.UpdateUser(user); err != nil {
		return fmt.Errorf("persist verification: %w", err)
	}
	return nil
}

// CheckUsername reports whether username is free to register. Only verified
// accounts reserve a name.
func (a *App) CheckUsername(username string) (bool, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return false, err
	}
	taken, err := a.store.HasVerifiedUsername(username)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return !taken, nil
}

// Authorize validates credentials and returns the account identity, minus
// its secrets. Verification is a hard prerequisite, checked before the
// password.
func (a *App) Authorize(identifier, password string) (domain.User, error) {
	user, found, err := a.store.GetUserByIdentifier(strings.TrimSpace(identifier))
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch account: %w", err)
	}
	if !found {
		return domain.User{}, ErrNoSuchUser
	}
	if !user.Verified {
		return domain.User{}, ErrNotVerified
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrBadPassword
	}
	user.PasswordHash = ""
	user.VerifyCode = ""
	return user, nil
}

// Login authorizes credentials and issues a session token pair.
func (a *App) Login(identifier, password string) (domain.User, string, string, error) {
	user, err := a.Authorize(identifier, password)
	if err != nil {
		return domain.User{}, "", "", err
	}
	accessToken, refreshToken, err := a.issueTokens(user)
	if err != nil {
		return domain.User{}, "", "", err
	}
	return user, accessToken, refreshToken, nil
}

// UserFromToken resolves the current account from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	sess, ok, err := a.sessions.GetSession(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(sess.UserID)
	if err != nil || !found {
		return domain.User{}, false
	}
	user.PasswordHash = ""
	user.VerifyCode = ""
	return user, true
}

// Logout invalidates the access token and optional refresh token.
func (a *App) Logout(accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return a.refreshTokens.DeleteToken(refreshToken)
}

// Refresh rotates the refresh token and issues a new token pair.
func (a *App) Refresh(refreshToken string) (domain.User, string, string, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.User{}, "", "", ErrInvalidRefreshToken
	}
	userID, newRefreshToken, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) {
			return domain.User{}, "", "", ErrInvalidRefreshToken
		}
		return domain.User{}, "", "", fmt.Errorf("rotate refresh token: %w", err)
	}
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("fetch account: %w", err)
	}
	if !found || !user.Verified {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.User{}, "", "", ErrInvalidRefreshToken
	}
	accessToken, err := a.sessions.NewSession(sessionFor(user))
	if err != nil {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.User{}, "", "", fmt.Errorf("issue access token: %w", err)
	}
	user.PasswordHash = ""
	user.VerifyCode = ""
	return user, accessToken, newRefreshToken, nil
}

// SendMessage appends an anonymous message to the recipient's collection
// when the recipient opts in. Content is accepted as-is; there is no rate
// limiting or filtering here.
func (a *App) SendMessage(username, content string) error {
	if content == "" {
		return ErrContentRequired
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	if !found {
		return ErrUserNotFound
	}
	if !user.AcceptingMessages {
		return ErrNotAccepting
	}
	msg := domain.Message{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(user.ID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the account's messages newest-first. An account with
// no messages yields an empty slice, not an error.
func (a *App) ListMessages(userID string) ([]domain.Message, error) {
	_, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	if !found {
		return nil, ErrUserNotFound
	}
	messages, err := a.store.ListMessages(userID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// SetAcceptingMessages updates the accept flag and returns the updated
// account.
func (a *App) SetAcceptingMessages(userID string, accepting bool) (domain.User, error) {
	user, found, err := a.store.SetAcceptingMessages(userID, accepting)
	if err != nil {
		return domain.User{}, fmt.Errorf("update accept flag: %w", err)
	}
	if !found {
		return domain.User{}, ErrUserNotFound
	}
	user.PasswordHash = ""
	user.VerifyCode = ""
	return user, nil
}

// AcceptingMessages reads the account's accept flag.
func (a *App) AcceptingMessages(userID string) (bool, error) {
	user, found, err := a.store.GetUserByID(userID)
	if err != nil {
		return false, fmt.Errorf("fetch account: %w", err)
	}
	if !found {
		return false, ErrUserNotFound
	}
	return user.AcceptingMessages, nil
}

func (a *App) issueTokens(user domain.User) (string, string, error) {
	accessToken, err := a.sessions.NewSession(sessionFor(user))
	if err != nil {
		return "", "", fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := a.refreshTokens.NewToken(user.ID, a.refreshTTL)
	if err != nil {
		return "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func sessionFor(user domain.User) store.Session {
	return store.Session{
		UserID:            user.ID,
		Username:          user.Username,
		Verified:          user.Verified,
		AcceptingMessages: user.AcceptingMessages,
	}
}
