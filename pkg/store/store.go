package store

import (
	"errors"
	"time"

	"whisperbox/pkg/domain"
)

// ErrDuplicateKey is returned when a unique index on username or email is
// violated at the storage layer.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNotFound is returned by updates that target a nonexistent record.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for user accounts and their messages.
//
// Accounts are read and written whole-record; message append is a single
// insert so concurrent sends against the same account never lose updates.
type Store interface {
	// CreateUser inserts a new account. Returns ErrDuplicateKey when the
	// username or email is already taken.
	CreateUser(domain.User) error
	// UpdateUser persists the full account record. Returns ErrNotFound when
	// no account has the given ID.
	UpdateUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	// GetUserByUsername is a case-sensitive exact match.
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	// GetUserByIdentifier matches either username or email.
	GetUserByIdentifier(identifier string) (domain.User, bool, error)
	// HasVerifiedUsername reports whether a verified account holds username.
	HasVerifiedUsername(username string) (bool, error)
	// SetAcceptingMessages flips the accept flag in a single update and
	// returns the updated account. The bool is false when no such account.
	SetAcceptingMessages(userID string, accepting bool) (domain.User, bool, error)

	// AppendMessage atomically appends one message to the account's
	// collection.
	AppendMessage(userID string, msg domain.Message) error
	// ListMessages returns the account's messages newest-first. An account
	// with no messages yields an empty slice.
	ListMessages(userID string) ([]domain.Message, error)
}

// Session carries the only account fields that are propagated into a token.
type Session struct {
	UserID            string
	Username          string
	Verified          bool
	AcceptingMessages bool
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(Session) (string, error)
	GetSession(token string) (Session, bool, error)
	DeleteSession(token string) error
}

// RefreshTokenStore persists opaque refresh tokens for rotation.
type RefreshTokenStore interface {
	NewToken(userID string, ttl time.Duration) (string, error)
	// RotateToken invalidates token and issues a replacement. A token that
	// was already rotated or deleted yields ErrInvalidRefreshToken.
	RotateToken(token string, ttl time.Duration) (userID string, newToken string, err error)
	DeleteToken(token string) error
}

// ErrInvalidRefreshToken indicates the refresh token is unknown, expired, or
// already rotated.
var ErrInvalidRefreshToken = errors.New("invalid refresh token")
