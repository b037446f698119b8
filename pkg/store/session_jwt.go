package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "whisperbox-auth"
	defaultJWTAudience = "whisperbox-api"
)

var defaultJWTLeeway = 30 * time.Second

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// sessionClaims are the only account fields propagated into a session token:
// id (sub), username, verified flag, accepting-messages flag.
type sessionClaims struct {
	Username          string `json:"username"`
	Verified          bool   `json:"verified"`
	AcceptingMessages bool   `json:"acceptingMessages"`
	jwt.RegisteredClaims
}

// JWTSessionStore issues and validates HMAC-SHA256 session tokens.
type JWTSessionStore struct {
	secret  []byte
	ttl     time.Duration
	revoker TokenRevoker

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTSessionStore builds an HS256 JWT session store. The revoker is
// optional; without it DeleteSession is a no-op.
func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewSession creates a signed JWT carrying the session identity fields.
func (s *JWTSessionStore) NewSession(sess Session) (string, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return "", errors.New("session user id required")
	}
	now := time.Now().UTC()
	claims := sessionClaims{
		Username:          sess.Username,
		Verified:          sess.Verified,
		AcceptingMessages: sess.AcceptingMessages,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// GetSession validates a JWT and returns the identity it carries.
func (s *JWTSessionStore) GetSession(token string) (Session, bool, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return Session{}, false, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return Session{}, false, err
		}
		if revoked {
			return Session{}, false, errors.New("token revoked")
		}
	}
	return Session{
		UserID:            claims.Subject,
		Username:          claims.Username,
		Verified:          claims.Verified,
		AcceptingMessages: claims.AcceptingMessages,
	}, true, nil
}

// DeleteSession revokes the token until it expires.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	return s.revoker.Revoke(claims.ID, ttl)
}

func (s *JWTSessionStore) parseAndVerify(token string) (sessionClaims, error) {
	claims := sessionClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOptions...)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("token subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	return claims, nil
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
