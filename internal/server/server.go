package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"whisperbox/internal/app"
	"whisperbox/internal/ratelimit"
	"whisperbox/internal/util"
	"whisperbox/pkg/auth"
	"whisperbox/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Per-route limiters; nil disables limiting for that route.
	SignupLimiter *ratelimit.FixedWindowLimiter
	SigninLimiter *ratelimit.FixedWindowLimiter
	VerifyLimiter *ratelimit.FixedWindowLimiter

	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	mux           *http.ServeMux
	signupLimiter *ratelimit.FixedWindowLimiter
	signinLimiter *ratelimit.FixedWindowLimiter
	verifyLimiter *ratelimit.FixedWindowLimiter
	trusted       *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		mux:           http.NewServeMux(),
		signupLimiter: cfg.SignupLimiter,
		signinLimiter: cfg.SigninLimiter,
		verifyLimiter: cfg.VerifyLimiter,
		trusted:       cfg.TrustedProxies,
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("whisperbox",
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// account lifecycle
	s.mux.HandleFunc("/api/sign-up", s.handleSignUp)
	s.mux.HandleFunc("/api/verify-code", s.handleVerifyCode)
	s.mux.HandleFunc("/api/check-username-unique", s.handleCheckUsername)

	// sessions
	s.mux.HandleFunc("/api/sign-in", s.handleSignIn)
	s.mux.HandleFunc("/api/sign-out", s.handleSignOut)
	s.mux.HandleFunc("/api/refresh-token", s.handleRefreshToken)

	// messages
	s.mux.HandleFunc("/api/send-message", s.handleSendMessage)
	s.mux.Handle("/api/get-messages", s.authenticated(s.handleGetMessages))
	s.mux.Handle("/api/accept-messages", s.authenticated(s.handleAcceptMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, app.ErrInvalidSession.Error())
			return
		}
		user, ok := s.app.UserFromToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, app.ErrInvalidSession.Error())
			return
		}
		next(w, r, user)
	})
}

// account lifecycle handlers

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "Too many sign-up attempts. Please try again later.") {
		return
	}
	var req signUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		writeAppError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Verification email has been sent to your email address.")
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.verifyLimiter, "Too many verification attempts. Please try again later.") {
		return
	}
	var req verifyCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.VerifyCode(req.Username, req.Code); err != nil {
		writeAppError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Account verified successfully")
}

func (s *Server) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	username := r.URL.Query().Get("username")
	free, err := s.app.CheckUsername(username)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !free {
		writeJSON(w, http.StatusOK, apiResponse{Success: false, Message: "Username is already taken"})
		return
	}
	writeMessage(w, http.StatusOK, "Username is unique")
}

// session handlers

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signinLimiter, "Too many sign-in attempts. Please try again later.") {
		return
	}
	var req signInRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, refreshToken, err := s.app.Login(req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrNoSuchUser) || errors.Is(err, app.ErrNotVerified) || errors.Is(err, app.ErrBadPassword) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		slog.Error("sign-in failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		apiResponse:  apiResponse{Success: true, Message: "Signed in successfully"},
		User:         &user,
		Token:        token,
		RefreshToken: refreshToken,
	})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, app.ErrInvalidSession.Error())
		return
	}
	var req signOutRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Logout(token, req.RefreshToken); err != nil {
		slog.Error("sign-out failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeMessage(w, http.StatusOK, "Signed out successfully")
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, refreshToken, err := s.app.Refresh(req.RefreshToken)
	if err != nil {
		if errors.Is(err, app.ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		slog.Error("refresh failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		apiResponse:  apiResponse{Success: true, Message: "Session refreshed"},
		User:         &user,
		Token:        token,
		RefreshToken: refreshToken,
	})
}

// message handlers

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.SendMessage(req.Username, req.Content); err != nil {
		writeAppError(w, err)
		return
	}
	writeMessage(w, http.StatusCreated, "Message sent successfully")
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	messages, err := s.app.ListMessages(user.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		apiResponse: apiResponse{Success: true},
		Messages:    messages,
	})
}

func (s *Server) handleAcceptMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		accepting, err := s.app.AcceptingMessages(user.ID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acceptStatusResponse{
			apiResponse:         apiResponse{Success: true},
			IsAcceptingMessages: accepting,
		})
	case http.MethodPost:
		var req acceptMessagesRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.app.SetAcceptingMessages(user.ID, req.AcceptMessages)
		if err != nil {
			writeAppError(w, err)
			return
		}
		msg := "Messages are now being accepted"
		if !req.AcceptMessages {
			msg = "Messages are no longer being accepted"
		}
		writeJSON(w, http.StatusOK, acceptUpdateResponse{
			apiResponse: apiResponse{Success: true, Message: msg},
			UpdatedUser: updated,
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// validationErrors are the client-caused failures surfaced verbatim with a
// 400. Anything outside the known sentinels is an internal failure and must
// not reach the client.
var validationErrors = []error{
	app.ErrUsernameInvalid,
	app.ErrEmailInvalid,
	app.ErrContentRequired,
	app.ErrUsernameTaken,
	app.ErrEmailTaken,
	app.ErrCodeExpired,
	app.ErrCodeIncorrect,
	auth.ErrPasswordTooShort,
}

// writeAppError maps an application error to its HTTP status. Unrecognized
// errors are logged and surfaced as a generic 500 so storage and driver
// detail never leaks to clients.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, app.ErrUserNotFound.Error())
		return
	case errors.Is(err, app.ErrNotAccepting):
		writeError(w, http.StatusForbidden, app.ErrNotAccepting.Error())
		return
	case errors.Is(err, app.ErrDeliveryFailure):
		slog.Error("verification email delivery failed", "err", err)
		writeError(w, http.StatusInternalServerError, app.ErrDeliveryFailure.Error())
		return
	}
	for _, sentinel := range validationErrors {
		if errors.Is(err, sentinel) {
			writeError(w, http.StatusBadRequest, sentinel.Error())
			return
		}
	}
	slog.Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

type signUpRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyCodeRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

type signInRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type signOutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sendMessageRequest struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

type acceptMessagesRequest struct {
	AcceptMessages bool `json:"acceptMessages"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type sessionResponse struct {
	apiResponse
	User         *domain.User `json:"user,omitempty"`
	Token        string       `json:"token,omitempty"`
	RefreshToken string       `json:"refreshToken,omitempty"`
}

type messagesResponse struct {
	apiResponse
	Messages []domain.Message `json:"messages"`
}

type acceptStatusResponse struct {
	apiResponse
	IsAcceptingMessages bool `json:"isAcceptingMessages"`
}

type acceptUpdateResponse struct {
	apiResponse
	UpdatedUser domain.User `json:"updatedUser"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: true, Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Message: msg})
}
