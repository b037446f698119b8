package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"whisperbox/internal/app"
	"whisperbox/internal/config"
	"whisperbox/internal/ratelimit"
	"whisperbox/internal/server"
	"whisperbox/internal/util"
	"whisperbox/pkg/mailer"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	refreshTTL, err := config.ParseRefreshTTL(cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	var mailSender mailer.Mailer
	if cfg.ResendAPIKey != "" {
		mailSender, err = mailer.NewResendMailer(cfg.ResendAPIKey, cfg.EmailFrom)
		if err != nil {
			log.Fatalf("failed to init mailer: %v", err)
		}
	} else {
		slog.Warn("no resend API key configured, verification emails will be logged")
		mailSender = mailer.NewLogMailer()
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		JWTSecret:     cfg.JWTSecret,
		JWTIssuer:     cfg.JWTIssuer,
		JWTAudience:   cfg.JWTAudience,
		JWTLeeway:     jwtLeeway,
		SessionTTL:    sessionTTL,
		RefreshTTL:    refreshTTL,
		Mailer:        mailSender,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	newLimiter := func(name string, limit int) *ratelimit.FixedWindowLimiter {
		if limit <= 0 {
			return nil
		}
		prefix := "whisperbox:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			log.Fatalf("failed to init %s limiter: %v", name, err)
		}
		return limiter
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		SignupLimiter:  newLimiter("signup", cfg.SignupRateLimitPerMinute),
		SigninLimiter:  newLimiter("signin", cfg.SigninRateLimitPerMinute),
		VerifyLimiter:  newLimiter("verify", cfg.VerifyRateLimitPerMinute),
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
