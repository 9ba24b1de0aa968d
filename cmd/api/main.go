package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/setting"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

func main() {
	// best-effort: a missing .env falls back to the real environment
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth")

	cfg, err := setting.FromEnv()
	if err != nil {
		sugar.Fatalf("settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db.DB); err != nil {
		sugar.Fatalf("%v", err)
	}

	tokens, err := token.NewManager(token.Config{
		AccessSecret:  cfg.AccessSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        "service-auth",
	})
	if err != nil {
		sugar.Fatalf("token manager: %v", err)
	}

	users := userrepo.NewUserRepo(db)

	sessions, closeSessions, err := openSessions(ctx, cfg, users, sugar)
	if err != nil {
		sugar.Fatalf("session store: %v", err)
	}
	defer closeSessions()

	svc := user.NewService(users, sessions, user.BcryptHasher{Cost: cfg.BcryptCost}, tokens, user.Options{
		RotateRefreshToken:  cfg.RotateRefreshToken,
		CollapseLoginErrors: cfg.CollapseLoginErrors,
	}, sugar.Named("user"))
	guard := user.NewGuard(tokens, users, sugar.Named("guard"))
	handler := user.NewHandler(svc, user.CookieOptions{
		Secure:        cfg.CookieSecure,
		AccessMaxAge:  tokens.TTL(token.Access),
		RefreshMaxAge: tokens.TTL(token.Refresh),
	}, sugar.Named("http"))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.RegisterRoutes(sugar, handler, guard, cfg.BodyLimit),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", srv.Addr, "session_backend", cfg.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// openSessions picks where refresh tokens live.
func openSessions(ctx context.Context, cfg setting.Setting, users *userrepo.UserRepo, logger *zap.SugaredLogger) (session.Store, func(), error) {
	switch cfg.SessionBackend {
	case setting.BackendRedis:
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Infow("refresh tokens stored in redis", "prefix", cfg.RedisPrefix)
		return session.NewRedisStore(rdb, cfg.RedisPrefix, cfg.RefreshTokenTTL), func() { _ = rdb.Close() }, nil
	default:
		return session.NewRecordStore(users), func() {}, nil
	}
}
