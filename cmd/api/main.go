package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/background"
	"github.com/BradenHooton/labdesk/internal/config"
	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/handlers"
	middlewareCustom "github.com/BradenHooton/labdesk/internal/middleware"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	"github.com/BradenHooton/labdesk/internal/routes"
	"github.com/BradenHooton/labdesk/internal/services"
	pkgauth "github.com/BradenHooton/labdesk/pkg/auth"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	level.Set(parseLevel(cfg.Server.LogLevel))

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.NewConnection(connectCtx, &cfg.Database, logger)
	connectCancel()
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	attemptRepo := repositories.NewFailedAttemptRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	refreshRepo := repositories.NewRefreshTokenRepository(db)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	// Security core
	auditService := services.NewAuditService(auditRepo, logger)
	tracker := services.NewAttemptTracker(attemptRepo, auditService, services.SecurityPolicy{
		MaxFailedAttempts:    cfg.Security.MaxFailedAttempts,
		BlockDuration:        cfg.Security.BlockDuration,
		AttemptWindow:        cfg.Security.AttemptWindow,
		RateLimitWindow:      cfg.Security.RateLimitWindow,
		MaxRequestsPerWindow: cfg.Security.MaxRequestsPerWindow,
		SuspiciousWindow:     cfg.Security.SuspiciousWindow,
	}, logger)
	sessionRegistry := services.NewSessionRegistry(sessionRepo, logger)
	tokenIssuer := services.NewTokenIssuer(refreshRepo, userRepo, tokenManager, services.TokenIssuerConfig{
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		RememberMeExpiry:   cfg.Auth.RememberMeExpiry,
	}, logger)

	notifier, err := newNotifier(cfg.Email, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	authService := services.NewAuthService(
		userRepo,
		tracker,
		sessionRegistry,
		tokenIssuer,
		auditService,
		notifier,
		tokenManager,
		services.AuthServiceConfig{RememberMeExpiry: cfg.Auth.RememberMeExpiry},
		logger,
	)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(authService, sessionRegistry, tokenIssuer, ipConfig)
	adminHandler := handlers.NewAdminHandler(tracker, auditService, sessionRegistry, tokenIssuer, handlers.RetentionPolicy{
		FailedAttemptDays: cfg.Cleanup.AttemptRetentionDays,
		AuditLogDays:      cfg.Cleanup.AuditRetentionDays,
		SessionDays:       cfg.Cleanup.SessionRetentionDays,
	})
	auditHandler := handlers.NewAuditHandler(auditService)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(
		sessionRegistry,
		tokenIssuer,
		auditService,
		tracker,
		background.Retention{
			AuditLogDays:      cfg.Cleanup.AuditRetentionDays,
			FailedAttemptDays: cfg.Cleanup.AttemptRetentionDays,
			SessionDays:       cfg.Cleanup.SessionRetentionDays,
		},
		logger,
		cfg.Cleanup.Interval,
	)

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, routes.Dependencies{
		AuthHandler:  authHandler,
		AdminHandler: adminHandler,
		AuditHandler: auditHandler,
		Session: auth.SessionMiddlewareConfig{
			Tokens:   tokenManager,
			Sessions: sessionRegistry,
			Audit:    auditService,
			IPConfig: ipConfig,
			Logger:   logger,
		},
		Users:       userRepo,
		Health:      db,
		PublicLimit: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.LoginRateLimit, IPConfig: ipConfig},
		UserLimit:   middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.UserRateLimit, IPConfig: ipConfig},
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupManager.Stop()
	cleanupCancel()
	<-cleanupManager.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// newNotifier sends security alerts through SES when enabled, and only logs them otherwise
func newNotifier(cfg config.EmailConfig, logger *slog.Logger) (services.SecurityNotifier, error) {
	if !cfg.AlertsEnabled {
		logger.Info("security alert emails disabled, alerts will be logged")
		return services.NewLogNotifier(logger), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ses, err := services.NewAWSSESEmailService(ctx, cfg.AWSRegion, cfg.FromAddress, logger)
	if err != nil {
		return nil, err
	}
	return ses, nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := repositories.NormalizeEmail(os.Getenv("ADMIN_EMAIL"))
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	// Check if admin already exists
	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = userRepo.Create(ctx, &models.User{
		Email:        adminEmail,
		PasswordHash: hashedPassword,
		Name:         "Admin",
		Role:         models.RoleAdmin,
		IsActive:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
