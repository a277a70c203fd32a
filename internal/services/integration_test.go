//go:build integration

package services_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/config"
	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	"github.com/BradenHooton/labdesk/internal/services"
	pkgauth "github.com/BradenHooton/labdesk/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDatabase starts PostgreSQL in a container and applies the embedded migrations
func setupTestDatabase(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("labdesk"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	db, err := database.NewConnection(ctx, &config.DatabaseConfig{
		Host:              host,
		Port:              port.Int(),
		User:              "postgres",
		Password:          "postgres",
		Name:              "labdesk",
		SSLMode:           "disable",
		MaxConns:          20,
		MinConns:          1,
		MaxConnLifetime:   5 * time.Minute,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: time.Minute,
	}, logger)
	require.NoError(t, err, "failed to connect")
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx), "failed to apply migrations")
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestIntegration_ConcurrentFailuresLockAtThreshold(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	auditRepo := repositories.NewAuditLogRepository(db)
	audit := services.NewAuditService(auditRepo, discardLogger())
	tracker := services.NewAttemptTracker(
		repositories.NewFailedAttemptRepository(db),
		audit,
		services.DefaultSecurityPolicy(),
		discardLogger(),
	)

	const email = "victim@example.com"
	const ip = "198.51.100.20"

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []*models.AttemptOutcome
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := tracker.RecordFailedAttempt(ctx, email, ip, "integration-test", models.FailureReasonInvalidPassword)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, outcomes, 10)

	counts := map[int]bool{}
	newlyLocked := 0
	for _, o := range outcomes {
		counts[o.AttemptCount] = true
		if o.NewlyLocked {
			newlyLocked++
			assert.Equal(t, 5, o.AttemptCount, "lock must trigger on the fifth attempt")
		}
		assert.Equal(t, o.AttemptCount >= 5, o.Blocked)
	}
	assert.Equal(t, 1, newlyLocked)
	assert.Len(t, counts, 10, "every attempt must observe a distinct count")

	locks, err := auditRepo.GetByEmailAndEventSince(ctx, email, models.AuditEventAccountLocked, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, locks, 1)

	result, err := tracker.CheckLoginSecurity(ctx, email, ip)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestIntegration_ConcurrentRotationHasSingleWinner(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	hash, err := pkgauth.HashPassword("correct horse battery")
	require.NoError(t, err)
	users := repositories.NewUserRepository(db)
	user, err := users.Create(ctx, &models.User{
		Email:        "rotate@example.com",
		PasswordHash: hash,
		Name:         "Rotate",
		IsActive:     true,
	})
	require.NoError(t, err)

	refreshRepo := repositories.NewRefreshTokenRepository(db)
	issuer := services.NewTokenIssuer(
		refreshRepo,
		users,
		auth.NewTokenManager("integration-secret-at-least-32-bytes!", 15*time.Minute),
		services.TokenIssuerConfig{RefreshTokenExpiry: 24 * time.Hour},
		discardLogger(),
	)

	token, err := issuer.CreateRefreshToken(ctx, user, "198.51.100.30", "integration-test", false)
	require.NoError(t, err)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []*services.RefreshResult
		notFound int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := issuer.RefreshAccessToken(ctx, token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, res)
			case errors.Is(err, models.ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, notFound)

	active, err := issuer.GetUserActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1, "exactly one live token remains in the chain")

	// The winner's successor rotates once more; the original stays dead
	next, err := issuer.RefreshAccessToken(ctx, winners[0].Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, winners[0].Tokens.RefreshToken, next.Tokens.RefreshToken)

	_, err = issuer.RefreshAccessToken(ctx, token)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIntegration_SessionLifecycle(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()

	users := repositories.NewUserRepository(db)
	user, err := users.Create(ctx, &models.User{Email: "sess@example.com", PasswordHash: "x", Name: "S", IsActive: true})
	require.NoError(t, err)

	registry := services.NewSessionRegistry(repositories.NewSessionRepository(db), discardLogger())

	first, err := registry.CreateSession(ctx, models.CreateSessionInput{
		UserID:    user.ID,
		Token:     "token-one",
		ExpiresAt: time.Now().Add(time.Hour),
		Request:   &models.RequestContext{IPAddress: "198.51.100.40", UserAgent: "integration-test"},
	})
	require.NoError(t, err)
	_, err = registry.CreateSession(ctx, models.CreateSessionInput{
		UserID:    user.ID,
		Token:     "token-two",
		ExpiresAt: time.Now().Add(time.Hour),
		Request:   &models.RequestContext{IPAddress: "198.51.100.41", UserAgent: "integration-test"},
	})
	require.NoError(t, err)

	got, err := registry.ValidateSession(ctx, "token-one")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	revoked, err := registry.RevokeUserSessions(ctx, user.ID, "token-one", models.LogoutReasonLogoutAll)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)

	_, err = registry.ValidateSession(ctx, "token-two")
	assert.ErrorIs(t, err, models.ErrNotFound)

	isRevoked, err := registry.IsTokenRevoked(ctx, "token-two")
	require.NoError(t, err)
	assert.True(t, isRevoked)
}
