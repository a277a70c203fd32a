package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, models.ErrConflict},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, models.ErrBadRequest},
		{"not null violation", &pgconn.PgError{Code: "23502"}, models.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapPostgresError(tt.err))
		})
	}
}

func TestMapPostgresError_PassesThroughUnknown(t *testing.T) {
	original := errors.New("connection reset")
	assert.Equal(t, original, MapPostgresError(original))

	pgErr := &pgconn.PgError{Code: "40001"}
	assert.Equal(t, error(pgErr), MapPostgresError(pgErr))
}
