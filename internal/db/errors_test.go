package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("syntax error"), false},
		{"context canceled", context.Canceled, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"wrapped serialization failure", fmt.Errorf("query: %w", &pgconn.PgError{Code: "40001"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestWithRetry_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "write row", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "write row", func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient)
	assert.Equal(t, "write row", se.Op)
	assert.Contains(t, err.Error(), "failed to write row")
}

func TestWithRetry_PermanentErrorFailsFast(t *testing.T) {
	calls := 0
	cause := errors.New("constraint violated")
	err := withRetry(context.Background(), "write row", func() error {
		calls++
		return cause
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Transient)
}

func TestStorageErr_DoesNotDoubleWrap(t *testing.T) {
	inner := storageErr("get project", errors.New("boom"))
	outer := storageErr("list projects", inner)
	assert.Same(t, inner, outer)
	assert.Nil(t, storageErr("noop", nil))
}
