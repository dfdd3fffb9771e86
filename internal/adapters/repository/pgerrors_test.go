package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyConstraint(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected constraintViolation
		matched  bool
	}{
		{
			name:     "pgx unique violation",
			err:      &pgconn.PgError{Code: "23505", ConstraintName: constraintUserActive},
			expected: constraintViolation{Kind: constraintUnique, Constraint: constraintUserActive},
			matched:  true,
		},
		{
			name:     "pgx exclusion violation",
			err:      &pgconn.PgError{Code: "23P01", ConstraintName: constraintNoOverlap},
			expected: constraintViolation{Kind: constraintExclusion, Constraint: constraintNoOverlap},
			matched:  true,
		},
		{
			name:     "pq unique violation",
			err:      &pq.Error{Code: "23505", Constraint: constraintUserActive},
			expected: constraintViolation{Kind: constraintUnique, Constraint: constraintUserActive},
			matched:  true,
		},
		{
			name:     "pq exclusion violation",
			err:      &pq.Error{Code: "23P01", Constraint: constraintNoOverlap},
			expected: constraintViolation{Kind: constraintExclusion, Constraint: constraintNoOverlap},
			matched:  true,
		},
		{
			name:     "wrapped pgx error",
			err:      fmt.Errorf("insert cycle: %w", &pgconn.PgError{Code: "23P01", ConstraintName: constraintNoOverlap}),
			expected: constraintViolation{Kind: constraintExclusion, Constraint: constraintNoOverlap},
			matched:  true,
		},
		{
			name:    "unrelated pg code",
			err:     &pgconn.PgError{Code: "23503", ConstraintName: "some_fk"},
			matched: false,
		},
		{
			name:    "plain error",
			err:     errors.New("connection reset"),
			matched: false,
		},
		{
			name:    "nil",
			err:     nil,
			matched: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			violation, ok := classifyConstraint(tc.err)
			require.Equal(t, tc.matched, ok)
			if tc.matched {
				assert.Equal(t, tc.expected, violation)
			}
		})
	}
}
