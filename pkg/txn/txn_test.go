package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommitsOnSuccess(t *testing.T) {
	m := NewManager(0)
	var applied []string

	err := m.Run(context.Background(),
		Func{OpName: "a", Run: func(ctx context.Context) (Rollback, error) {
			applied = append(applied, "a")
			return func(ctx context.Context) error { applied = append(applied, "rollback-a"); return nil }, nil
		}},
		Func{OpName: "b", Run: func(ctx context.Context) (Rollback, error) {
			applied = append(applied, "b")
			return func(ctx context.Context) error { applied = append(applied, "rollback-b"); return nil }, nil
		}},
	)

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, applied)
}

func TestRunRollsBackInReverseOrderOnFailure(t *testing.T) {
	m := NewManager(0)
	var applied []string

	err := m.Run(context.Background(),
		Func{OpName: "a", Run: func(ctx context.Context) (Rollback, error) {
			applied = append(applied, "a")
			return func(ctx context.Context) error { applied = append(applied, "rollback-a"); return nil }, nil
		}},
		Func{OpName: "b", Run: func(ctx context.Context) (Rollback, error) {
			applied = append(applied, "b")
			return func(ctx context.Context) error { applied = append(applied, "rollback-b"); return nil }, nil
		}},
		Func{OpName: "c-fails", Run: func(ctx context.Context) (Rollback, error) {
			return nil, errors.New("boom")
		}},
	)

	require.Error(t, err)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, []string{"a", "b", "rollback-b", "rollback-a"}, applied)
}

func TestRunReportsRollbackErrorWhenCompensationFails(t *testing.T) {
	m := NewManager(0)

	err := m.Run(context.Background(),
		Func{OpName: "a", Run: func(ctx context.Context) (Rollback, error) {
			return func(ctx context.Context) error { return errors.New("rollback failed") }, nil
		}},
		Func{OpName: "b-fails", Run: func(ctx context.Context) (Rollback, error) {
			return nil, errors.New("boom")
		}},
	)

	require.Error(t, err)
	var rbErr *RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.NotEmpty(t, rbErr.RollbackErrors)
}

func TestRunWithNoOperationsSucceeds(t *testing.T) {
	m := NewManager(0)
	err := m.Run(context.Background())
	assert.NoError(t, err)
}
