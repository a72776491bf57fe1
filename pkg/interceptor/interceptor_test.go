package interceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithNoHooksInvokesFn(t *testing.T) {
	c := New()
	called := false
	err := c.Run(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestBeforeAbortsOnError(t *testing.T) {
	c := New()
	c.AddBefore(func(ctx context.Context, opName string) error {
		return errors.New("denied")
	})
	called := false
	err := c.Run(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestAfterRunsRegardlessOfOutcome(t *testing.T) {
	c := New()
	var seen error
	c.AddAfter(func(ctx context.Context, opName string, opErr error) {
		seen = opErr
	})
	wantErr := errors.New("boom")
	err := c.Run(context.Background(), "op", func(ctx context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, wantErr, seen)
}

func TestAroundWrapsExecution(t *testing.T) {
	c := New()
	var order []string
	c.AddAround(func(ctx context.Context, opName string, next func(ctx context.Context) error) error {
		order = append(order, "before-around")
		err := next(ctx)
		order = append(order, "after-around")
		return err
	})

	err := c.Run(context.Background(), "op", func(ctx context.Context) error {
		order = append(order, "op")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before-around", "op", "after-around"}, order)
}

func TestMultipleAroundsNestOutermostFirst(t *testing.T) {
	c := New()
	var order []string
	c.AddAround(func(ctx context.Context, opName string, next func(ctx context.Context) error) error {
		order = append(order, "outer-in")
		err := next(ctx)
		order = append(order, "outer-out")
		return err
	})
	c.AddAround(func(ctx context.Context, opName string, next func(ctx context.Context) error) error {
		order = append(order, "inner-in")
		err := next(ctx)
		order = append(order, "inner-out")
		return err
	})

	_ = c.Run(context.Background(), "op", func(ctx context.Context) error {
		order = append(order, "op")
		return nil
	})
	assert.Equal(t, []string{"outer-in", "inner-in", "op", "inner-out", "outer-out"}, order)
}
