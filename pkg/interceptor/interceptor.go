// Package interceptor replaces open-world pub/sub duck typing with a
// closed, tagged-variant dispatch table: before/after/around hooks that
// txn.Manager invokes around each Operation.
package interceptor

import (
	"context"

	"github.com/cuemby/vgraph/pkg/log"
)

// Before runs prior to an operation's Execute. Returning an error aborts
// the operation before it runs.
type Before func(ctx context.Context, opName string) error

// After runs once an operation has executed, regardless of outcome.
type After func(ctx context.Context, opName string, opErr error)

// Around wraps an operation's Execute call; it must invoke next exactly
// once to let the operation run.
type Around func(ctx context.Context, opName string, next func(ctx context.Context) error) error

// Chain is the fixed dispatch table: one ordered list per hook kind.
// There is no dynamic registration of arbitrary event types — only these
// three variants exist.
type Chain struct {
	befores []Before
	afters  []After
	arounds []Around
}

// New returns an empty Chain.
func New() *Chain {
	return &Chain{}
}

// AddBefore appends a Before hook, run in registration order.
func (c *Chain) AddBefore(fn Before) { c.befores = append(c.befores, fn) }

// AddAfter appends an After hook, run in registration order.
func (c *Chain) AddAfter(fn After) { c.afters = append(c.afters, fn) }

// AddAround appends an Around hook. Arounds nest in registration order:
// the first registered is outermost.
func (c *Chain) AddAround(fn Around) { c.arounds = append(c.arounds, fn) }

// Run executes fn wrapped by every registered hook: befores in order,
// then the around chain (outermost first), then fn, then afters in order
// regardless of the result.
func (c *Chain) Run(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	for _, before := range c.befores {
		if err := before(ctx, opName); err != nil {
			log.WithComponent("interceptor").Warn().Str("op", opName).Err(err).Msg("before hook aborted operation")
			c.runAfters(ctx, opName, err)
			return err
		}
	}

	wrapped := fn
	for i := len(c.arounds) - 1; i >= 0; i-- {
		around := c.arounds[i]
		next := wrapped
		wrapped = func(ctx context.Context) error {
			return around(ctx, opName, next)
		}
	}

	err := wrapped(ctx)
	c.runAfters(ctx, opName, err)
	return err
}

func (c *Chain) runAfters(ctx context.Context, opName string, err error) {
	for _, after := range c.afters {
		after(ctx, opName, err)
	}
}
