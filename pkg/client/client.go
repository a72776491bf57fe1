// Package client wraps storage.Facade in a thin, typed surface for
// embedding applications that want add/relate/find/similar/update/delete
// without reaching into the facade's index-management internals. There is
// no network hop: client and facade share a process, so every method just
// forwards to the corresponding Facade call.
package client

import (
	"context"

	"github.com/cuemby/vgraph/pkg/config"
	"github.com/cuemby/vgraph/pkg/metaindex"
	"github.com/cuemby/vgraph/pkg/metrics"
	"github.com/cuemby/vgraph/pkg/storage"
	"github.com/cuemby/vgraph/pkg/types"
)

// Stats summarizes cache and index health for display by a caller or CLI.
type Stats struct {
	CacheTiers     []metrics.TierStats
	TombstoneCount int
}

// Client is a narrow, in-process wrapper over storage.Facade.
type Client struct {
	facade *storage.Facade
}

// Open constructs and initializes a Client backed by a fresh Facade over
// cfg, ready to serve requests once this call returns.
func Open(ctx context.Context, cfg config.Config, deps storage.Deps) (*Client, error) {
	f, err := storage.New(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := f.Init(ctx); err != nil {
		return nil, err
	}
	return &Client{facade: f}, nil
}

// Wrap adapts an already-initialized Facade into a Client.
func Wrap(f *storage.Facade) *Client {
	return &Client{facade: f}
}

// Close stops background loops and flushes pending writes.
func (c *Client) Close(ctx context.Context) error {
	return c.facade.Close(ctx)
}

// Add embeds content and persists a new noun.
func (c *Client) Add(ctx context.Context, kind types.NounKind, content string, metadata map[string]any) (*types.Noun, error) {
	return c.facade.Add(ctx, storage.AddInput{Kind: kind, Content: content, Metadata: metadata})
}

// Get retrieves a noun by ID.
func (c *Client) Get(ctx context.Context, id string) (*types.Noun, error) {
	return c.facade.Get(ctx, id)
}

// Find returns every live noun matching predicate.
func (c *Client) Find(ctx context.Context, predicate metaindex.Predicate) ([]*types.Noun, error) {
	return c.facade.Find(ctx, predicate)
}

// Similar returns the k nearest nouns to vector, optionally filtered by where.
func (c *Client) Similar(ctx context.Context, vector []float32, k int, where *metaindex.Predicate) ([]storage.Result, error) {
	return c.facade.Similar(ctx, vector, k, where)
}

// SimilarToID returns the k nearest nouns to id's own vector, excluding id.
func (c *Client) SimilarToID(ctx context.Context, id string, k int, where *metaindex.Predicate) ([]storage.Result, error) {
	return c.facade.SimilarToID(ctx, id, k, where)
}

// Update applies a partial update to an existing noun.
func (c *Client) Update(ctx context.Context, id string, in storage.UpdateInput) (*types.Noun, error) {
	return c.facade.Update(ctx, id, in)
}

// Delete soft-deletes a noun; its payload survives until the next Compact.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.facade.Delete(ctx, id)
}

// Relate creates a directed, typed edge between two existing nouns.
func (c *Client) Relate(ctx context.Context, fromID, toID string, kind types.VerbKind, weight *float64, metadata map[string]any) (*types.Verb, error) {
	return c.facade.Relate(ctx, storage.RelateInput{FromID: fromID, ToID: toID, Kind: kind, Weight: weight, Metadata: metadata})
}

// Neighbors returns id's edges of kind in direction dir, up to depth hops
// and limit results (0 means unlimited).
func (c *Client) Neighbors(ctx context.Context, id string, kind types.VerbKind, dir types.Direction, depth, limit int) ([]*types.Verb, error) {
	return c.facade.Neighbors(ctx, id, kind, dir, depth, limit)
}

// FindDuplicates returns nouns near id whose similarity score is at least
// threshold, a convenience wrapper over SimilarToID.
func (c *Client) FindDuplicates(ctx context.Context, id string, threshold float64, limit int) ([]*types.Noun, error) {
	return c.facade.FindDuplicates(ctx, id, threshold, limit)
}

// Cluster groups nouns into connected components over every edge of kind.
func (c *Client) Cluster(ctx context.Context, kind types.VerbKind) ([][]string, error) {
	return c.facade.Cluster(ctx, kind)
}

// Compact physically strips tombstoned entries from every index.
func (c *Client) Compact(ctx context.Context) error {
	return c.facade.Compact(ctx)
}

// Stats reports per-tier cache footprint and the current tombstone count.
func (c *Client) Stats() Stats {
	return Stats{
		CacheTiers:     c.facade.CacheTierStats(),
		TombstoneCount: c.facade.TombstoneCount(),
	}
}
