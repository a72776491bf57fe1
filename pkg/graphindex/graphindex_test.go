package graphindex

import (
	"testing"

	"github.com/cuemby/vgraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(x *Index) {
	x.Insert(Edge{ID: "e1", Kind: "owns", From: "a", To: "b"})
	x.Insert(Edge{ID: "e2", Kind: "owns", From: "b", To: "c"})
	x.Insert(Edge{ID: "e3", Kind: "knows", From: "a", To: "c"})
}

func TestNeighborsOutgoing(t *testing.T) {
	x := New()
	seed(x)

	edges := x.Neighbors("a", "owns", types.DirectionOut)
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].To)
}

func TestNeighborsIncoming(t *testing.T) {
	x := New()
	seed(x)

	edges := x.Neighbors("c", "owns", types.DirectionIn)
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].From)
}

func TestNeighborsAnyKind(t *testing.T) {
	x := New()
	seed(x)

	edges := x.Neighbors("a", "", types.DirectionOut)
	assert.Len(t, edges, 2)
}

func TestNeighborsBothDirections(t *testing.T) {
	x := New()
	seed(x)

	edges := x.Neighbors("c", "", types.DirectionBoth)
	assert.Len(t, edges, 2)
}

func TestTraverseBoundedDepth(t *testing.T) {
	x := New()
	seed(x)

	reached, err := x.Traverse("a", "owns", types.DirectionOut, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, reached)

	reached, err = x.Traverse("a", "owns", types.DirectionOut, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, reached)
}

func TestTraverseZeroDepthReturnsNothing(t *testing.T) {
	x := New()
	seed(x)

	reached, err := x.Traverse("a", "", types.DirectionOut, 0)
	require.NoError(t, err)
	assert.Empty(t, reached)
}

func TestTraverseRejectsNegativeDepth(t *testing.T) {
	x := New()
	_, err := x.Traverse("a", "", types.DirectionOut, -1)
	assert.Error(t, err)
}

func TestRemoveEdge(t *testing.T) {
	x := New()
	seed(x)

	x.Remove("e1")
	edges := x.Neighbors("a", "owns", types.DirectionOut)
	assert.Empty(t, edges)
	assert.Equal(t, 2, x.EdgeCount())
}

func TestRebuildClearsState(t *testing.T) {
	x := New()
	seed(x)

	x.Rebuild()
	assert.Equal(t, 0, x.EdgeCount())
	assert.Empty(t, x.Neighbors("a", "", types.DirectionOut))
}

func TestFindEdge(t *testing.T) {
	x := New()
	seed(x)

	e, ok := x.FindEdge("a", "owns", "b")
	require.True(t, ok)
	assert.Equal(t, "e1", e.ID)

	_, ok = x.FindEdge("a", "owns", "z")
	assert.False(t, ok)
}

func TestUpdateWeightLeavesIDAndAdjacencyIntact(t *testing.T) {
	x := New()
	seed(x)

	x.UpdateWeight("e1", 0.5)

	e, ok := x.FindEdge("a", "owns", "b")
	require.True(t, ok)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, 0.5, e.Weight)

	edges := x.Neighbors("b", "owns", types.DirectionIn)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.5, edges[0].Weight)
}
