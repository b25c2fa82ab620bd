// Package itemstoretest holds the behaviour every items read model backend
// must show.
package itemstoretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/readmodel"
)

// Run executes the suite. open must return an empty store per call.
func Run(t *testing.T, open func(t *testing.T) readmodel.ItemStore) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("PutAndList", func(t *testing.T) { testPutAndList(t, open(t)) })
	t.Run("SetAmount", func(t *testing.T) { testSetAmount(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
}

func testEmpty(t *testing.T, s readmodel.ItemStore) {
	items, err := s.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func testPutAndList(t *testing.T, s readmodel.ItemStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, readmodel.Item{ItemId: "b", Amount: 2}))
	require.NoError(t, s.Put(ctx, readmodel.Item{ItemId: "a", Amount: 1.5}))
	// Put is an upsert.
	require.NoError(t, s.Put(ctx, readmodel.Item{ItemId: "b", Amount: 3}))

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{
		{ItemId: "a", Amount: 1.5},
		{ItemId: "b", Amount: 3},
	}, items)
}

func testSetAmount(t *testing.T, s readmodel.ItemStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, readmodel.Item{ItemId: "a", Amount: 5}))
	require.NoError(t, s.SetAmount(ctx, "a", 9))
	require.NoError(t, s.SetAmount(ctx, "a", 9))
	require.NoError(t, s.SetAmount(ctx, "missing", 1))

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{
		{ItemId: "a", Amount: 9},
		{ItemId: "missing", Amount: 1},
	}, items)
}

func testDelete(t *testing.T, s readmodel.ItemStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, readmodel.Item{ItemId: "a", Amount: 5}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
