package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog"
	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/cmd/eventlog/config"
	"github.com/gehhilfe/eventlog/readmodel"
	itemmemory "github.com/gehhilfe/eventlog/readmodel/memory"
)

type testNode struct {
	node  *eventlog.Node
	bus   *bus.InMemoryMessageBus
	items readmodel.ItemStore
}

func startNode(t *testing.T, cfg config.Config, cleanup *closers) testNode {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()

	log, err := openEventLog(cfg, logger, cleanup)
	require.NoError(t, err)
	items, watermarks, err := openReadModel(ctx, cfg, log, cleanup)
	require.NoError(t, err)
	mb := bus.NewInMemoryMessageBus()

	node := newNode(cfg, logger, log, mb, items, watermarks)
	sub, err := node.Start(ctx)
	require.NoError(t, err)
	cleanup.add(sub.Unsubscribe)
	return testNode{node: node, bus: mb, items: items}
}

func TestMemoryReadModelIsRebuiltAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		Store:          "bolt",
		StorePath:      filepath.Join(t.TempDir(), "eventlog.db"),
		ReadModel:      "memory",
		MaxAttempts:    10,
		IngressSubject: "ingress",
		EventsSubject:  "events",
		ReplaySubject:  "replay",
	}

	var first closers
	n := startNode(t, cfg, &first)
	_, err := n.node.Store().Append(ctx, "s", readmodel.ItemCreated, json.RawMessage(`{"itemId":"a","amount":5}`))
	require.NoError(t, err)
	n.bus.Wait()
	list, err := n.items.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, first.close())

	var second closers
	defer second.close()
	n = startNode(t, cfg, &second)
	list, err = n.items.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	replayed, err := n.node.Replayer().Replay(ctx, eventlog.ReplayRequest{
		StreamId:    "s",
		FromEventId: 0,
		Target:      n.node.Subjects().Events,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	n.bus.Wait()

	list, err = n.items.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{{ItemId: "a", Amount: 5}}, list)
}

func TestMemoryReadModelKeepsItsOwnWatermarks(t *testing.T) {
	var cleanup closers
	defer cleanup.close()
	log, err := openEventLog(config.Config{Store: "memory"}, slog.Default(), &cleanup)
	require.NoError(t, err)

	_, watermarks, err := openReadModel(context.Background(), config.Config{ReadModel: "memory"}, log, &cleanup)
	require.NoError(t, err)
	assert.IsType(t, &itemmemory.InMemoryWatermarkStore{}, watermarks)
}
