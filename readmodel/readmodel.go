package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog"
	"github.com/gehhilfe/eventlog/core"
)

const (
	ItemsProjectionId = "items"

	ItemCreated       = "ITEM_CREATED"
	ItemAmountChanged = "ITEM_AMOUNT_CHANGED"
	ItemDeleted       = "ITEM_DELETED"
)

type Item struct {
	ItemId string  `json:"itemId"`
	Amount float64 `json:"amount"`
}

// ItemStore holds the items read model. Every write is a last write wins
// upsert or delete, so applying an event twice leaves the same state.
type ItemStore interface {
	Put(ctx context.Context, item Item) error
	// SetAmount creates the item if it does not exist.
	SetAmount(ctx context.Context, itemId string, amount float64) error
	// Delete of a missing item is not an error.
	Delete(ctx context.Context, itemId string) error
	List(ctx context.Context) ([]Item, error)
}

var errMissingItemId = errors.New("missing itemId")

func decodeItem(event core.Event) (Item, error) {
	var item Item
	if err := json.Unmarshal(event.Data, &item); err != nil {
		return Item{}, err
	}
	if item.ItemId == "" {
		return Item{}, errMissingItemId
	}
	return item, nil
}

// NewItemProjection builds the items projection. Events whose data does not
// name an item are logged and skipped.
func NewItemProjection(store ItemStore) *eventlog.Projection {
	onItem := func(apply func(ctx context.Context, item Item) error) eventlog.HandlerFunc {
		return func(ctx context.Context, event core.Event) error {
			item, err := decodeItem(event)
			if err != nil {
				slogctx.FromCtx(ctx).Warn("skipping malformed item event",
					slog.String("type", event.Type),
					slog.Any("error", err),
				)
				return nil
			}
			return apply(ctx, item)
		}
	}

	return eventlog.NewProjection(ItemsProjectionId).
		On(ItemCreated, onItem(store.Put)).
		On(ItemAmountChanged, onItem(func(ctx context.Context, item Item) error {
			return store.SetAmount(ctx, item.ItemId, item.Amount)
		})).
		On(ItemDeleted, onItem(func(ctx context.Context, item Item) error {
			return store.Delete(ctx, item.ItemId)
		}))
}
