package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/lib/pq"

	"github.com/gehhilfe/eventlog/readmodel"
)

const itemsTable = "read_model_items"

// ItemStore keeps the items read model in a PostgreSQL table. It can share
// the connection pool of the event log.
type ItemStore struct {
	db *sql.DB
}

func NewItemStore(db *sql.DB) (*ItemStore, error) {
	s := &ItemStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenItemStore opens its own connection to uri.
func OpenItemStore(uri string) (*ItemStore, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	s, err := NewItemStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ItemStore) DB() *sql.DB {
	return s.db
}

func (s *ItemStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + itemsTable + ` (
			item_id TEXT PRIMARY KEY,
			amount DOUBLE PRECISION NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", itemsTable, err)
	}
	return nil
}

func (s *ItemStore) upsert(ctx context.Context, item readmodel.Item) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(itemsTable)
	ib.Cols("item_id", "amount")
	ib.Values(item.ItemId, item.Amount)
	ib.SQL("ON CONFLICT (item_id) DO UPDATE SET amount = EXCLUDED.amount")
	query, args := ib.Build()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store item %s: %w", item.ItemId, err)
	}
	return nil
}

func (s *ItemStore) Put(ctx context.Context, item readmodel.Item) error {
	return s.upsert(ctx, item)
}

func (s *ItemStore) SetAmount(ctx context.Context, itemId string, amount float64) error {
	return s.upsert(ctx, readmodel.Item{ItemId: itemId, Amount: amount})
}

func (s *ItemStore) Delete(ctx context.Context, itemId string) error {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(itemsTable)
	db.Where(db.Equal("item_id", itemId))
	query, args := db.Build()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete item %s: %w", itemId, err)
	}
	return nil
}

func (s *ItemStore) List(ctx context.Context) ([]readmodel.Item, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("item_id", "amount").From(itemsTable).OrderBy("item_id")
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []readmodel.Item{}
	for rows.Next() {
		var item readmodel.Item
		if err := rows.Scan(&item.ItemId, &item.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
