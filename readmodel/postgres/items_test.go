package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/readmodel"
	"github.com/gehhilfe/eventlog/readmodel/itemstoretest"
)

func TestItemStore(t *testing.T) {
	uri := os.Getenv("EVENTLOG_TEST_POSTGRES")
	if uri == "" {
		t.Skip("EVENTLOG_TEST_POSTGRES not set")
	}

	itemstoretest.Run(t, func(t *testing.T) readmodel.ItemStore {
		s, err := OpenItemStore(uri)
		require.NoError(t, err)
		t.Cleanup(func() { s.DB().Close() })

		_, err = s.DB().Exec(`TRUNCATE ` + itemsTable)
		require.NoError(t, err)
		return s
	})
}
