package postgres

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/store/storetest"
)

func openTestLog(t *testing.T, opts ...Option) *EventLog {
	t.Helper()
	uri := os.Getenv("EVENTLOG_TEST_POSTGRES")
	if uri == "" {
		t.Skip("EVENTLOG_TEST_POSTGRES not set")
	}
	s, err := NewEventLog(uri, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// TRUNCATE does not fire the update and delete guard.
	_, err = s.DB().Exec(`TRUNCATE events, projection_watermarks`)
	require.NoError(t, err)
	return s
}

func TestEventLog(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return openTestLog(t)
	})
}

func TestEventLogWithNotifications(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return openTestLog(t, WithNotifications())
	})
}

func TestEventsAreAppendOnly(t *testing.T) {
	s := openTestLog(t)
	_, err := s.DB().Exec(`INSERT INTO events (stream_id, event_id, type, data, created_at) VALUES ('s', 0, 'A', '{}', NOW())`)
	require.NoError(t, err)

	_, err = s.DB().Exec(`UPDATE events SET type = 'B'`)
	require.Error(t, err)
	_, err = s.DB().Exec(`DELETE FROM events`)
	require.Error(t, err)
}
