// ABOUTME: Tests that each registered SQLite driver opens a working store
// ABOUTME: Data written through one Open survives a reopen with the same driver

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Drivers(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			if driver == "sqlite3" && !cgoEnabled {
				t.Skip("sqlite3 driver requires cgo")
			}
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "gateway.db")

			s, err := Open(driver, path)
			require.NoError(t, err)
			require.NoError(t, s.Ping(ctx))
			require.NoError(t, s.CreateSession(ctx, newTestSession("sess-1")))
			require.NoError(t, s.AppendMessage(ctx, &Message{
				ID:        "m-1",
				SessionID: "sess-1",
				Role:      RoleUser,
				Content:   "hello",
				Timestamp: time.Now().UTC(),
			}))
			require.NoError(t, s.Close())

			s, err = Open(driver, path)
			require.NoError(t, err)
			defer s.Close()

			got, err := s.GetSession(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, 1, got.MessageCount)
			msgs, err := s.ListMessages(ctx, "sess-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "hello", msgs[0].Content)
		})
	}
}
