// ABOUTME: SQLite-specific store tests
// ABOUTME: Covers persistence across reopen and foreign key cascade

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "history.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	conv, err := s.CreateConversation(ctx, "user-1")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, conv.ID, "user-1", userTurn("remember me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.GetMessages(ctx, "user-1", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remember me", msgs[0].Content)
}

func TestSQLiteStore_DeleteConversationCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "user-1")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, conv.ID, "user-1", userTurn("q"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, "user-1", conv.ID))

	var count int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conv.ID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStore_RejectsForeignRoleAtSchemaLevel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "user-1")
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, role, content, created_at)
		VALUES ('m1', ?, 'user-1', 'system', 'x', '2024-01-01T00:00:00.000000000Z')
	`, conv.ID)
	assert.Error(t, err)
}
