package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_InjectedFailures(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "user-1")
	require.NoError(t, err)

	m.CreateMessageErr = ErrMockUnavailable
	_, err = m.CreateMessage(ctx, conv.ID, "user-1", userTurn("q"))
	assert.ErrorIs(t, err, ErrMockUnavailable)

	m.DeleteConversationErr = ErrMockUnavailable
	err = m.DeleteConversation(ctx, "user-1", conv.ID)
	assert.ErrorIs(t, err, ErrMockUnavailable)

	m.PingErr = ErrMockUnavailable
	assert.ErrorIs(t, m.Ping(ctx), ErrMockUnavailable)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	conv, err := m.CreateConversation(ctx, "user-1")
	require.NoError(t, err)
	conv.Title = "mutated"

	got, err := m.GetConversation(ctx, "user-1", conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Title)
	assert.Zero(t, m.UpsertCalls)
}
