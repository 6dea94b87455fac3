package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/chatd/internal/models"
)

func TestCreateUserUniqueUsername(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, "alice", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateUserUniqueEmail(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()
	email := "alice@example.com"

	_, err := store.CreateUser(ctx, "alice", &email)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, "alice2", &email)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestThreadIDUniquePerUserOnly(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	alice, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	bob, err := store.CreateUser(ctx, "bob", nil)
	require.NoError(t, err)

	_, err = store.CreateThread(ctx, alice.ID, "notes", "Alice notes")
	require.NoError(t, err)

	// Same human id for the same owner collides.
	_, err = store.CreateThread(ctx, alice.ID, "notes", "Again")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// A different owner can reuse the id.
	_, err = store.CreateThread(ctx, bob.ID, "notes", "Bob notes")
	assert.NoError(t, err)
}

func TestAppendMessageBumpsThreadTimestamp(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "t1", "Thread")
	require.NoError(t, err)

	message, err := store.AppendMessage(ctx, user.ID, "t1", models.RoleUser, "hello", nil)
	require.NoError(t, err)

	thread, err := store.GetThread(ctx, user.ID, "t1", false)
	require.NoError(t, err)
	assert.Equal(t, message.CreatedAt, thread.UpdatedAt)
}

func TestAppendMessageThreadNotFound(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, user.ID, "missing", models.RoleUser, "hello", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessagesOrderedByCreation(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "t1", "Thread")
	require.NoError(t, err)

	for _, content := range []string{"first", "second", "third"} {
		_, err = store.AppendMessage(ctx, user.ID, "t1", models.RoleUser, content, nil)
		require.NoError(t, err)
	}

	messages, err := store.GetMessages(ctx, user.ID, "t1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
	assert.Equal(t, "third", messages[2].Content)

	limited, err := store.GetMessages(ctx, user.ID, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteUserCascades(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "t1", "Thread")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, user.ID, "t1", models.RoleUser, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteUser(ctx, user.ID))

	_, err = store.GetUser(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetThread(ctx, user.ID, "t1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThreadCascades(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "t1", "Thread")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, user.ID, "t1", models.RoleUser, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteThread(ctx, user.ID, "t1"))

	_, err = store.GetThread(ctx, user.ID, "t1", false)
	assert.ErrorIs(t, err, ErrNotFound)

	// Recreating the thread starts with an empty history.
	_, err = store.CreateThread(ctx, user.ID, "t1", "Thread again")
	require.NoError(t, err)
	messages, err := store.GetMessages(ctx, user.ID, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestListThreadsOrderAndCounts(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "older", "Older")
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "newer", "Newer")
	require.NoError(t, err)

	// Touching the older thread moves it to the front.
	_, err = store.AppendMessage(ctx, user.ID, "older", models.RoleUser, "ping", nil)
	require.NoError(t, err)

	threads, err := store.ListThreads(ctx, user.ID, 50)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "older", threads[0].ThreadID)
	assert.Equal(t, 1, threads[0].MessageCount)
	assert.Equal(t, 0, threads[1].MessageCount)
}

func TestUpdateUserProfilePartial(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)

	displayName := "Alice"
	updated, err := store.UpdateUserProfile(ctx, user.ID, &models.ProfileUpdate{DisplayName: &displayName})
	require.NoError(t, err)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "Alice", *updated.DisplayName)

	// A later update leaves untouched fields alone.
	bio := "hello"
	updated, err = store.UpdateUserProfile(ctx, user.ID, &models.ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "Alice", *updated.DisplayName)
	require.NotNil(t, updated.Bio)
	assert.Equal(t, "hello", *updated.Bio)
}

func TestUpdateThreadTitle(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = store.CreateThread(ctx, user.ID, "t1", "Old title")
	require.NoError(t, err)

	thread, err := store.UpdateThreadTitle(ctx, user.ID, "t1", "New title")
	require.NoError(t, err)
	assert.Equal(t, "New title", thread.Title)

	_, err = store.UpdateThreadTitle(ctx, user.ID, "missing", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
