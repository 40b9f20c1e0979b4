package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/models"
)

func newTestStore(t *testing.T) *NotificationStore {
	t.Helper()
	store, err := OpenNotificationStore(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var baseTime = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func reply(actor, comment string, at time.Time) *models.Notification {
	return &models.Notification{
		Type:         models.NotificationReply,
		TargetUserID: "alice",
		ActorID:      actor,
		PostID:       "post1",
		CommentID:    comment,
		Message:      actor + " replied to your comment",
		CreatedAt:    at,
	}
}

func TestCreateNotification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.Create(ctx, reply("bob", "c1", baseTime))
	require.NoError(t, err)
	assert.True(t, created)

	list, next, err := store.List(ctx, "alice", 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, list, 1)
	assert.Equal(t, models.NotificationReply, list[0].Type)
	assert.Equal(t, "bob", list[0].ActorID)
	assert.Equal(t, "c1", list[0].CommentID)
	assert.False(t, list[0].Read)
}

func TestCreateNotification_SkipsSelfNotification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	n := reply("alice", "c1", baseTime)
	created, err := store.Create(ctx, n)
	require.NoError(t, err)
	assert.False(t, created)

	list, _, err := store.List(ctx, "alice", 10, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateNotification_Deduplication(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Create(ctx, reply("bob", "c1", baseTime))
	require.NoError(t, err)
	created, err := store.Create(ctx, reply("bob", "c1", baseTime.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, created)

	count, err := store.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		// mixes whole and fractional seconds to exercise stored ordering
		at := baseTime.Add(time.Duration(i) * 1500 * time.Millisecond)
		_, err := store.Create(ctx, reply(fmt.Sprintf("user%d", i), fmt.Sprintf("c%d", i), at))
		require.NoError(t, err)
	}

	page1, cursor, err := store.List(ctx, "alice", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "c4", page1[0].CommentID)
	assert.Equal(t, "c3", page1[1].CommentID)
	require.NotEmpty(t, cursor)

	page2, cursor, err := store.List(ctx, "alice", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c2", page2[0].CommentID)

	page3, cursor, err := store.List(ctx, "alice", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "c0", page3[0].CommentID)
	assert.Empty(t, cursor)
}

func TestCreateNotification_SameTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := reply("bob", "c1", baseTime)
	second := reply("carol", "c2", baseTime)
	for _, n := range []*models.Notification{first, second} {
		created, err := store.Create(ctx, n)
		require.NoError(t, err)
		assert.True(t, created)
	}
	assert.NotEqual(t, first.ID, second.ID)

	count, err := store.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCreateNotification_IDCollisionIsAnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := reply("bob", "c1", baseTime)
	first.ID = "n1"
	_, err := store.Create(ctx, first)
	require.NoError(t, err)

	second := reply("carol", "c2", baseTime)
	second.ID = "n1"
	_, err = store.Create(ctx, second)
	assert.Error(t, err)
}

func TestListPagination_TiedTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, reply(fmt.Sprintf("user%d", i), fmt.Sprintf("c%d", i), baseTime))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 5; page++ {
		list, next, err := store.List(ctx, "alice", 2, cursor)
		require.NoError(t, err)
		for _, n := range list {
			assert.False(t, seen[n.ID], "notification %s listed twice", n.ID)
			seen[n.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 5)
}

func TestReadState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := reply("bob", "c1", baseTime)
	second := reply("carol", "c2", baseTime.Add(time.Minute))
	third := reply("dave", "c3", baseTime.Add(2*time.Minute))
	for _, n := range []*models.Notification{first, second, third} {
		_, err := store.Create(ctx, n)
		require.NoError(t, err)
	}

	count, err := store.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.MarkRead(ctx, "alice", third.ID))
	count, err = store.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.MarkAllRead(ctx, "alice", baseTime.Add(30*time.Second)))
	count, err = store.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	list, _, err := store.List(ctx, "alice", 10, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].Read, "marked individually")
	assert.False(t, list[1].Read, "after watermark")
	assert.True(t, list[2].Read, "before watermark")

	assert.ErrorIs(t, store.MarkRead(ctx, "mallory", third.ID), models.ErrNotFound)
}

func TestDeleteForComment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Create(ctx, reply("bob", "c1", baseTime))
	require.NoError(t, err)
	_, err = store.Create(ctx, reply("carol", "c2", baseTime))
	require.NoError(t, err)

	store.DeleteForComment(ctx, "c1")

	list, _, err := store.List(ctx, "alice", 10, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c2", list[0].CommentID)
}

func TestUnreadCountEmptyUser(t *testing.T) {
	store := newTestStore(t)
	count, err := store.UnreadCount(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
