package whatsapp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T) *archive {
	t.Helper()
	a, err := openArchive(context.Background(), filepath.Join(t.TempDir(), "w2d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchiveChats(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	require.NoError(t, a.upsertChat(ctx, chatRow{ChatID: "g@g.us", Name: "Group", Topic: "About", IsGroup: true, LastMessageTS: 200}))
	require.NoError(t, a.upsertChat(ctx, chatRow{ChatID: "g@g.us", IsGroup: true, LastMessageTS: 100}))
	require.NoError(t, a.upsertChat(ctx, chatRow{ChatID: "u@s.whatsapp.net", Name: "User", LastMessageTS: 300}))

	chat, err := a.getChat(ctx, "g@g.us")
	require.NoError(t, err)
	require.Equal(t, "Group", chat.Name)
	require.Equal(t, "About", chat.Topic)
	require.EqualValues(t, 200, chat.LastMessageTS)

	missing, err := a.getChat(ctx, "nobody@s.whatsapp.net")
	require.NoError(t, err)
	require.Nil(t, missing)

	chats, err := a.listChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "u@s.whatsapp.net", chats[0].ChatID)
}

func TestArchiveMessages(t *testing.T) {
	ctx := context.Background()
	a := openTestArchive(t)

	_, ok, err := a.lastMessageTS(ctx, "c")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.upsertMessageBatch(ctx, []messageRow{
		{ID: "m3", ChatID: "c", TimestampMS: 300, Raw: []byte{1}},
		{ID: "m1", ChatID: "c", TimestampMS: 100},
		{ID: "m2", ChatID: "c", TimestampMS: 200, PushName: "Alice"},
		{ID: "x1", ChatID: "other", TimestampMS: 500},
	}))
	// Re-archiving without a payload keeps the stored one.
	require.NoError(t, a.upsertMessageBatch(ctx, []messageRow{{ID: "m3", ChatID: "c", TimestampMS: 300}}))

	ts, ok, err := a.lastMessageTS(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 300, ts)

	rows, err := a.listForwardMessages(ctx, "c", 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "m2", rows[0].ID)
	require.Equal(t, "Alice", rows[0].PushName)
	require.Equal(t, "m3", rows[1].ID)
	require.Equal(t, []byte{1}, rows[1].Raw)

	row, err := a.getMessage(ctx, "m1")
	require.NoError(t, err)
	require.EqualValues(t, 100, row.TimestampMS)
	row, err = a.getMessage(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, row)
}
