package connector

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerNewestFirst(t *testing.T) {
	cb := NewChatBinding("chat@s.whatsapp.net")
	cb.RecordMapping("dc1", "wa1")
	cb.RecordMapping("dc2", "wa1")

	dst, ok := cb.LookupDestinationID("wa1")
	require.True(t, ok)
	require.Equal(t, "dc2", dst)

	src, ok := cb.LookupSourceID("dc1")
	require.True(t, ok)
	require.Equal(t, "wa1", src)

	_, ok = cb.LookupSourceID("missing")
	require.False(t, ok)
	require.Equal(t, 2, cb.LedgerSize())
}

func TestLedgerLimit(t *testing.T) {
	cb := NewChatBinding("chat")
	cb.SetLedgerLimit(3)
	for i := range 5 {
		cb.RecordMapping(fmt.Sprintf("dc%d", i), fmt.Sprintf("wa%d", i))
	}
	require.Equal(t, 3, cb.LedgerSize())
	_, ok := cb.LookupSourceID("dc0")
	require.False(t, ok)
	src, ok := cb.LookupSourceID("dc4")
	require.True(t, ok)
	require.Equal(t, "wa4", src)

	cb.SetLedgerLimit(1)
	require.Equal(t, 1, cb.LedgerSize())
}

func TestLedgerUnlimited(t *testing.T) {
	cb := NewChatBinding("chat")
	for i := range DefaultLedgerLimit + 10 {
		cb.RecordMapping(fmt.Sprintf("dc%d", i), fmt.Sprintf("wa%d", i))
	}
	require.Equal(t, DefaultLedgerLimit+10, cb.LedgerSize())
}

func TestAdvanceLastSyncedIsMonotonic(t *testing.T) {
	cb := NewChatBinding("chat")
	cb.AdvanceLastSynced(time.UnixMilli(2000))
	cb.AdvanceLastSynced(time.UnixMilli(1000))
	require.EqualValues(t, 2000, cb.LastSynced())

	cb.RecordMapping("dc", "wa")
	cb.ResetHistory()
	require.Zero(t, cb.LastSynced())
	require.Zero(t, cb.LedgerSize())
}

func TestStateJSONLayout(t *testing.T) {
	state := NewState()
	state.GuildID = "guild"
	state.QR.SetRoomID("qr-room")
	cb, isNew := state.Chats.Add("chat@g.us")
	require.True(t, isNew)
	cb.SetRoomID("chat-room")
	cb.AdvanceLastSynced(time.UnixMilli(1234))
	cb.RecordMapping("dc1", "wa1")
	state.Chats.SetFleetRoomID("fleet")

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "guild", raw["guild_id"])
	require.Equal(t, map[string]any{"channel_id": "qr-room"}, raw["qr"])
	chats := raw["chats"].(map[string]any)
	require.Equal(t, "fleet", chats["channel_id"])
	first := chats["chat_datas"].([]any)[0].(map[string]any)
	require.Equal(t, "chat@g.us", first["wa_chat_id"])
	require.Equal(t, "chat-room", first["channel_id"])
	require.EqualValues(t, 1234, first["last_message_ts"])
	require.Equal(t, []any{map[string]any{"dc_msg_id": "dc1", "wa_msg_id": "wa1"}}, first["cross_refs"])

	loaded := NewState()
	require.NoError(t, json.Unmarshal(data, loaded))
	loaded.Normalize()
	require.Equal(t, "qr-room", loaded.QR.RoomID())
	require.Equal(t, "", loaded.Commands.RoomID())
	binding := loaded.Chats.Find("chat@g.us")
	require.NotNil(t, binding)
	require.Equal(t, "chat-room", binding.RoomID())
	src, ok := binding.LookupSourceID("dc1")
	require.True(t, ok)
	require.Equal(t, "wa1", src)
}

func TestChatsStateDropsDuplicates(t *testing.T) {
	var cs ChatsState
	err := json.Unmarshal([]byte(`{"chat_datas":[
		{"wa_chat_id":"a","channel_id":"1"},
		{"wa_chat_id":"a","channel_id":"2"},
		{"wa_chat_id":""},
		{"wa_chat_id":"b"}
	]}`), &cs)
	require.NoError(t, err)
	bindings := cs.Bindings()
	require.Len(t, bindings, 2)
	require.Equal(t, "1", cs.Find("a").RoomID())

	_, isNew := cs.Add("a")
	require.False(t, isNew)
}
