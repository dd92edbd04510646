package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/w2d/pkg/connector"
)

// channelServer serves PATCH requests for a single channel and applies the
// fields present in the request body.
type channelServer struct {
	lock   sync.Mutex
	bodies []map[string]any
	topic  string
	name   string
}

func (cs *channelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch || !strings.HasSuffix(r.URL.Path, "/channels/123") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cs.lock.Lock()
	cs.bodies = append(cs.bodies, body)
	if topic, ok := body["topic"].(string); ok {
		cs.topic = topic
	}
	if name, ok := body["name"].(string); ok {
		cs.name = name
	}
	resp := map[string]any{"id": "123", "guild_id": "guild", "type": 0, "name": cs.name, "topic": cs.topic}
	cs.lock.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	orig := discordgo.EndpointChannels
	discordgo.EndpointChannels = srv.URL + "/channels/"
	t.Cleanup(func() { discordgo.EndpointChannels = orig })
	c, err := New("test", zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestEditRoomClearsTopic(t *testing.T) {
	cs := &channelServer{name: "family", topic: "old topic"}
	c := newTestClient(t, cs)
	ctx := context.Background()

	topic := "new topic"
	room, err := c.EditRoom(ctx, "123", connector.RoomEdit{Topic: &topic})
	require.NoError(t, err)
	require.Equal(t, "new topic", room.Topic)

	empty := ""
	room, err = c.EditRoom(ctx, "123", connector.RoomEdit{Topic: &empty})
	require.NoError(t, err)
	require.Equal(t, "", room.Topic)
	require.Equal(t, "family", room.Name)

	cs.lock.Lock()
	defer cs.lock.Unlock()
	require.Len(t, cs.bodies, 2)
	cleared, ok := cs.bodies[1]["topic"]
	require.True(t, ok, "topic must be sent even when empty")
	require.Equal(t, "", cleared)
	require.Equal(t, "", cs.topic)
}

func TestEditRoomLeavesTopicAlone(t *testing.T) {
	cs := &channelServer{name: "family", topic: "kept"}
	c := newTestClient(t, cs)

	name := "renamed"
	room, err := c.EditRoom(context.Background(), "123", connector.RoomEdit{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "renamed", room.Name)
	require.Equal(t, "kept", room.Topic)

	cs.lock.Lock()
	defer cs.lock.Unlock()
	_, ok := cs.bodies[0]["topic"]
	require.False(t, ok)
}

func TestEditRoomNotFound(t *testing.T) {
	c := newTestClient(t, &channelServer{})
	empty := ""
	_, err := c.EditRoom(context.Background(), "999", connector.RoomEdit{Topic: &empty})
	require.ErrorIs(t, err, connector.ErrRoomNotFound)
}
