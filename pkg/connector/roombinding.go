package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// RoomBinding keeps one Discord room alive for its owner. On setup it reloads
// the persisted room (checking that it still has the expected kind) or
// creates a new one from the descriptor, and it recreates the room whenever
// Discord reports it deleted.
//
// The descriptor is computed lazily so a recreated room picks up the owner's
// current name and topic.
type RoomBinding struct {
	client   DestinationClient
	guildID  string
	describe func() RoomDescriptor
	log      zerolog.Logger

	// setupLock serializes binding and recreation so a room is never
	// created twice for the same owner.
	setupLock sync.Mutex

	mu          sync.Mutex
	roomID      string
	room        *Room
	ready       bool
	unsubscribe []func()

	observerLock sync.Mutex
	onLoaded     []func(roomID string)
	onCreated    []func(roomID string)
	onChanged    []func(roomID string)
}

func NewRoomBinding(client DestinationClient, guildID, roomID string, describe func() RoomDescriptor, log zerolog.Logger) *RoomBinding {
	return &RoomBinding{
		client:   client,
		guildID:  guildID,
		roomID:   roomID,
		describe: describe,
		log:      log,
	}
}

func (rb *RoomBinding) OnLoaded(fn func(roomID string)) {
	rb.observerLock.Lock()
	rb.onLoaded = append(rb.onLoaded, fn)
	rb.observerLock.Unlock()
}

func (rb *RoomBinding) OnCreated(fn func(roomID string)) {
	rb.observerLock.Lock()
	rb.onCreated = append(rb.onCreated, fn)
	rb.observerLock.Unlock()
}

// OnChanged is notified after every load, creation and discard. An empty id
// means the persisted room turned out to be gone.
func (rb *RoomBinding) OnChanged(fn func(roomID string)) {
	rb.observerLock.Lock()
	rb.onChanged = append(rb.onChanged, fn)
	rb.observerLock.Unlock()
}

func (rb *RoomBinding) emit(observers *[]func(string), roomID string) {
	rb.observerLock.Lock()
	fns := append([]func(string){}, *observers...)
	rb.observerLock.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

func (rb *RoomBinding) RoomID() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.roomID
}

// Room returns a copy of the cached room, or nil when unbound.
func (rb *RoomBinding) Room() *Room {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.room == nil {
		return nil
	}
	room := *rb.room
	return &room
}

func (rb *RoomBinding) IsReady() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.ready
}

// Setup binds the room. It returns false only if neither the persisted room
// could be reloaded nor a new one created, in which case a later call tries
// again. Calling it again after success is a no-op.
func (rb *RoomBinding) Setup(ctx context.Context) bool {
	rb.setupLock.Lock()
	defer rb.setupLock.Unlock()
	rb.mu.Lock()
	if rb.ready {
		rb.mu.Unlock()
		return true
	}
	persisted := rb.roomID
	rb.mu.Unlock()

	if persisted != "" {
		rb.reload(ctx, persisted)
	}
	if rb.RoomID() == "" {
		rb.create(ctx)
	}
	if rb.RoomID() == "" {
		return false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.ready {
		return true
	}
	rb.ready = true
	rb.unsubscribe = append(rb.unsubscribe,
		rb.client.OnRoomDelete(rb.handleRoomDelete),
		rb.client.OnRoomUpdate(rb.handleRoomUpdate),
	)
	return true
}

// Close stops listening for room events.
func (rb *RoomBinding) Close() {
	rb.mu.Lock()
	unsubscribe := rb.unsubscribe
	rb.unsubscribe = nil
	rb.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
}

// unbind drops the ready flag and the room listeners, so the next Setup
// goes through the whole bind again.
func (rb *RoomBinding) unbind() {
	rb.mu.Lock()
	rb.ready = false
	rb.mu.Unlock()
	rb.Close()
}

func (rb *RoomBinding) reload(ctx context.Context, roomID string) {
	want := rb.describe().Kind
	log := rb.log.With().Str("room_id", roomID).Logger()
	room, err := rb.client.GetRoom(ctx, rb.guildID, roomID)
	if err != nil || room == nil || room.Kind != want {
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load persisted room, discarding it")
		} else if room != nil {
			log.Warn().Stringer("kind", room.Kind).Stringer("expected_kind", want).Msg("Persisted room has the wrong kind, discarding it")
		}
		rb.mu.Lock()
		rb.roomID = ""
		rb.room = nil
		rb.mu.Unlock()
		rb.emit(&rb.onChanged, "")
		return
	}
	rb.mu.Lock()
	rb.roomID = room.ID
	rb.room = room
	rb.mu.Unlock()
	log.Debug().Str("name", room.Name).Msg("Loaded room")
	rb.emit(&rb.onLoaded, room.ID)
	rb.emit(&rb.onChanged, room.ID)
}

func (rb *RoomBinding) create(ctx context.Context) bool {
	desc := rb.describe()
	room, err := rb.client.CreateRoom(ctx, rb.guildID, desc)
	if err != nil || room == nil {
		rb.log.Err(err).Str("name", desc.Name).Stringer("kind", desc.Kind).Msg("Failed to create room")
		return false
	}
	rb.mu.Lock()
	rb.roomID = room.ID
	rb.room = room
	rb.mu.Unlock()
	rb.log.Info().Str("room_id", room.ID).Str("name", room.Name).Msg("Created room")
	rb.emit(&rb.onCreated, room.ID)
	rb.emit(&rb.onChanged, room.ID)
	return true
}

func (rb *RoomBinding) handleRoomDelete(roomID string) {
	rb.setupLock.Lock()
	defer rb.setupLock.Unlock()
	rb.mu.Lock()
	if roomID == "" || roomID != rb.roomID {
		rb.mu.Unlock()
		return
	}
	rb.roomID = ""
	rb.room = nil
	rb.mu.Unlock()
	rb.emit(&rb.onChanged, "")
	rb.log.Info().Str("room_id", roomID).Msg("Room was deleted, recreating it")
	if !rb.create(context.Background()) {
		rb.log.Warn().Str("room_id", roomID).Msg("Room could not be recreated, binding again on the next event")
		rb.unbind()
	}
}

func (rb *RoomBinding) handleRoomUpdate(room *Room) {
	if room == nil {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if room.ID != rb.roomID {
		return
	}
	updated := *room
	rb.room = &updated
}

// Edit applies changes to the bound room and refreshes the cached copy.
func (rb *RoomBinding) Edit(ctx context.Context, edit RoomEdit) error {
	roomID := rb.RoomID()
	if roomID == "" {
		return ErrRoomNotFound
	}
	room, err := rb.client.EditRoom(ctx, roomID, edit)
	if err != nil {
		return err
	}
	if room != nil {
		rb.handleRoomUpdate(room)
	}
	return nil
}
