package connector

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

const (
	FleetRoomName       = "💬Chats💬"
	DefaultStartupChats = 5
)

// Registry owns every chat portal and the category room grouping them. It
// seeds bindings for recently active chats on startup and for any chat that
// sends a message later, and keeps the most recently active room on top.
type Registry struct {
	br    *Bridge
	state *ChatsState
	fleet *RoomBinding
	log   zerolog.Logger

	lock        sync.RWMutex
	portals     map[string]*ChatPortal
	ready       bool
	unsubscribe []func()

	syncLock sync.Mutex
}

func newRegistry(br *Bridge) *Registry {
	r := &Registry{
		br:      br,
		state:   br.State.Chats,
		log:     br.Log.With().Str("component", "registry").Logger(),
		portals: make(map[string]*ChatPortal),
	}
	r.fleet = NewRoomBinding(br.Destination, br.GuildID, r.state.FleetRoomID(), func() RoomDescriptor {
		return RoomDescriptor{Name: FleetRoomName, Kind: RoomCategory}
	}, r.log)
	r.fleet.OnChanged(r.handleFleetChanged)
	return r
}

func (r *Registry) Setup(ctx context.Context) bool {
	if !r.fleet.Setup(ctx) {
		r.log.Warn().Msg("No chats category room, chat rooms will be left ungrouped")
	}
	r.seedRecent(ctx)
	for _, binding := range r.state.Bindings() {
		r.startPortal(binding)
	}

	r.lock.Lock()
	r.ready = true
	r.unsubscribe = append(r.unsubscribe,
		r.br.Source.OnMessage(r.handleSourceMessage),
		r.br.Destination.OnRoomUpdate(r.handleRoomUpdate),
	)
	r.lock.Unlock()
	r.sync(ctx)
	return true
}

func (r *Registry) Close() {
	r.lock.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	portals := make([]*ChatPortal, 0, len(r.portals))
	for _, p := range r.portals {
		portals = append(portals, p)
	}
	r.lock.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	for _, p := range portals {
		p.Close()
	}
	r.fleet.Close()
}

// seedRecent creates bindings for the most recently active chats that are
// not bridged yet, up to the startup limit.
func (r *Registry) seedRecent(ctx context.Context) {
	limit := r.br.Config.Bridge.StartupChatLimit
	if limit <= 0 {
		limit = DefaultStartupChats
	}
	chats, err := r.br.Source.GetAllChats(ctx)
	if err != nil {
		r.log.Err(err).Msg("Failed to list WhatsApp chats")
		return
	}
	slices.SortStableFunc(chats, func(a, b *Chat) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	added := 0
	for _, chat := range chats {
		if added >= limit {
			break
		}
		if _, isNew := r.state.Add(chat.ID); isNew {
			added++
		}
	}
	if added > 0 {
		r.log.Info().Int("count", added).Msg("Seeded recent chats")
		r.br.DataChanged()
	}
}

func (r *Registry) Portal(chatID string) *ChatPortal {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.portals[chatID]
}

func (r *Registry) startPortal(binding *ChatBinding) *ChatPortal {
	r.lock.Lock()
	if p, ok := r.portals[binding.ChatID]; ok {
		r.lock.Unlock()
		return p
	}
	p := newChatPortal(r.br, binding)
	r.portals[binding.ChatID] = p
	chatsBridged.Set(float64(len(r.portals)))
	r.lock.Unlock()

	p.OnReady(r.syncAsync)
	p.OnRoomChanged(func(string) { r.syncAsync() })
	go p.Setup(p.ctx)
	return p
}

func (r *Registry) syncAsync() {
	go r.sync(r.br.ctx())
}

// sync moves every chat room that is not inside the chats category into it.
func (r *Registry) sync(ctx context.Context) {
	r.syncLock.Lock()
	defer r.syncLock.Unlock()
	fleetID := r.fleet.RoomID()
	if fleetID == "" {
		return
	}
	r.lock.RLock()
	portals := make([]*ChatPortal, 0, len(r.portals))
	for _, p := range r.portals {
		portals = append(portals, p)
	}
	r.lock.RUnlock()

	for _, p := range portals {
		if !p.IsReady() {
			continue
		}
		room := p.Room().Room()
		if room == nil || room.ParentID == fleetID {
			continue
		}
		if err := p.Room().Edit(ctx, RoomEdit{ParentID: ptr.Ptr(fleetID)}); err != nil {
			p.log.Err(err).Msg("Failed to move room into chats category")
		}
	}
}

func (r *Registry) handleFleetChanged(roomID string) {
	r.state.SetFleetRoomID(roomID)
	r.br.DataChanged()
	r.lock.RLock()
	ready := r.ready
	r.lock.RUnlock()
	if ready {
		r.syncAsync()
	}
}

func (r *Registry) handleRoomUpdate(room *Room) {
	if room == nil || room.ID != r.fleet.RoomID() || room.Name == FleetRoomName {
		return
	}
	r.log.Debug().Str("name", room.Name).Msg("Chats category was renamed, restoring name")
	go func() {
		if err := r.fleet.Edit(r.br.ctx(), RoomEdit{Name: ptr.Ptr(FleetRoomName)}); err != nil {
			r.log.Err(err).Msg("Failed to restore chats category name")
		}
	}()
}

func (r *Registry) handleSourceMessage(msg *Message) {
	if p := r.Portal(msg.ChatID); p != nil {
		if !p.IsReady() {
			// The last bind failed; the catch-up on the new room replays
			// this message.
			go p.Setup(p.ctx)
		}
		p.enqueue(p.moveToTop)
		return
	}
	binding, isNew := r.state.Add(msg.ChatID)
	if isNew {
		r.log.Info().Str("wa_chat_id", msg.ChatID).Msg("New chat became active, bridging it")
		r.br.DataChanged()
	}
	r.startPortal(binding)
}

// moveToTop puts the chat room at the first position of the category.
func (p *ChatPortal) moveToTop(ctx context.Context) {
	room := p.room.Room()
	if room == nil || room.Position == 0 {
		return
	}
	if err := p.room.Edit(ctx, RoomEdit{Position: ptr.Ptr(0)}); err != nil {
		p.log.Warn().Err(err).Msg("Failed to move room to top")
	}
}

// ============================================================================
// Chat list for the commands room
// ============================================================================

func (r *Registry) ChatAlreadyAdded(chatID string) bool {
	return r.state.Find(chatID) != nil
}

// AddChat bridges a chat picked from the chat list.
func (r *Registry) AddChat(ctx context.Context, chatID string) (added bool, err error) {
	if _, err = r.br.Source.GetChat(ctx, chatID); err != nil {
		return false, err
	}
	binding, isNew := r.state.Add(chatID)
	if !isNew {
		return false, nil
	}
	r.br.DataChanged()
	r.startPortal(binding)
	return true, nil
}

func chatDisplayName(chat *Chat) string {
	if chat.Name != "" {
		return chat.Name
	}
	return chat.ID
}

// ChatPage returns one page of all WhatsApp chats ordered by name, and the
// number of pages.
func (r *Registry) ChatPage(ctx context.Context, page, pageSize int) ([]*Chat, int, error) {
	chats, err := r.br.Source.GetAllChats(ctx)
	if err != nil {
		return nil, 0, err
	}
	slices.SortStableFunc(chats, func(a, b *Chat) int {
		return strings.Compare(strings.ToLower(chatDisplayName(a)), strings.ToLower(chatDisplayName(b)))
	})
	pageCount := (len(chats) + pageSize - 1) / pageSize
	start := page * pageSize
	if page < 0 || start >= len(chats) {
		return nil, pageCount, nil
	}
	return chats[start:min(start+pageSize, len(chats))], pageCount, nil
}
