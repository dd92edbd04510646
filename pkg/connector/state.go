package connector

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lrhodin/w2d/pkg/reminder"
)

const StateVersion = "1"

// State is the whole persisted blob. Every part guards itself, so the blob
// can be encoded while pipelines keep mutating it.
type State struct {
	Version     string         `json:"version"`
	GuildID     string         `json:"guild_id"`
	Chats       *ChatsState    `json:"chats"`
	QR          *RoomState     `json:"qr"`
	Commands    *RoomState     `json:"cmds"`
	Audio       *RoomState     `json:"audio"`
	AudioEditor *RoomState     `json:"audio_editor"`
	Reminders   *reminder.Data `json:"birthdays"`
}

func NewState() *State {
	s := &State{}
	s.Normalize()
	return s
}

func (s *State) Normalize() {
	if s.Version == "" {
		s.Version = StateVersion
	}
	if s.Chats == nil {
		s.Chats = &ChatsState{}
	}
	if s.QR == nil {
		s.QR = &RoomState{}
	}
	if s.Commands == nil {
		s.Commands = &RoomState{}
	}
	if s.Audio == nil {
		s.Audio = &RoomState{}
	}
	if s.AudioEditor == nil {
		s.AudioEditor = &RoomState{}
	}
	if s.Reminders == nil {
		s.Reminders = &reminder.Data{}
	}
}

// ============================================================================
// Control room state
// ============================================================================

type RoomState struct {
	mu     sync.RWMutex
	roomID string
}

type roomStateJSON struct {
	RoomID string `json:"channel_id,omitempty"`
}

func (rs *RoomState) RoomID() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.roomID
}

func (rs *RoomState) SetRoomID(id string) {
	rs.mu.Lock()
	rs.roomID = id
	rs.mu.Unlock()
}

func (rs *RoomState) MarshalJSON() ([]byte, error) {
	return json.Marshal(roomStateJSON{RoomID: rs.RoomID()})
}

func (rs *RoomState) UnmarshalJSON(data []byte) error {
	var raw roomStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rs.SetRoomID(raw.RoomID)
	return nil
}

// ============================================================================
// Chat bindings
// ============================================================================

// CrossRef pairs a Discord message id with the WhatsApp message it mirrors.
type CrossRef struct {
	DestinationID string `json:"dc_msg_id"`
	SourceID      string `json:"wa_msg_id"`
}

// ChatBinding is the persisted link between one WhatsApp chat and its
// Discord room. ChatID never changes after creation.
type ChatBinding struct {
	ChatID string

	mu            sync.RWMutex
	roomID        string
	lastMessageTS int64
	crossRefs     []CrossRef
	ledgerLimit   int
}

type chatBindingJSON struct {
	ChatID        string     `json:"wa_chat_id"`
	RoomID        string     `json:"channel_id,omitempty"`
	LastMessageTS int64      `json:"last_message_ts"`
	CrossRefs     []CrossRef `json:"cross_refs"`
}

func NewChatBinding(chatID string) *ChatBinding {
	return &ChatBinding{ChatID: chatID}
}

func (cb *ChatBinding) RoomID() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.roomID
}

func (cb *ChatBinding) SetRoomID(id string) {
	cb.mu.Lock()
	cb.roomID = id
	cb.mu.Unlock()
}

// LastSynced returns the newest WhatsApp timestamp already mirrored, in
// epoch milliseconds.
func (cb *ChatBinding) LastSynced() int64 {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastMessageTS
}

// AdvanceLastSynced moves the sync marker forward to ts. Older timestamps
// are ignored.
func (cb *ChatBinding) AdvanceLastSynced(ts time.Time) {
	cb.mu.Lock()
	cb.lastMessageTS = max(cb.lastMessageTS, ts.UnixMilli())
	cb.mu.Unlock()
}

// ResetHistory forgets the ledger and the sync marker. Used when the room
// is recreated and the old Discord message ids are gone.
func (cb *ChatBinding) ResetHistory() {
	cb.mu.Lock()
	cb.crossRefs = nil
	cb.lastMessageTS = 0
	cb.mu.Unlock()
}

func (cb *ChatBinding) SetLedgerLimit(limit int) {
	cb.mu.Lock()
	cb.ledgerLimit = limit
	cb.trimLocked()
	cb.mu.Unlock()
}

func (cb *ChatBinding) MarshalJSON() ([]byte, error) {
	cb.mu.RLock()
	raw := chatBindingJSON{
		ChatID:        cb.ChatID,
		RoomID:        cb.roomID,
		LastMessageTS: cb.lastMessageTS,
		CrossRefs:     append([]CrossRef{}, cb.crossRefs...),
	}
	cb.mu.RUnlock()
	return json.Marshal(raw)
}

func (cb *ChatBinding) UnmarshalJSON(data []byte) error {
	var raw chatBindingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cb.mu.Lock()
	cb.ChatID = raw.ChatID
	cb.roomID = raw.RoomID
	cb.lastMessageTS = raw.LastMessageTS
	cb.crossRefs = raw.CrossRefs
	cb.mu.Unlock()
	return nil
}

// ============================================================================
// Registry state
// ============================================================================

type ChatsState struct {
	mu          sync.RWMutex
	chats       []*ChatBinding
	fleetRoomID string
}

type chatsStateJSON struct {
	Chats       []*ChatBinding `json:"chat_datas"`
	FleetRoomID string         `json:"channel_id,omitempty"`
}

func (cs *ChatsState) Bindings() []*ChatBinding {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return append([]*ChatBinding{}, cs.chats...)
}

func (cs *ChatsState) Find(chatID string) *ChatBinding {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, cb := range cs.chats {
		if cb.ChatID == chatID {
			return cb
		}
	}
	return nil
}

// Add seeds a binding for chatID. The second return value is false when the
// chat was already bound, in which case the existing binding is returned.
func (cs *ChatsState) Add(chatID string) (*ChatBinding, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, cb := range cs.chats {
		if cb.ChatID == chatID {
			return cb, false
		}
	}
	cb := NewChatBinding(chatID)
	cs.chats = append(cs.chats, cb)
	return cb, true
}

func (cs *ChatsState) FleetRoomID() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.fleetRoomID
}

func (cs *ChatsState) SetFleetRoomID(id string) {
	cs.mu.Lock()
	cs.fleetRoomID = id
	cs.mu.Unlock()
}

func (cs *ChatsState) MarshalJSON() ([]byte, error) {
	cs.mu.RLock()
	raw := chatsStateJSON{
		Chats:       append([]*ChatBinding{}, cs.chats...),
		FleetRoomID: cs.fleetRoomID,
	}
	cs.mu.RUnlock()
	if raw.Chats == nil {
		raw.Chats = []*ChatBinding{}
	}
	return json.Marshal(raw)
}

func (cs *ChatsState) UnmarshalJSON(data []byte) error {
	var raw chatsStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Drop duplicate chat ids, keeping the first binding.
	seen := make(map[string]struct{}, len(raw.Chats))
	chats := raw.Chats[:0]
	for _, cb := range raw.Chats {
		if cb == nil || cb.ChatID == "" {
			continue
		}
		if _, ok := seen[cb.ChatID]; ok {
			continue
		}
		seen[cb.ChatID] = struct{}{}
		chats = append(chats, cb)
	}
	cs.mu.Lock()
	cs.chats = chats
	cs.fleetRoomID = raw.FleetRoomID
	cs.mu.Unlock()
	return nil
}
