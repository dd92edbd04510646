package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

const (
	qrRoomName          = "⚫qr-code⚪"
	qrRoomTopic         = "Qr Code Channel"
	commandsRoomName    = "🟢cmds🟢"
	commandsRoomTopic   = "General W2D Commands Channel"
	audioRoomName       = "🔉audio🔉"
	audioRoomTopic      = "Audio Recording Channel"
	audioEditorRoomName = "🔉audio-editor🎨"
	audioEditorTopic    = "Audio Editor Channel"

	CommandChat       = "chat"
	ChatListPageSize  = 25
	zapReaction       = "👹"
	qrCodeFileName    = "qrcode.png"
	qrCodeImageSizePx = 512
)

// controlRoom is a fixed-name room whose id is persisted in a RoomState.
type controlRoom struct {
	binding *RoomBinding
	state   *RoomState
}

func newControlRoom(br *Bridge, state *RoomState, desc RoomDescriptor, log zerolog.Logger) controlRoom {
	binding := NewRoomBinding(br.Destination, br.GuildID, state.RoomID(), func() RoomDescriptor { return desc }, log)
	binding.OnChanged(func(roomID string) {
		state.SetRoomID(roomID)
		br.DataChanged()
	})
	return controlRoom{binding: binding, state: state}
}

// ============================================================================
// QR code room
// ============================================================================

// QRRoom posts WhatsApp pairing codes as scannable images. Codes that arrive
// before the room is bound are held back; only the newest one is posted.
type QRRoom struct {
	controlRoom
	br  *Bridge
	log zerolog.Logger

	lock    sync.Mutex
	ready   bool
	pending string
	unsub   func()
}

func newQRRoom(br *Bridge) *QRRoom {
	log := br.Log.With().Str("component", "qr_room").Logger()
	q := &QRRoom{
		controlRoom: newControlRoom(br, br.State.QR, RoomDescriptor{Name: qrRoomName, Topic: qrRoomTopic, Kind: RoomText}, log),
		br:          br,
		log:         log,
	}
	q.unsub = br.Source.OnQRCode(q.handleQRCode)
	return q
}

func (q *QRRoom) Setup(ctx context.Context) bool {
	if !q.binding.Setup(ctx) {
		return false
	}
	q.lock.Lock()
	q.ready = true
	pending := q.pending
	q.pending = ""
	q.lock.Unlock()
	if pending != "" {
		q.send(ctx, pending)
	}
	return true
}

func (q *QRRoom) Close() {
	q.unsub()
	q.binding.Close()
}

func (q *QRRoom) handleQRCode(code string) {
	q.lock.Lock()
	if !q.ready {
		q.pending = code
		q.lock.Unlock()
		return
	}
	q.lock.Unlock()
	q.send(q.br.ctx(), code)
}

func (q *QRRoom) send(ctx context.Context, code string) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrCodeImageSizePx)
	if err != nil {
		q.log.Err(err).Msg("Failed to render QR code")
		return
	}
	_, err = q.br.Destination.SendMessage(ctx, q.binding.RoomID(), &OutgoingMessage{
		Embeds: []*Embed{{
			Title:       "New QR Code",
			Description: "Scan to log in",
			Image:       "attachment://" + qrCodeFileName,
			Timestamp:   q.br.now(),
		}},
		Files: []*File{{Name: qrCodeFileName, ContentType: "image/png", Data: png}},
	})
	if err != nil {
		q.log.Err(err).Msg("Failed to post QR code")
	}
}

// ============================================================================
// Commands room
// ============================================================================

// CommandsRoom answers the chat list and chat load commands.
type CommandsRoom struct {
	controlRoom
	br    *Bridge
	log   zerolog.Logger
	unsub func()
}

func newCommandsRoom(br *Bridge) *CommandsRoom {
	log := br.Log.With().Str("component", "commands_room").Logger()
	return &CommandsRoom{
		controlRoom: newControlRoom(br, br.State.Commands, RoomDescriptor{Name: commandsRoomName, Topic: commandsRoomTopic, Kind: RoomText}, log),
		br:          br,
		log:         log,
	}
}

func (c *CommandsRoom) Setup(ctx context.Context) bool {
	if !c.binding.Setup(ctx) {
		return false
	}
	c.unsub = c.br.Destination.OnInteraction(c.handleInteraction)
	return true
}

func (c *CommandsRoom) Close() {
	if c.unsub != nil {
		c.unsub()
	}
	c.binding.Close()
}

func (c *CommandsRoom) handleInteraction(it *Interaction) {
	if it.Kind != InteractionCommand || it.RoomID != c.binding.RoomID() || it.Command != CommandChat {
		return
	}
	go func() {
		ctx := c.log.WithContext(c.br.ctx())
		if err := c.handleChatCommand(ctx, it); err != nil {
			c.log.Err(err).Str("subcommand", it.Subcommand).Msg("Failed to handle chat command")
		}
	}()
}

func (c *CommandsRoom) handleChatCommand(ctx context.Context, it *Interaction) error {
	if err := it.Respond.DeferReply(ctx); err != nil {
		return err
	}
	var embed *Embed
	switch it.Subcommand {
	case "list":
		page, _ := strconv.Atoi(it.Options["page"])
		description, err := c.chatList(ctx, page)
		if err != nil {
			return err
		}
		embed = &Embed{Title: "Chat List", Description: description}
	case "load":
		embed = &Embed{Title: "Chat Load", Description: c.loadChat(ctx, it.Options["chat_id"])}
	default:
		embed = &Embed{Title: "Chat", Description: "❌ Unknown command ❌"}
	}
	return it.Respond.EditResponse(ctx, &OutgoingMessage{Embeds: []*Embed{embed}})
}

func (c *CommandsRoom) chatList(ctx context.Context, page int) (string, error) {
	chats, pageCount, err := c.br.Registry.ChatPage(ctx, page, ChatListPageSize)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	offset := page * ChatListPageSize
	for i, chat := range chats {
		mark := ""
		if c.br.Registry.ChatAlreadyAdded(chat.ID) {
			mark = "(✅) "
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", offset+i, mark, chatDisplayName(chat))
	}
	fmt.Fprintf(&sb, "Page %d of %d (%d items/page)", page, max(pageCount-1, 0), ChatListPageSize)
	return sb.String(), nil
}

func (c *CommandsRoom) loadChat(ctx context.Context, rawID string) string {
	index, err := strconv.Atoi(strings.TrimSpace(rawID))
	if err != nil || index < 0 {
		return "❌ Invalid chat id! ❌"
	}
	page := index / ChatListPageSize
	chats, _, err := c.br.Registry.ChatPage(ctx, page, ChatListPageSize)
	if err != nil {
		c.log.Err(err).Msg("Failed to list chats")
		return "❌ Chat doesnt exists! ❌"
	}
	idx := index - page*ChatListPageSize
	if idx >= len(chats) {
		return "❌ Chat id out of bounds! ❌"
	}
	chatID := chats[idx].ID
	if c.br.Registry.ChatAlreadyAdded(chatID) {
		return "❌ Chat already added! ❌"
	}
	added, err := c.br.Registry.AddChat(ctx, chatID)
	if err != nil {
		c.log.Warn().Err(err).Str("wa_chat_id", chatID).Msg("Chat to load was not found")
		return "❌ Chat doesnt exists! ❌"
	} else if !added {
		return "❌ Chat already added! ❌"
	}
	return "✅ Chat loaded successfully! ✅"
}

// ============================================================================
// Audio rooms
// ============================================================================

// AudioRoom is the voice room whose recordings feed the audio queue.
type AudioRoom struct {
	controlRoom
	br *Bridge
}

func newAudioRoom(br *Bridge) *AudioRoom {
	log := br.Log.With().Str("component", "audio_room").Logger()
	a := &AudioRoom{
		controlRoom: newControlRoom(br, br.State.Audio, RoomDescriptor{Name: audioRoomName, Topic: audioRoomTopic, Kind: RoomVoice}, log),
		br:          br,
	}
	a.binding.OnChanged(func(roomID string) {
		if br.Voice != nil && roomID != "" {
			br.Voice.WatchRoom(br.GuildID, roomID)
		}
	})
	return a
}

func (a *AudioRoom) Setup(ctx context.Context) bool {
	return a.binding.Setup(ctx)
}

func (a *AudioRoom) Close() {
	a.binding.Close()
}

// AudioEditorRoom posts every recorded audio and applies effects to the next
// queued audio when users react to it.
type AudioEditorRoom struct {
	controlRoom
	br  *Bridge
	log zerolog.Logger

	lock    sync.Mutex
	ready   bool
	pending [][]byte
	unsub   []func()
}

func newAudioEditorRoom(br *Bridge) *AudioEditorRoom {
	log := br.Log.With().Str("component", "audio_editor_room").Logger()
	e := &AudioEditorRoom{
		controlRoom: newControlRoom(br, br.State.AudioEditor, RoomDescriptor{Name: audioEditorRoomName, Topic: audioEditorTopic, Kind: RoomText}, log),
		br:          br,
		log:         log,
	}
	if br.Audio != nil {
		e.unsub = append(e.unsub, br.Audio.OnItemAdded(e.handleAudioAdded))
	}
	return e
}

func (e *AudioEditorRoom) Setup(ctx context.Context) bool {
	if !e.binding.Setup(ctx) {
		return false
	}
	e.lock.Lock()
	e.ready = true
	pending := e.pending
	e.pending = nil
	e.unsub = append(e.unsub, e.br.Destination.OnReactionAdd(e.handleReaction))
	e.lock.Unlock()
	for _, data := range pending {
		e.postAudio(ctx, data)
	}
	return true
}

func (e *AudioEditorRoom) Close() {
	e.lock.Lock()
	unsub := e.unsub
	e.unsub = nil
	e.lock.Unlock()
	for _, fn := range unsub {
		fn()
	}
	e.binding.Close()
}

func (e *AudioEditorRoom) handleAudioAdded(_ string, data []byte) {
	e.lock.Lock()
	if !e.ready {
		e.pending = append(e.pending, data)
		e.lock.Unlock()
		return
	}
	e.lock.Unlock()
	e.postAudio(e.br.ctx(), data)
}

func (e *AudioEditorRoom) postAudio(ctx context.Context, data []byte) {
	roomID := e.binding.RoomID()
	_, err := e.br.Destination.SendMessage(ctx, roomID, &OutgoingMessage{
		Embeds: []*Embed{{Title: "New Audio Recorded", Description: "Here is your master piece"}},
	})
	if err != nil {
		e.log.Err(err).Msg("Failed to announce recorded audio")
		return
	}
	sent, err := e.br.Destination.SendMessage(ctx, roomID, &OutgoingMessage{
		Files: []*File{{Name: ReceivedFileName("Audio", ".mp3", e.br.now()), ContentType: "audio/mpeg", Data: data}},
	})
	if err != nil {
		e.log.Err(err).Msg("Failed to post recorded audio")
		return
	}
	if err = e.br.Destination.AddReaction(ctx, roomID, sent.ID, zapReaction); err != nil {
		e.log.Warn().Err(err).Msg("Failed to add effect reaction")
	}
}

func (e *AudioEditorRoom) handleReaction(reaction *Reaction) {
	if reaction.UserBot || reaction.RoomID == "" || reaction.RoomID != e.binding.RoomID() {
		return
	}
	go e.applyEffect(e.br.ctx(), reaction.Emoji)
}

func (e *AudioEditorRoom) reply(ctx context.Context, text string) {
	if _, err := e.br.Destination.SendMessage(ctx, e.binding.RoomID(), &OutgoingMessage{Content: text}); err != nil {
		e.log.Err(err).Msg("Failed to send audio editor reply")
	}
}

func (e *AudioEditorRoom) applyEffect(ctx context.Context, emoji string) {
	if emoji != zapReaction {
		e.reply(ctx, "Audio manipulation not found")
		return
	}
	id, next, ok := e.br.Audio.PeekNext()
	if !ok {
		e.reply(ctx, "Audio not found")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	edited, err := e.br.Media.ConcatAudio(ctx, next, e.br.Config.Media.ZapSound)
	if err != nil {
		e.log.Err(err).Msg("Failed to apply audio effect")
		e.reply(ctx, "Audio manipulation failed")
		return
	}
	if !e.br.Audio.ReplaceNext(id, edited) {
		e.log.Debug().Str("audio_id", id).Msg("Audio left the queue while it was being edited")
		e.reply(ctx, "Audio not found")
		return
	}
	e.postAudio(ctx, edited)
}
