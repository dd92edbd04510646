package connector

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const portalEventBuffer = 64

// ChatPortal is the pipeline of one bridged chat. Everything touching the
// chat (WhatsApp messages, Discord messages, interactions, room lifecycle)
// runs on the portal's own goroutine, so events of one chat are handled in
// the order they arrived.
type ChatPortal struct {
	br      *Bridge
	Binding *ChatBinding
	room    *RoomBinding
	log     zerolog.Logger

	inbound      *InboundTranslator
	outbound     *OutboundTranslator
	interactions *InteractionResolver

	nameLock sync.RWMutex
	name     string
	topic    string

	events chan func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc

	setupLock   sync.Mutex
	readyLock   sync.Mutex
	ready       bool
	unsubscribe []func()

	observerLock    sync.Mutex
	onReady         []func()
	onChangedRoomID []func(roomID string)
}

func newChatPortal(br *Bridge, binding *ChatBinding) *ChatPortal {
	log := br.Log.With().Str("wa_chat_id", binding.ChatID).Logger()
	p := &ChatPortal{
		br:      br,
		Binding: binding,
		log:     log,
		events:  make(chan func(ctx context.Context), portalEventBuffer),
	}
	p.ctx, p.cancel = context.WithCancel(log.WithContext(br.ctx()))
	binding.SetLedgerLimit(br.Config.Bridge.LedgerLimit)

	p.inbound = &InboundTranslator{
		Source:              br.Source,
		Media:               br.Media,
		ResolveSender:       br.resolveSender,
		LookupDestinationID: binding.LookupDestinationID,
		FileSizeLimit:       br.Config.Bridge.FileSizeLimit,
		Now:                 br.now,
	}
	p.outbound = &OutboundTranslator{
		Download:    br.Destination.DownloadAttachment,
		Media:       br.Media,
		AudioFormat: br.Config.Bridge.OutgoingAudioFormat,
	}
	p.interactions = &InteractionResolver{
		ChatID:      binding.ChatID,
		Binding:     binding,
		Source:      br.Source,
		Media:       br.Media,
		Maps:        br.Maps,
		Audio:       br.Audio,
		Reminders:   br.Reminders,
		Inbound:     p.inbound,
		DefaultZoom: br.Config.Bridge.DefaultMapZoom,
		AudioFormat: br.Config.Bridge.OutgoingAudioFormat,
	}

	p.room = NewRoomBinding(br.Destination, br.GuildID, binding.RoomID(), p.describe, log)
	p.room.OnCreated(p.handleRoomCreated)
	p.room.OnLoaded(p.handleRoomLoaded)
	p.room.OnChanged(p.handleRoomChanged)

	go p.run()
	return p
}

func (p *ChatPortal) run() {
	for {
		select {
		case fn := <-p.events:
			fn(p.ctx)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *ChatPortal) enqueue(fn func(ctx context.Context)) {
	select {
	case p.events <- fn:
	case <-p.ctx.Done():
	}
}

// enqueueAsync is enqueue for callers that may be running on the portal
// goroutine themselves, where a full queue would block forever.
func (p *ChatPortal) enqueueAsync(fn func(ctx context.Context)) {
	select {
	case p.events <- fn:
	default:
		go p.enqueue(fn)
	}
}

// Close stops the pipeline and unsubscribes from both platforms.
func (p *ChatPortal) Close() {
	p.readyLock.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.readyLock.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	p.room.Close()
	p.cancel()
}

func (p *ChatPortal) OnReady(fn func()) {
	p.observerLock.Lock()
	p.onReady = append(p.onReady, fn)
	p.observerLock.Unlock()
}

func (p *ChatPortal) OnRoomChanged(fn func(roomID string)) {
	p.observerLock.Lock()
	p.onChangedRoomID = append(p.onChangedRoomID, fn)
	p.observerLock.Unlock()
}

func (p *ChatPortal) IsReady() bool {
	p.readyLock.Lock()
	defer p.readyLock.Unlock()
	return p.ready
}

func (p *ChatPortal) Room() *RoomBinding {
	return p.room
}

func (p *ChatPortal) Name() string {
	p.nameLock.RLock()
	defer p.nameLock.RUnlock()
	return p.name
}

func (p *ChatPortal) describe() RoomDescriptor {
	p.nameLock.RLock()
	defer p.nameLock.RUnlock()
	return RoomDescriptor{
		Name:     p.name,
		Topic:    p.topic,
		Kind:     RoomText,
		ParentID: p.br.State.Chats.FleetRoomID(),
	}
}

// Setup fetches the chat metadata, binds the room and starts listening on
// both platforms. A failed setup is retried by calling it again.
func (p *ChatPortal) Setup(ctx context.Context) bool {
	p.setupLock.Lock()
	defer p.setupLock.Unlock()
	if p.IsReady() {
		return true
	}
	chat, err := p.br.Source.GetChat(ctx, p.Binding.ChatID)
	if err != nil {
		p.log.Err(err).Msg("Failed to get chat info")
		return false
	}
	p.nameLock.Lock()
	p.name = SanitizeRoomName(chat.Name)
	p.topic = SanitizeRoomTopic(chat.Topic)
	p.nameLock.Unlock()

	if !p.room.Setup(ctx) {
		p.log.Warn().Msg("Chat has no room, it will not be bridged")
		return false
	}

	p.readyLock.Lock()
	if p.ready {
		p.readyLock.Unlock()
		return true
	}
	p.ready = true
	p.unsubscribe = append(p.unsubscribe,
		p.br.Source.OnMessage(p.handleSourceMessage),
		p.br.Source.OnChatPresence(p.handleChatPresence),
		p.br.Destination.OnMessageCreate(p.handleRoomMessage),
		p.br.Destination.OnInteraction(p.handleInteraction),
		p.br.Destination.OnTypingStart(p.handleTyping),
	)
	p.readyLock.Unlock()

	p.log.Debug().Str("room_id", p.room.RoomID()).Msg("Chat portal ready")
	p.observerLock.Lock()
	fns := append([]func(){}, p.onReady...)
	p.observerLock.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

// ============================================================================
// Room lifecycle
// ============================================================================

func (p *ChatPortal) handleRoomCreated(roomID string) {
	// Old Discord message ids point into the deleted room.
	p.Binding.ResetHistory()
	p.br.DataChanged()
	p.enqueueAsync(p.catchUp)
}

func (p *ChatPortal) handleRoomLoaded(roomID string) {
	p.enqueueAsync(p.catchUp)
}

func (p *ChatPortal) handleRoomChanged(roomID string) {
	p.Binding.SetRoomID(roomID)
	p.br.DataChanged()
	p.observerLock.Lock()
	fns := append([]func(string){}, p.onChangedRoomID...)
	p.observerLock.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

// ============================================================================
// WhatsApp -> Discord
// ============================================================================

func (p *ChatPortal) handleSourceMessage(msg *Message) {
	if msg.ChatID != p.Binding.ChatID {
		return
	}
	p.enqueue(func(ctx context.Context) {
		// Catch-up may have replayed it already.
		if _, ok := p.Binding.LookupDestinationID(msg.ID); ok {
			return
		}
		p.mirror(ctx, msg)
	})
}

// mirror renders one WhatsApp message into the room and records it in the
// ledger. The sync marker advances even when sending fails so one broken
// message can't stall the chat.
func (p *ChatPortal) mirror(ctx context.Context, msg *Message) {
	log := p.log.With().Str("wa_message_id", msg.ID).Logger()
	ctx = log.WithContext(ctx)
	roomID := p.room.RoomID()
	if roomID == "" && p.room.Setup(ctx) {
		roomID = p.room.RoomID()
	}
	if roomID == "" {
		log.Warn().Msg("Dropping message for chat without room")
		return
	}
	defer func() {
		p.Binding.AdvanceLastSynced(msg.Timestamp)
		p.br.DataChanged()
	}()

	res, err := p.inbound.Translate(ctx, msg)
	if err != nil {
		log.Err(err).Msg("Failed to translate WhatsApp message")
		return
	}
	if res.Rename != nil {
		p.rename(ctx, *res.Rename)
	}
	if res.Retopic != nil {
		p.retopic(ctx, *res.Retopic)
	}
	sent, err := p.br.Destination.SendMessage(ctx, roomID, res.Message)
	if err != nil {
		log.Err(err).Msg("Failed to send message to Discord")
		messagesBridged.WithLabelValues(directionInbound, statusFailed).Inc()
		return
	}
	p.Binding.RecordMapping(sent.ID, res.SourceID)
	messagesBridged.WithLabelValues(directionInbound, statusOK).Inc()
}

func (p *ChatPortal) rename(ctx context.Context, name string) {
	name = SanitizeRoomName(name)
	p.nameLock.Lock()
	if name == p.name {
		p.nameLock.Unlock()
		return
	}
	p.name = name
	p.nameLock.Unlock()
	if err := p.room.Edit(ctx, RoomEdit{Name: &name}); err != nil {
		p.log.Err(err).Str("name", name).Msg("Failed to rename room")
	}
}

func (p *ChatPortal) retopic(ctx context.Context, topic string) {
	topic = SanitizeRoomTopic(topic)
	p.nameLock.Lock()
	if topic == p.topic {
		p.nameLock.Unlock()
		return
	}
	p.topic = topic
	p.nameLock.Unlock()
	if err := p.room.Edit(ctx, RoomEdit{Topic: &topic}); err != nil {
		p.log.Err(err).Msg("Failed to change room topic")
	}
}

func (p *ChatPortal) handleChatPresence(chatID string, typing bool) {
	if chatID != p.Binding.ChatID {
		return
	}
	p.log.Debug().Bool("typing", typing).Msg("Chat state changed")
}

// ============================================================================
// Discord -> WhatsApp
// ============================================================================

func (p *ChatPortal) handleRoomMessage(msg *RoomMessage) {
	if msg.AuthorBot || msg.RoomID == "" || msg.RoomID != p.room.RoomID() {
		return
	}
	p.enqueue(func(ctx context.Context) {
		p.relay(ctx, msg)
	})
}

// relay sends a Discord message to WhatsApp and deletes the original; the
// WhatsApp echo of the sent message replaces it in the room.
func (p *ChatPortal) relay(ctx context.Context, msg *RoomMessage) {
	log := p.log.With().Str("dc_message_id", msg.ID).Logger()
	ctx = log.WithContext(ctx)
	payloads, err := p.outbound.Translate(ctx, msg)
	if err != nil {
		log.Err(err).Msg("Failed to translate Discord message")
	}
	for _, payload := range payloads {
		if _, err := p.br.Source.SendMessage(ctx, p.Binding.ChatID, payload); err != nil {
			log.Err(err).Str("kind", string(payload.Kind)).Msg("Failed to send message to WhatsApp")
			messagesBridged.WithLabelValues(directionOutbound, statusFailed).Inc()
			continue
		}
		messagesBridged.WithLabelValues(directionOutbound, statusOK).Inc()
	}
	if err := p.br.Destination.DeleteMessage(ctx, msg.RoomID, msg.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete relayed Discord message")
	}
}

func (p *ChatPortal) handleInteraction(it *Interaction) {
	if it.RoomID == "" || it.RoomID != p.room.RoomID() {
		return
	}
	p.enqueue(func(ctx context.Context) {
		interactionsHandled.WithLabelValues(interactionLabel(it)).Inc()
		p.interactions.Handle(ctx, it)
	})
}

func (p *ChatPortal) handleTyping(roomID, userID string) {
	if roomID == "" || roomID != p.room.RoomID() {
		return
	}
	p.enqueue(func(ctx context.Context) {
		if err := p.br.Source.SetTyping(ctx, p.Binding.ChatID, true); err != nil {
			p.log.Debug().Err(err).Msg("Failed to send typing notification")
		}
	})
}
