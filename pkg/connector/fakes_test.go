package connector

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type fakeSource struct {
	lock     sync.Mutex
	chats    map[string]*Chat
	messages map[string]*Message
	media    map[string][]byte
	sent     []sentPayload
	typing   []string

	lookups   int
	downloads int

	chatsErr error

	msgFns      map[int]func(*Message)
	presenceFns map[int]func(string, bool)
	qrFns       map[int]func(string)
	nextID      int
}

type sentPayload struct {
	ChatID  string
	Payload *SendPayload
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chats:       make(map[string]*Chat),
		messages:    make(map[string]*Message),
		media:       make(map[string][]byte),
		msgFns:      make(map[int]func(*Message)),
		presenceFns: make(map[int]func(string, bool)),
		qrFns:       make(map[int]func(string)),
	}
}

func (s *fakeSource) addChat(chat *Chat) {
	s.lock.Lock()
	s.chats[chat.ID] = chat
	s.lock.Unlock()
}

func (s *fakeSource) addMessage(msg *Message) {
	s.lock.Lock()
	s.messages[msg.ID] = msg
	s.lock.Unlock()
}

func (s *fakeSource) GetAllChats(ctx context.Context) ([]*Chat, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.chatsErr != nil {
		return nil, s.chatsErr
	}
	out := make([]*Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		c := *chat
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *Chat) int {
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *fakeSource) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	c := *chat
	return &c, nil
}

func (s *fakeSource) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lookups++
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

func (s *fakeSource) chatMessages(chatID string) []*Message {
	var out []*Message
	for _, msg := range s.messages {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b *Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

func (s *fakeSource) GetLastMessageTimestamp(ctx context.Context, chatID string) (time.Time, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	msgs := s.chatMessages(chatID)
	if len(msgs) == 0 {
		return time.Time{}, false, nil
	}
	return msgs[len(msgs)-1].Timestamp, true, nil
}

func (s *fakeSource) GetMessagesAfter(ctx context.Context, chatID string, after time.Time) ([]*Message, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []*Message
	for _, msg := range s.chatMessages(chatID) {
		if msg.Timestamp.After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeSource) DownloadMedia(ctx context.Context, msg *Message) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.downloads++
	data, ok := s.media[msg.ID]
	if !ok {
		return nil, fmt.Errorf("no media for %s", msg.ID)
	}
	return data, nil
}

func (s *fakeSource) SendMessage(ctx context.Context, chatID string, payload *SendPayload) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, sentPayload{ChatID: chatID, Payload: payload})
	return fmt.Sprintf("sent-%d", len(s.sent)), nil
}

// fetches reports how many message lookups and media downloads were made.
func (s *fakeSource) fetches() (lookups, downloads int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lookups, s.downloads
}

func (s *fakeSource) sentPayloads() []sentPayload {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.sent)
}

func (s *fakeSource) SetTyping(ctx context.Context, chatID string, typing bool) error {
	s.lock.Lock()
	s.typing = append(s.typing, chatID)
	s.lock.Unlock()
	return nil
}

func addFn[T any](lock *sync.Mutex, next *int, m map[int]T, fn T) func() {
	lock.Lock()
	key := *next
	*next++
	m[key] = fn
	lock.Unlock()
	return func() {
		lock.Lock()
		delete(m, key)
		lock.Unlock()
	}
}

func fnsOf[T any](lock *sync.Mutex, m map[int]T) []T {
	lock.Lock()
	defer lock.Unlock()
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func (s *fakeSource) OnMessage(fn func(*Message)) func() {
	return addFn(&s.lock, &s.nextID, s.msgFns, fn)
}

func (s *fakeSource) OnChatPresence(fn func(string, bool)) func() {
	return addFn(&s.lock, &s.nextID, s.presenceFns, fn)
}

func (s *fakeSource) OnQRCode(fn func(string)) func() {
	return addFn(&s.lock, &s.nextID, s.qrFns, fn)
}

func (s *fakeSource) emitMessage(msg *Message) {
	s.addMessage(msg)
	for _, fn := range fnsOf(&s.lock, s.msgFns) {
		fn(msg)
	}
}

func (s *fakeSource) emitQR(code string) {
	for _, fn := range fnsOf(&s.lock, s.qrFns) {
		fn(code)
	}
}

// ============================================================================

type fakeDestination struct {
	lock    sync.Mutex
	guildID string
	rooms   map[string]*Room
	sent    []sentMessage
	deleted []string
	reacted []string
	nextID  int

	createErr   error
	createCalls int
	commands    int

	deleteFns      map[int]func(string)
	updateFns      map[int]func(*Room)
	messageFns     map[int]func(*RoomMessage)
	interactionFns map[int]func(*Interaction)
	typingFns      map[int]func(string, string)
	reactionFns    map[int]func(*Reaction)
}

type sentMessage struct {
	RoomID string
	ID     string
	Msg    *OutgoingMessage
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		guildID:        "guild",
		rooms:          make(map[string]*Room),
		deleteFns:      make(map[int]func(string)),
		updateFns:      make(map[int]func(*Room)),
		messageFns:     make(map[int]func(*RoomMessage)),
		interactionFns: make(map[int]func(*Interaction)),
		typingFns:      make(map[int]func(string, string)),
		reactionFns:    make(map[int]func(*Reaction)),
	}
}

func (d *fakeDestination) FirstGuildID(ctx context.Context) (string, error) {
	if d.guildID == "" {
		return "", ErrNoGuild
	}
	return d.guildID, nil
}

func (d *fakeDestination) RegisterCommands(ctx context.Context, guildID string) error {
	d.lock.Lock()
	d.commands++
	d.lock.Unlock()
	return nil
}

func (d *fakeDestination) GetRoom(ctx context.Context, guildID, roomID string) (*Room, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r := *room
	return &r, nil
}

func (d *fakeDestination) CreateRoom(ctx context.Context, guildID string, desc RoomDescriptor) (*Room, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.createCalls++
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.nextID++
	room := &Room{
		ID:       fmt.Sprintf("room-%d", d.nextID),
		GuildID:  guildID,
		Name:     desc.Name,
		Topic:    desc.Topic,
		ParentID: desc.ParentID,
		Kind:     desc.Kind,
		Position: len(d.rooms),
	}
	d.rooms[room.ID] = room
	r := *room
	return &r, nil
}

func (d *fakeDestination) setCreateErr(err error) {
	d.lock.Lock()
	d.createErr = err
	d.lock.Unlock()
}

func (d *fakeDestination) createAttempts() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.createCalls
}

func (d *fakeDestination) putRoom(room *Room) {
	d.lock.Lock()
	d.rooms[room.ID] = room
	d.lock.Unlock()
}

func (d *fakeDestination) room(roomID string) *Room {
	d.lock.Lock()
	defer d.lock.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	r := *room
	return &r
}

func (d *fakeDestination) roomsByName(name string) []*Room {
	d.lock.Lock()
	defer d.lock.Unlock()
	var out []*Room
	for _, room := range d.rooms {
		if room.Name == name {
			r := *room
			out = append(out, &r)
		}
	}
	return out
}

func (d *fakeDestination) EditRoom(ctx context.Context, roomID string, edit RoomEdit) (*Room, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if edit.Name != nil {
		room.Name = *edit.Name
	}
	if edit.Topic != nil {
		room.Topic = *edit.Topic
	}
	if edit.ParentID != nil {
		room.ParentID = *edit.ParentID
	}
	if edit.Position != nil {
		room.Position = *edit.Position
	}
	r := *room
	return &r, nil
}

func (d *fakeDestination) SendMessage(ctx context.Context, roomID string, msg *OutgoingMessage) (*RoomMessage, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	d.nextID++
	id := fmt.Sprintf("msg-%d", d.nextID)
	d.sent = append(d.sent, sentMessage{RoomID: roomID, ID: id, Msg: msg})
	return &RoomMessage{ID: id, RoomID: roomID, Content: msg.Content, Embeds: msg.Embeds}, nil
}

func (d *fakeDestination) sentTo(roomID string) []sentMessage {
	d.lock.Lock()
	defer d.lock.Unlock()
	var out []sentMessage
	for _, msg := range d.sent {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	return out
}

func (d *fakeDestination) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	d.lock.Lock()
	d.deleted = append(d.deleted, messageID)
	d.lock.Unlock()
	return nil
}

func (d *fakeDestination) deletedMessages() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return slices.Clone(d.deleted)
}

func (d *fakeDestination) AddReaction(ctx context.Context, roomID, messageID, emoji string) error {
	d.lock.Lock()
	d.reacted = append(d.reacted, messageID+":"+emoji)
	d.lock.Unlock()
	return nil
}

func (d *fakeDestination) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	return []byte("attachment:" + url), nil
}

func (d *fakeDestination) OnRoomDelete(fn func(string)) func() {
	return addFn(&d.lock, &d.nextID, d.deleteFns, fn)
}

func (d *fakeDestination) OnRoomUpdate(fn func(*Room)) func() {
	return addFn(&d.lock, &d.nextID, d.updateFns, fn)
}

func (d *fakeDestination) OnMessageCreate(fn func(*RoomMessage)) func() {
	return addFn(&d.lock, &d.nextID, d.messageFns, fn)
}

func (d *fakeDestination) OnInteraction(fn func(*Interaction)) func() {
	return addFn(&d.lock, &d.nextID, d.interactionFns, fn)
}

func (d *fakeDestination) OnTypingStart(fn func(string, string)) func() {
	return addFn(&d.lock, &d.nextID, d.typingFns, fn)
}

func (d *fakeDestination) OnReactionAdd(fn func(*Reaction)) func() {
	return addFn(&d.lock, &d.nextID, d.reactionFns, fn)
}

// deleteRoom removes the room and notifies listeners like Discord would.
func (d *fakeDestination) deleteRoom(roomID string) {
	d.lock.Lock()
	delete(d.rooms, roomID)
	d.lock.Unlock()
	for _, fn := range fnsOf(&d.lock, d.deleteFns) {
		fn(roomID)
	}
}

func (d *fakeDestination) renameRoom(roomID, name string) {
	d.lock.Lock()
	room := d.rooms[roomID]
	room.Name = name
	updated := *room
	d.lock.Unlock()
	for _, fn := range fnsOf(&d.lock, d.updateFns) {
		fn(&updated)
	}
}

func (d *fakeDestination) emitRoomMessage(msg *RoomMessage) {
	for _, fn := range fnsOf(&d.lock, d.messageFns) {
		fn(msg)
	}
}

func (d *fakeDestination) emitInteraction(it *Interaction) {
	for _, fn := range fnsOf(&d.lock, d.interactionFns) {
		fn(it)
	}
}

func (d *fakeDestination) emitReaction(r *Reaction) {
	for _, fn := range fnsOf(&d.lock, d.reactionFns) {
		fn(r)
	}
}

func (d *fakeDestination) listenerCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.deleteFns) + len(d.updateFns) + len(d.messageFns) + len(d.interactionFns) + len(d.typingFns) + len(d.reactionFns)
}

// ============================================================================

type convertCall struct {
	InputMime    string
	OutputFormat string
}

type fakeMedia struct {
	lock    sync.Mutex
	calls   []convertCall
	concats []string
	err     error

	// duringConcat runs while an audio effect is being applied.
	duringConcat func()
}

func (m *fakeMedia) Convert(ctx context.Context, data []byte, inputMime, outputFormat string, inputArgs, outputArgs []string) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, convertCall{InputMime: inputMime, OutputFormat: outputFormat})
	if m.err != nil {
		return nil, m.err
	}
	return append([]byte(outputFormat+":"), data...), nil
}

func (m *fakeMedia) StickerToGIF(ctx context.Context, data []byte) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]byte("gif:"), data...), nil
}

func (m *fakeMedia) ConcatAudio(ctx context.Context, data []byte, path string) ([]byte, error) {
	if m.duringConcat != nil {
		m.duringConcat()
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.concats = append(m.concats, path)
	if m.err != nil {
		return nil, m.err
	}
	return append(slices.Clone(data), []byte("+zap")...), nil
}

type fakeMaps struct {
	lock  sync.Mutex
	zooms []int
}

func (m *fakeMaps) RenderStaticMap(ctx context.Context, lat, lng float64, zoom int) ([]byte, error) {
	m.lock.Lock()
	m.zooms = append(m.zooms, zoom)
	m.lock.Unlock()
	return []byte(fmt.Sprintf("png:%v,%v@%d", lat, lng, zoom)), nil
}

type fakeClip struct {
	id   string
	data []byte
}

type fakeAudio struct {
	lock   sync.Mutex
	items  []fakeClip
	added  int
	fns    map[int]func(string, []byte)
	nextID int
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{fns: make(map[int]func(string, []byte))}
}

func (a *fakeAudio) Enqueue(data []byte) string {
	a.lock.Lock()
	a.added++
	id := fmt.Sprintf("audio-%d", a.added)
	a.items = append(a.items, fakeClip{id: id, data: data})
	a.lock.Unlock()
	for _, fn := range fnsOf(&a.lock, a.fns) {
		fn(id, data)
	}
	return id
}

func (a *fakeAudio) DequeueNext() ([]byte, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(a.items) == 0 {
		return nil, false
	}
	next := a.items[0]
	a.items = a.items[1:]
	return next.data, true
}

func (a *fakeAudio) PeekNext() (string, []byte, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(a.items) == 0 {
		return "", nil, false
	}
	return a.items[0].id, a.items[0].data, true
}

func (a *fakeAudio) ReplaceNext(id string, data []byte) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if len(a.items) == 0 || a.items[0].id != id {
		return false
	}
	a.items[0].data = data
	return true
}

func (a *fakeAudio) Count() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.items)
}

func (a *fakeAudio) OnItemAdded(fn func(string, []byte)) func() {
	return addFn(&a.lock, &a.nextID, a.fns, fn)
}

// ============================================================================

type fakeResponder struct {
	lock         sync.Mutex
	deferUpdates int
	deferReplies int
	edits        []*OutgoingMessage
	replies      []string
}

func (r *fakeResponder) DeferUpdate(ctx context.Context) error {
	r.lock.Lock()
	r.deferUpdates++
	r.lock.Unlock()
	return nil
}

func (r *fakeResponder) DeferReply(ctx context.Context) error {
	r.lock.Lock()
	r.deferReplies++
	r.lock.Unlock()
	return nil
}

func (r *fakeResponder) EditResponse(ctx context.Context, msg *OutgoingMessage) error {
	r.lock.Lock()
	r.edits = append(r.edits, msg)
	r.lock.Unlock()
	return nil
}

func (r *fakeResponder) Reply(ctx context.Context, text string) error {
	r.lock.Lock()
	r.replies = append(r.replies, text)
	r.lock.Unlock()
	return nil
}

func (r *fakeResponder) lastEdit() *OutgoingMessage {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.edits) == 0 {
		return nil
	}
	return r.edits[len(r.edits)-1]
}

func (r *fakeResponder) lastReply() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type memoryStore struct {
	lock  sync.Mutex
	saves int
}

func (m *memoryStore) Save(v any) error {
	m.lock.Lock()
	m.saves++
	m.lock.Unlock()
	return nil
}

var testTime = time.Date(2024, time.March, 2, 14, 5, 0, 0, time.UTC)

func testConfig() *Config {
	cfg := &Config{}
	cfg.Bridge.DisplaynameTemplate = "{{if .FullName}}{{.FullName}}{{else if .PushName}}{{.PushName}}{{else}}{{.Phone}}{{end}}"
	_ = cfg.Bridge.PostProcess()
	cfg.Bridge.LedgerLimit = DefaultLedgerLimit
	cfg.Media.ZapSound = "zap.mp3"
	return cfg
}
