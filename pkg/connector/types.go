// w2d - A WhatsApp to Discord bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNoGuild         = errors.New("no servers found")
)

// ============================================================================
// WhatsApp side
// ============================================================================

// MessageType is the WhatsApp message kind tag. The values match the ones the
// web client uses so archived rows stay readable.
type MessageType string

const (
	MessageText              MessageType = "chat"
	MessageAudio             MessageType = "audio"
	MessageVoice             MessageType = "ptt"
	MessageDocument          MessageType = "document"
	MessageImage             MessageType = "image"
	MessageLocation          MessageType = "location"
	MessageSticker           MessageType = "sticker"
	MessageVideo             MessageType = "video"
	MessageGroupNotification MessageType = "gp2"
)

const (
	GroupNotificationSubject     = "subject"
	GroupNotificationDescription = "description"
)

type Contact struct {
	ID           string
	PushName     string
	FullName     string
	FirstName    string
	BusinessName string
	Phone        string
	AvatarURL    string
}

type Chat struct {
	ID            string
	Name          string
	Topic         string
	IsGroup       bool
	LastMessageAt time.Time
}

// Message is a WhatsApp message reduced to what the bridge renders. Media
// bytes are never carried here; they are fetched lazily through
// SourceClient.DownloadMedia.
type Message struct {
	ID        string
	ChatID    string
	Type      MessageType
	Subtype   string
	Timestamp time.Time
	FromMe    bool
	Sender    Contact

	// Text is the body for text messages, the caption for media and the new
	// value for group notifications.
	Text string

	MimeType   string
	FileName   string
	FileSize   int64
	IsAnimated bool
	IsGIF      bool

	Latitude  float64
	Longitude float64

	QuotedID string
}

type SendKind string

const (
	SendText    SendKind = "text"
	SendImage   SendKind = "image"
	SendVoice   SendKind = "voice"
	SendFile    SendKind = "file"
	SendFileURL SendKind = "file_url"
	SendAudio   SendKind = "audio"
)

// SendPayload is one unit sent to WhatsApp. Which fields are meaningful
// depends on Kind: URL for image and file_url, Data for voice, audio and file.
type SendPayload struct {
	Kind     SendKind
	Text     string
	Caption  string
	URL      string
	Data     []byte
	FileName string
	MimeType string
}

type SourceClient interface {
	GetAllChats(ctx context.Context) ([]*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// GetLastMessageTimestamp returns false when the chat has no known messages.
	GetLastMessageTimestamp(ctx context.Context, chatID string) (time.Time, bool, error)
	// GetMessagesAfter returns the chat's messages newer than after, oldest first.
	GetMessagesAfter(ctx context.Context, chatID string, after time.Time) ([]*Message, error)
	DownloadMedia(ctx context.Context, msg *Message) ([]byte, error)
	SendMessage(ctx context.Context, chatID string, payload *SendPayload) (string, error)
	SetTyping(ctx context.Context, chatID string, typing bool) error

	OnMessage(fn func(*Message)) (unsubscribe func())
	OnChatPresence(fn func(chatID string, typing bool)) (unsubscribe func())
	OnQRCode(fn func(code string)) (unsubscribe func())
}

// ============================================================================
// Discord side
// ============================================================================

type RoomKind int

const (
	RoomText RoomKind = iota
	RoomVoice
	RoomCategory
)

func (k RoomKind) String() string {
	switch k {
	case RoomText:
		return "text"
	case RoomVoice:
		return "voice"
	case RoomCategory:
		return "category"
	default:
		return "unknown"
	}
}

type Room struct {
	ID       string
	GuildID  string
	Name     string
	Topic    string
	ParentID string
	Position int
	Kind     RoomKind
}

type RoomDescriptor struct {
	Name     string
	Topic    string
	Kind     RoomKind
	ParentID string
}

// RoomEdit carries the fields to change; nil fields are left untouched.
type RoomEdit struct {
	Name     *string
	Topic    *string
	ParentID *string
	Position *int
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

type Embed struct {
	Title       string
	Description string
	AuthorName  string
	AuthorIcon  string
	Color       int
	Image       string
	Fields      []EmbedField
	Timestamp   time.Time
}

// Field returns the value of the first field with the given name.
func (e *Embed) Field(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type Control struct {
	ID    string
	Label string
}

// OutgoingMessage is a message or message edit sent to Discord. On edits nil
// Embeds, Files or Controls leave the existing ones, empty slices remove them.
type OutgoingMessage struct {
	Content  string
	Embeds   []*Embed
	Files    []*File
	Controls []Control
	ReplyTo  string
}

type Attachment struct {
	URL         string
	FileName    string
	ContentType string
	Size        int
}

type RoomMessage struct {
	ID          string
	RoomID      string
	GuildID     string
	AuthorID    string
	AuthorBot   bool
	Content     string
	Attachments []*Attachment
	Embeds      []*Embed
}

// FirstEmbed returns the first embed of the message, or nil.
func (m *RoomMessage) FirstEmbed() *Embed {
	if m == nil || len(m.Embeds) == 0 {
		return nil
	}
	return m.Embeds[0]
}

type InteractionKind int

const (
	InteractionButton InteractionKind = iota
	InteractionCommand
)

type InteractionResponder interface {
	DeferUpdate(ctx context.Context) error
	DeferReply(ctx context.Context) error
	EditResponse(ctx context.Context, msg *OutgoingMessage) error
	Reply(ctx context.Context, text string) error
}

type Interaction struct {
	Kind      InteractionKind
	RoomID    string
	UserID    string
	ControlID string
	Message   *RoomMessage

	Command    string
	Subcommand string
	Options    map[string]string

	Respond InteractionResponder
}

type Reaction struct {
	RoomID    string
	MessageID string
	UserID    string
	UserBot   bool
	Emoji     string
}

type DestinationClient interface {
	FirstGuildID(ctx context.Context) (string, error)
	RegisterCommands(ctx context.Context, guildID string) error

	GetRoom(ctx context.Context, guildID, roomID string) (*Room, error)
	CreateRoom(ctx context.Context, guildID string, desc RoomDescriptor) (*Room, error)
	EditRoom(ctx context.Context, roomID string, edit RoomEdit) (*Room, error)

	SendMessage(ctx context.Context, roomID string, msg *OutgoingMessage) (*RoomMessage, error)
	DeleteMessage(ctx context.Context, roomID, messageID string) error
	AddReaction(ctx context.Context, roomID, messageID, emoji string) error
	DownloadAttachment(ctx context.Context, url string) ([]byte, error)

	OnRoomDelete(fn func(roomID string)) (unsubscribe func())
	OnRoomUpdate(fn func(*Room)) (unsubscribe func())
	OnMessageCreate(fn func(*RoomMessage)) (unsubscribe func())
	OnInteraction(fn func(*Interaction)) (unsubscribe func())
	OnTypingStart(fn func(roomID, userID string)) (unsubscribe func())
	OnReactionAdd(fn func(*Reaction)) (unsubscribe func())
}

// ============================================================================
// Media and audio collaborators
// ============================================================================

type MediaConverter interface {
	// Convert transcodes data of the given MIME type into outputFormat, a
	// file extension without the dot.
	Convert(ctx context.Context, data []byte, inputMime, outputFormat string, inputArgs, outputArgs []string) ([]byte, error)
	StickerToGIF(ctx context.Context, data []byte) ([]byte, error)
	// ConcatAudio appends the audio file at path to data, returning mp3 bytes.
	ConcatAudio(ctx context.Context, data []byte, path string) ([]byte, error)
}

type MapRenderer interface {
	RenderStaticMap(ctx context.Context, lat, lng float64, zoom int) ([]byte, error)
}

type AudioQueue interface {
	Enqueue(data []byte) string
	DequeueNext() ([]byte, bool)
	PeekNext() (id string, data []byte, ok bool)
	ReplaceNext(id string, data []byte) bool
	Count() int
	OnItemAdded(fn func(id string, data []byte)) (unsubscribe func())
}

type VoiceRecorder interface {
	WatchRoom(guildID, roomID string)
}
