// w2d - A WhatsApp to Discord bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package whatsapp implements the bridge's WhatsApp side on top of whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/lrhodin/w2d/pkg/connector"
	"github.com/lrhodin/w2d/pkg/media"
)

const maxFetchSize = 100 << 20

type presence struct {
	chatID string
	typing bool
}

// Client is a connector.SourceClient backed by a whatsmeow session.
type Client struct {
	wa        *whatsmeow.Client
	container *sqlstore.Container
	archive   *archive
	contacts  *contactResolver
	log       zerolog.Logger

	// Fetch downloads attachments referenced by URL before they are
	// uploaded to WhatsApp.
	Fetch func(ctx context.Context, url string) ([]byte, error)

	messages  listeners[*connector.Message]
	presences listeners[presence]
	qrCodes   listeners[string]

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

var _ connector.SourceClient = (*Client)(nil)

// New opens the session database at dbPath. The same file also holds the
// message archive.
func New(ctx context.Context, dbPath string, log zerolog.Logger) (*Client, error) {
	waLogger := newLogger(log.With().Str("component", "whatsmeow").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath), waLogger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}
	arch, err := openArchive(ctx, dbPath)
	if err != nil {
		_ = container.Close()
		return nil, err
	}
	wa := whatsmeow.NewClient(device, waLogger.Sub("Client"))
	c := &Client{
		wa:        wa,
		container: container,
		archive:   arch,
		contacts:  newContactResolver(wa, log),
		log:       log,
	}
	c.Fetch = c.httpFetch
	c.bgCtx, c.bgCancel = context.WithCancel(log.WithContext(context.Background()))
	wa.AddEventHandler(c.handleEvent)
	return c, nil
}

// Connect starts the session. When the device is not paired yet, QR codes
// are emitted to OnQRCode listeners until a phone scans one.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.Store.ID != nil {
		return c.wa.Connect()
	}
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err = c.wa.Connect(); err != nil {
		return err
	}
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		for item := range qrChan {
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				c.log.Info().Msg("New login QR code received")
				c.qrCodes.emit(item.Code)
			case whatsmeow.QRChannelSuccess.Event:
				c.log.Info().Msg("Logged in to WhatsApp")
			default:
				c.log.Warn().Str("event", item.Event).AnErr("error", item.Error).Msg("QR login ended without success")
			}
		}
	}()
	return nil
}

func (c *Client) IsLoggedIn() bool {
	return c.wa.Store.ID != nil
}

func (c *Client) Close() error {
	c.wa.Disconnect()
	c.bgCancel()
	c.bgWG.Wait()
	c.contacts.Close()
	return errors.Join(c.archive.Close(), c.container.Close())
}

// ============================================================================
// Event handling
// ============================================================================

func (c *Client) handleEvent(rawEvt any) {
	ctx := c.bgCtx
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.handleMessage(ctx, evt)
	case *events.HistorySync:
		c.handleHistorySync(ctx, evt)
	case *events.GroupInfo:
		c.handleGroupInfo(ctx, evt)
	case *events.ChatPresence:
		if evt.IsFromMe {
			return
		}
		c.presences.emit(presence{
			chatID: chatKey(evt.Chat),
			typing: evt.State == types.ChatPresenceComposing,
		})
	case *events.PushName:
		c.contacts.Invalidate(evt.JID)
	case *events.Connected:
		c.log.Info().Msg("Connected to WhatsApp")
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			c.refreshGroups(ctx)
		}()
	case *events.LoggedOut:
		c.log.Error().Stringer("reason", evt.Reason).Msg("Logged out from WhatsApp, restart the bridge to pair again")
	case *events.StreamReplaced:
		c.log.Warn().Msg("WhatsApp session was opened elsewhere")
	}
}

// chatKey normalizes a chat JID to the id the bridge persists.
func chatKey(jid types.JID) string {
	return jid.ToNonAD().String()
}

func (c *Client) meta(ctx context.Context, info *types.MessageInfo) messageMeta {
	return messageMeta{
		ID:        info.ID,
		ChatID:    chatKey(info.Chat),
		Timestamp: info.Timestamp,
		FromMe:    info.IsFromMe,
		Sender:    c.contacts.Resolve(ctx, info.Sender, info.PushName),
	}
}

func (c *Client) archiveMessages(ctx context.Context, evts ...*events.Message) {
	rows := make([]messageRow, 0, len(evts))
	for _, evt := range evts {
		raw, err := encodeMessage(evt.Message)
		if err != nil {
			c.log.Warn().Err(err).Str("message_id", evt.Info.ID).Msg("Failed to encode message for archive")
			continue
		}
		rows = append(rows, messageRow{
			ID:          evt.Info.ID,
			ChatID:      chatKey(evt.Info.Chat),
			TimestampMS: evt.Info.Timestamp.UnixMilli(),
			FromMe:      evt.Info.IsFromMe,
			Sender:      evt.Info.Sender.ToNonAD().String(),
			PushName:    evt.Info.PushName,
			Raw:         raw,
		})
	}
	if err := c.archive.upsertMessageBatch(ctx, rows); err != nil {
		c.log.Err(err).Int("count", len(rows)).Msg("Failed to archive messages")
	}
}

func (c *Client) handleMessage(ctx context.Context, evt *events.Message) {
	log := c.log.With().Str("message_id", evt.Info.ID).Stringer("chat", evt.Info.Chat).Logger()
	if evt.Info.Chat.Server == types.BroadcastServer {
		log.Debug().Msg("Ignoring broadcast message")
		return
	}
	c.archiveMessages(ctx, evt)
	err := c.archive.upsertChat(ctx, chatRow{
		ChatID:        chatKey(evt.Info.Chat),
		IsGroup:       evt.Info.IsGroup,
		Name:          c.directChatName(evt),
		LastMessageTS: evt.Info.Timestamp.UnixMilli(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to update archived chat")
	}
	msg := toMessage(c.meta(ctx, &evt.Info), evt.Message)
	if msg == nil {
		log.Trace().Msg("Ignoring message without content")
		return
	}
	c.messages.emit(msg)
}

// directChatName names a 1:1 chat after the other party's push name, but
// only from their own messages.
func (c *Client) directChatName(evt *events.Message) string {
	if evt.Info.IsGroup || evt.Info.IsFromMe {
		return ""
	}
	return evt.Info.PushName
}

func (c *Client) handleHistorySync(ctx context.Context, evt *events.HistorySync) {
	convs := evt.Data.GetConversations()
	c.log.Info().Int("conversations", len(convs)).Stringer("type", evt.Data.GetSyncType()).Msg("Received history sync")
	for _, conv := range convs {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			c.log.Warn().Err(err).Str("chat", conv.GetID()).Msg("Failed to parse history sync chat JID")
			continue
		}
		if chatJID.Server == types.BroadcastServer {
			continue
		}
		parsed := make([]*events.Message, 0, len(conv.GetMessages()))
		for _, histMsg := range conv.GetMessages() {
			evt, err := c.wa.ParseWebMessage(chatJID, histMsg.GetMessage())
			if err != nil {
				c.log.Debug().Err(err).Str("chat", conv.GetID()).Msg("Failed to parse history sync message")
				continue
			}
			parsed = append(parsed, evt)
		}
		c.archiveMessages(ctx, parsed...)
		err = c.archive.upsertChat(ctx, chatRow{
			ChatID:        chatKey(chatJID),
			Name:          conv.GetName(),
			IsGroup:       chatJID.Server == types.GroupServer,
			LastMessageTS: time.Unix(int64(conv.GetConversationTimestamp()), 0).UnixMilli(),
		})
		if err != nil {
			c.log.Warn().Err(err).Str("chat", conv.GetID()).Msg("Failed to archive history sync chat")
		}
	}
}

func (c *Client) handleGroupInfo(ctx context.Context, evt *events.GroupInfo) {
	meta := messageMeta{
		ChatID:    chatKey(evt.JID),
		Timestamp: evt.Timestamp,
	}
	if evt.Sender != nil {
		meta.Sender = c.contacts.Resolve(ctx, *evt.Sender, "")
		meta.FromMe = c.wa.Store.ID != nil && evt.Sender.User == c.wa.Store.ID.User
	}
	if evt.Name != nil {
		meta.ID = fmt.Sprintf("gp2-subject-%s-%d", evt.JID.User, evt.Timestamp.Unix())
		if err := c.archive.upsertChat(ctx, chatRow{ChatID: meta.ChatID, Name: evt.Name.Name, IsGroup: true}); err != nil {
			c.log.Warn().Err(err).Str("chat", meta.ChatID).Msg("Failed to update archived chat subject")
		}
		c.messages.emit(groupNotification(meta, connector.GroupNotificationSubject, evt.Name.Name))
	}
	if evt.Topic != nil {
		meta.ID = fmt.Sprintf("gp2-description-%s-%d", evt.JID.User, evt.Timestamp.Unix())
		if err := c.archive.upsertChat(ctx, chatRow{ChatID: meta.ChatID, Topic: evt.Topic.Topic, IsGroup: true}); err != nil {
			c.log.Warn().Err(err).Str("chat", meta.ChatID).Msg("Failed to update archived chat description")
		}
		c.messages.emit(groupNotification(meta, connector.GroupNotificationDescription, evt.Topic.Topic))
	}
}

func (c *Client) refreshGroups(ctx context.Context) {
	groups, err := c.wa.GetJoinedGroups(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch joined groups")
		return
	}
	for _, group := range groups {
		err = c.archive.upsertChat(ctx, chatRow{
			ChatID:  chatKey(group.JID),
			Name:    group.GroupName.Name,
			Topic:   group.GroupTopic.Topic,
			IsGroup: true,
		})
		if err != nil {
			c.log.Warn().Err(err).Stringer("jid", group.JID).Msg("Failed to archive group info")
		}
	}
	c.log.Debug().Int("groups", len(groups)).Msg("Refreshed joined groups")
}

// ============================================================================
// SourceClient
// ============================================================================

func (c *Client) OnMessage(fn func(*connector.Message)) func() {
	return c.messages.add(fn)
}

func (c *Client) OnChatPresence(fn func(chatID string, typing bool)) func() {
	return c.presences.add(func(p presence) { fn(p.chatID, p.typing) })
}

func (c *Client) OnQRCode(fn func(code string)) func() {
	return c.qrCodes.add(fn)
}

func rowToChat(row *chatRow) *connector.Chat {
	chat := &connector.Chat{
		ID:      row.ChatID,
		Name:    row.Name,
		Topic:   row.Topic,
		IsGroup: row.IsGroup,
	}
	if row.LastMessageTS > 0 {
		chat.LastMessageAt = time.UnixMilli(row.LastMessageTS)
	}
	return chat
}

func (c *Client) GetAllChats(ctx context.Context) ([]*connector.Chat, error) {
	rows, err := c.archive.listChats(ctx)
	if err != nil {
		return nil, err
	}
	chats := make([]*connector.Chat, 0, len(rows))
	for _, row := range rows {
		chat := rowToChat(row)
		if chat.Name == "" && !chat.IsGroup {
			chat.Name = c.userChatName(ctx, row.ChatID)
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (c *Client) userChatName(ctx context.Context, chatID string) string {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return chatID
	}
	contact := c.contacts.Resolve(ctx, jid, "")
	for _, name := range []string{contact.FullName, contact.PushName, contact.BusinessName, contact.Phone} {
		if name != "" {
			return name
		}
	}
	return jid.User
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*connector.Chat, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil || jid.User == "" {
		return nil, connector.ErrChatNotFound
	}
	row, err := c.archive.getChat(ctx, chatKey(jid))
	if err != nil {
		return nil, err
	}
	if row != nil {
		chat := rowToChat(row)
		if chat.Name == "" && !chat.IsGroup {
			chat.Name = c.userChatName(ctx, row.ChatID)
		}
		return chat, nil
	}
	switch jid.Server {
	case types.GroupServer:
		info, err := c.wa.GetGroupInfo(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", connector.ErrChatNotFound, err)
		}
		chat := &connector.Chat{ID: chatKey(jid), Name: info.Name, Topic: info.Topic, IsGroup: true}
		if err = c.archive.upsertChat(ctx, chatRow{ChatID: chat.ID, Name: chat.Name, Topic: chat.Topic, IsGroup: true}); err != nil {
			c.log.Warn().Err(err).Str("chat", chat.ID).Msg("Failed to update archived chat")
		}
		return chat, nil
	case types.DefaultUserServer:
		info, err := c.wa.Store.Contacts.GetContact(ctx, jid)
		if err != nil {
			return nil, err
		} else if !info.Found {
			return nil, connector.ErrChatNotFound
		}
		return &connector.Chat{ID: chatKey(jid), Name: c.userChatName(ctx, chatKey(jid))}, nil
	default:
		return nil, connector.ErrChatNotFound
	}
}

func (c *Client) toMessage(ctx context.Context, row *messageRow) (*connector.Message, error) {
	raw, err := row.decode()
	if err != nil {
		return nil, err
	}
	meta := messageMeta{
		ID:        row.ID,
		ChatID:    row.ChatID,
		Timestamp: time.UnixMilli(row.TimestampMS),
		FromMe:    row.FromMe,
	}
	if sender, err := types.ParseJID(row.Sender); err == nil && !sender.IsEmpty() {
		meta.Sender = c.contacts.Resolve(ctx, sender, row.PushName)
	}
	return toMessage(meta, raw), nil
}

func (c *Client) GetMessage(ctx context.Context, messageID string) (*connector.Message, error) {
	row, err := c.archive.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	} else if row == nil {
		return nil, connector.ErrMessageNotFound
	}
	msg, err := c.toMessage(ctx, row)
	if err != nil {
		return nil, err
	} else if msg == nil {
		return nil, connector.ErrMessageNotFound
	}
	return msg, nil
}

func (c *Client) GetLastMessageTimestamp(ctx context.Context, chatID string) (time.Time, bool, error) {
	ts, ok, err := c.archive.lastMessageTS(ctx, chatID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ts), true, nil
}

func (c *Client) GetMessagesAfter(ctx context.Context, chatID string, after time.Time) ([]*connector.Message, error) {
	rows, err := c.archive.listForwardMessages(ctx, chatID, after.UnixMilli())
	if err != nil {
		return nil, err
	}
	out := make([]*connector.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := c.toMessage(ctx, row)
		if err != nil {
			c.log.Warn().Err(err).Str("message_id", row.ID).Msg("Skipping undecodable archived message")
			continue
		} else if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg *connector.Message) ([]byte, error) {
	row, err := c.archive.getMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	} else if row == nil {
		return nil, connector.ErrMessageNotFound
	}
	raw, err := row.decode()
	if err != nil {
		return nil, err
	}
	part := downloadable(raw)
	if part == nil {
		return nil, fmt.Errorf("message %s has no media", msg.ID)
	}
	return c.wa.Download(ctx, part)
}

func (c *Client) SetTyping(ctx context.Context, chatID string, typing bool) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return c.wa.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (c *Client) httpFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching attachment", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
}

func (c *Client) SendMessage(ctx context.Context, chatID string, payload *connector.SendPayload) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", connector.ErrChatNotFound, err)
	}
	msg, err := c.buildMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	resp, err := c.wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send %s message: %w", payload.Kind, err)
	}
	echo := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, IsFromMe: true, Sender: c.ownJID(), IsGroup: jid.Server == types.GroupServer},
			ID:            resp.ID,
			Timestamp:     resp.Timestamp,
		},
		Message: msg,
	}
	// whatsmeow doesn't deliver our own sends back as events, but the room
	// shows sent messages through the same path as received ones.
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		c.handleMessage(c.bgCtx, echo)
	}()
	return resp.ID, nil
}

func (c *Client) ownJID() types.JID {
	if c.wa.Store.ID == nil {
		return types.EmptyJID
	}
	return c.wa.Store.ID.ToNonAD()
}

func (c *Client) upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	resp, err := c.wa.Upload(ctx, data, mediaType)
	if err != nil {
		return resp, fmt.Errorf("failed to upload %s: %w", mediaType, err)
	}
	return resp, nil
}

func (c *Client) payloadData(ctx context.Context, payload *connector.SendPayload) ([]byte, error) {
	if payload.Data != nil {
		return payload.Data, nil
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("%s payload has neither data nor url", payload.Kind)
	}
	return c.Fetch(ctx, payload.URL)
}

func mimeOrSniff(mimeType string, data []byte) string {
	if mimeType != "" {
		return mimeType
	}
	return media.Detect(data)
}

func (c *Client) buildMessage(ctx context.Context, payload *connector.SendPayload) (*waE2E.Message, error) {
	if payload.Kind == connector.SendText {
		return &waE2E.Message{Conversation: proto.String(payload.Text)}, nil
	}
	data, err := c.payloadData(ctx, payload)
	if err != nil {
		return nil, err
	}
	mimeType := mimeOrSniff(payload.MimeType, data)
	switch payload.Kind {
	case connector.SendImage:
		up, err := c.upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optionalString(payload.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case connector.SendVoice, connector.SendAudio:
		up, err := c.upload(ctx, data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, err
		}
		isVoice := payload.Kind == connector.SendVoice
		if isVoice && !strings.HasPrefix(mimeType, "audio/ogg") {
			c.log.Warn().Str("mime", mimeType).Msg("Voice note is not ogg/opus, WhatsApp may not play it")
		}
		if strings.HasPrefix(mimeType, "audio/ogg") {
			mimeType = "audio/ogg; codecs=opus"
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(isVoice),
		}}, nil
	case connector.SendFile, connector.SendFileURL:
		up, err := c.upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, err
		}
		fileName := payload.FileName
		if fileName == "" {
			fileName = "file" + media.Extension(mimeType)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optionalString(payload.Caption),
			FileName:      proto.String(fileName),
			Title:         proto.String(fileName),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported send kind %q", payload.Kind)
	}
}

func optionalString(val string) *string {
	if val == "" {
		return nil
	}
	return proto.String(val)
}
