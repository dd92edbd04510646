// w2d - A WhatsApp to Discord bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package discord implements the bridge's Discord side on top of discordgo.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/lrhodin/w2d/pkg/connector"
)

const (
	Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	maxAttachmentSize = 100 << 20
)

// Client is a connector.DestinationClient backed by a bot session.
type Client struct {
	session *discordgo.Session
	log     zerolog.Logger
}

var _ connector.DestinationClient = (*Client)(nil)

func New(token string, log zerolog.Logger) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.StateEnabled = true
	c := &Client{session: session, log: log}
	session.AddHandler(func(_ *discordgo.Session, evt *discordgo.Ready) {
		c.log.Info().
			Str("user", evt.User.Username).
			Int("guilds", len(evt.Guilds)).
			Msg("Connected to Discord")
	})
	return c, nil
}

func (c *Client) Session() *discordgo.Session {
	return c.session
}

func (c *Client) Open() error {
	return c.session.Open()
}

func (c *Client) Close() error {
	return c.session.Close()
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func (c *Client) FirstGuildID(ctx context.Context) (string, error) {
	if c.session.State != nil && len(c.session.State.Guilds) > 0 {
		return c.session.State.Guilds[0].ID, nil
	}
	guilds, err := c.session.UserGuilds(1, "", "", false, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	} else if len(guilds) == 0 {
		return "", connector.ErrNoGuild
	}
	return guilds[0].ID, nil
}

func (c *Client) RegisterCommands(ctx context.Context, guildID string) error {
	if c.session.State == nil || c.session.State.User == nil {
		return errors.New("session is not ready")
	}
	cmds, err := c.session.ApplicationCommandBulkOverwrite(c.session.State.User.ID, guildID, Commands(), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}
	c.log.Debug().Int("count", len(cmds)).Str("guild_id", guildID).Msg("Registered slash commands")
	return nil
}

// ============================================================================
// Rooms
// ============================================================================

func (c *Client) GetRoom(ctx context.Context, guildID, roomID string) (*connector.Room, error) {
	if roomID == "" {
		return nil, connector.ErrRoomNotFound
	}
	ch, err := c.session.Channel(roomID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil, connector.ErrRoomNotFound
	} else if err != nil {
		return nil, err
	} else if ch.GuildID != guildID {
		return nil, connector.ErrRoomNotFound
	}
	return toRoom(ch), nil
}

func (c *Client) CreateRoom(ctx context.Context, guildID string, desc connector.RoomDescriptor) (*connector.Room, error) {
	data := discordgo.GuildChannelCreateData{
		Name:     desc.Name,
		Type:     channelType(desc.Kind),
		ParentID: desc.ParentID,
	}
	if desc.Kind == connector.RoomText {
		data.Topic = desc.Topic
	}
	ch, err := c.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s room %q: %w", desc.Kind, desc.Name, err)
	}
	return toRoom(ch), nil
}

// channelEditTopic is discordgo.ChannelEdit for edits that clear the topic,
// which ChannelEdit drops as an empty value.
type channelEditTopic struct {
	Name     string `json:"name,omitempty"`
	Topic    string `json:"topic"`
	Position *int   `json:"position,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

func (c *Client) EditRoom(ctx context.Context, roomID string, edit connector.RoomEdit) (*connector.Room, error) {
	data := &discordgo.ChannelEdit{Position: edit.Position}
	if edit.Name != nil {
		data.Name = *edit.Name
	}
	if edit.Topic != nil {
		data.Topic = *edit.Topic
	}
	if edit.ParentID != nil {
		data.ParentID = *edit.ParentID
	}
	var ch *discordgo.Channel
	var err error
	if edit.Topic != nil && *edit.Topic == "" {
		ch, err = c.editClearingTopic(ctx, roomID, data)
	} else {
		ch, err = c.session.ChannelEdit(roomID, data, discordgo.WithContext(ctx))
	}
	if isNotFound(err) {
		return nil, connector.ErrRoomNotFound
	} else if err != nil {
		return nil, err
	}
	return toRoom(ch), nil
}

func (c *Client) editClearingTopic(ctx context.Context, roomID string, data *discordgo.ChannelEdit) (*discordgo.Channel, error) {
	endpoint := discordgo.EndpointChannel(roomID)
	body, err := c.session.RequestWithBucketID(http.MethodPatch, endpoint, &channelEditTopic{
		Name:     data.Name,
		Position: data.Position,
		ParentID: data.ParentID,
	}, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var ch discordgo.Channel
	if err = json.Unmarshal(body, &ch); err != nil {
		return nil, fmt.Errorf("failed to decode edited channel: %w", err)
	}
	return &ch, nil
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) SendMessage(ctx context.Context, roomID string, msg *connector.OutgoingMessage) (*connector.RoomMessage, error) {
	sent, err := c.session.ChannelMessageSendComplex(roomID, toMessageSend(roomID, msg), discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil, connector.ErrRoomNotFound
	} else if err != nil {
		return nil, err
	}
	return toRoomMessage(sent), nil
}

func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return c.session.ChannelMessageDelete(roomID, messageID, discordgo.WithContext(ctx))
}

func (c *Client) AddReaction(ctx context.Context, roomID, messageID, emoji string) error {
	return c.session.MessageReactionAdd(roomID, messageID, emoji, discordgo.WithContext(ctx))
}

func (c *Client) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.session.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d downloading attachment", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize))
}

// ============================================================================
// Events
// ============================================================================

func (c *Client) OnRoomDelete(fn func(roomID string)) func() {
	return c.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.ChannelDelete) {
		fn(evt.ID)
	})
}

func (c *Client) OnRoomUpdate(fn func(*connector.Room)) func() {
	return c.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.ChannelUpdate) {
		fn(toRoom(evt.Channel))
	})
}

func (c *Client) OnMessageCreate(fn func(*connector.RoomMessage)) func() {
	return c.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.MessageCreate) {
		fn(toRoomMessage(evt.Message))
	})
}

func (c *Client) OnInteraction(fn func(*connector.Interaction)) func() {
	return c.session.AddHandler(func(s *discordgo.Session, evt *discordgo.InteractionCreate) {
		if it := toInteraction(s, evt.Interaction); it != nil {
			fn(it)
		}
	})
}

func (c *Client) OnTypingStart(fn func(roomID, userID string)) func() {
	return c.session.AddHandler(func(s *discordgo.Session, evt *discordgo.TypingStart) {
		if s.State.User != nil && evt.UserID == s.State.User.ID {
			return
		}
		fn(evt.ChannelID, evt.UserID)
	})
}

func (c *Client) OnReactionAdd(fn func(*connector.Reaction)) func() {
	return c.session.AddHandler(func(s *discordgo.Session, evt *discordgo.MessageReactionAdd) {
		isBot := s.State.User != nil && evt.UserID == s.State.User.ID
		if evt.Member != nil && evt.Member.User != nil {
			isBot = isBot || evt.Member.User.Bot
		}
		fn(&connector.Reaction{
			RoomID:    evt.ChannelID,
			MessageID: evt.MessageID,
			UserID:    evt.UserID,
			UserBot:   isBot,
			Emoji:     evt.Emoji.APIName(),
		})
	})
}
