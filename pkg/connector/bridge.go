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
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/w2d/pkg/reminder"
)

// Deps are the platform and media collaborators the bridge drives.
type Deps struct {
	Source      SourceClient
	Destination DestinationClient
	Media       MediaConverter
	Maps        MapRenderer
	Audio       AudioQueue
	Voice       VoiceRecorder
}

// StateStore persists the whole state blob.
type StateStore interface {
	Save(v any) error
}

// Bridge wires the chat registry and the control rooms to the collaborators
// and keeps the state blob persisted.
type Bridge struct {
	Deps
	Config  *Config
	State   *State
	Store   StateStore
	Log     zerolog.Logger
	GuildID string

	Reminders   *reminder.Service
	Registry    *Registry
	QR          *QRRoom
	Commands    *CommandsRoom
	AudioRoom   *AudioRoom
	AudioEditor *AudioEditorRoom

	baseCtx    context.Context
	cancel     context.CancelFunc
	saveSignal chan struct{}
	saveWG     sync.WaitGroup
	nowFunc    func() time.Time
}

func NewBridge(cfg *Config, state *State, store StateStore, deps Deps, log zerolog.Logger) *Bridge {
	if state == nil {
		state = NewState()
	}
	state.Normalize()
	br := &Bridge{
		Deps:       deps,
		Config:     cfg,
		State:      state,
		Store:      store,
		Log:        log,
		GuildID:    state.GuildID,
		saveSignal: make(chan struct{}, 1),
		nowFunc:    time.Now,
	}
	br.baseCtx, br.cancel = context.WithCancel(log.WithContext(context.Background()))
	br.Reminders = reminder.NewService(state.Reminders, br.sendReminder, cfg.Reminders.Location(), cfg.Reminders.CheckInterval, log.With().Str("component", "reminders").Logger())
	br.Reminders.OnChange(br.DataChanged)
	return br
}

func (br *Bridge) ctx() context.Context {
	return br.baseCtx
}

func (br *Bridge) now() time.Time {
	return br.nowFunc()
}

// Start resolves the guild, binds the control rooms and every chat room,
// and starts the background loops. It fails only when there is no guild
// to bridge into.
func (br *Bridge) Start(ctx context.Context) error {
	if err := br.resolveGuild(ctx); err != nil {
		return err
	}
	br.Registry = newRegistry(br)
	br.QR = newQRRoom(br)
	br.Commands = newCommandsRoom(br)
	br.AudioRoom = newAudioRoom(br)
	br.AudioEditor = newAudioEditorRoom(br)

	br.saveWG.Add(1)
	go br.saveLoop()

	if err := br.Destination.RegisterCommands(ctx, br.GuildID); err != nil {
		br.Log.Err(err).Msg("Failed to register slash commands")
	}
	for name, setup := range map[string]func(context.Context) bool{
		"qr":           br.QR.Setup,
		"commands":     br.Commands.Setup,
		"audio":        br.AudioRoom.Setup,
		"audio_editor": br.AudioEditor.Setup,
	} {
		if !setup(ctx) {
			br.Log.Warn().Str("room", name).Msg("Control room is unavailable")
		}
	}
	br.Registry.Setup(ctx)
	br.Reminders.Start(br.baseCtx)
	br.Log.Info().Str("guild_id", br.GuildID).Msg("Bridge started")
	return nil
}

func (br *Bridge) resolveGuild(ctx context.Context) error {
	switch {
	case br.Config.Discord.GuildID != "":
		br.GuildID = br.Config.Discord.GuildID
	case br.GuildID != "":
	default:
		guildID, err := br.Destination.FirstGuildID(ctx)
		if errors.Is(err, ErrNoGuild) || (err == nil && guildID == "") {
			return ErrNoGuild
		} else if err != nil {
			return fmt.Errorf("failed to find a server: %w", err)
		}
		br.GuildID = guildID
	}
	if br.State.GuildID != br.GuildID {
		br.State.GuildID = br.GuildID
		br.DataChanged()
	}
	return nil
}

// Stop closes every room, stops the background loops and writes the state
// one last time.
func (br *Bridge) Stop() {
	if br.Registry != nil {
		br.Registry.Close()
	}
	if br.QR != nil {
		br.QR.Close()
	}
	if br.Commands != nil {
		br.Commands.Close()
	}
	if br.AudioRoom != nil {
		br.AudioRoom.Close()
	}
	if br.AudioEditor != nil {
		br.AudioEditor.Close()
	}
	br.cancel()
	br.saveWG.Wait()
	if err := br.Save(); err != nil {
		br.Log.Err(err).Msg("Failed to save state on shutdown")
	}
}

// ============================================================================
// State persistence
// ============================================================================

// DataChanged schedules a write of the state blob. Bursts of changes are
// coalesced into one write.
func (br *Bridge) DataChanged() {
	select {
	case br.saveSignal <- struct{}{}:
	default:
	}
}

func (br *Bridge) Save() error {
	if br.Store == nil {
		return nil
	}
	err := br.Store.Save(br.State)
	if err != nil {
		stateSaves.WithLabelValues(statusFailed).Inc()
		return err
	}
	stateSaves.WithLabelValues(statusOK).Inc()
	return nil
}

func (br *Bridge) saveLoop() {
	defer br.saveWG.Done()
	for {
		select {
		case <-br.saveSignal:
			if err := br.Save(); err != nil {
				br.Log.Err(err).Msg("Failed to persist state")
			}
		case <-br.baseCtx.Done():
			return
		}
	}
}

// ============================================================================
// Helpers shared by the portals
// ============================================================================

func (br *Bridge) resolveSender(ctx context.Context, msg *Message) (string, string) {
	sender := msg.Sender
	name := br.Config.Bridge.FormatDisplayname(DisplaynameParams{
		PushName:     sender.PushName,
		FullName:     sender.FullName,
		FirstName:    sender.FirstName,
		BusinessName: sender.BusinessName,
		Phone:        sender.Phone,
		ID:           sender.ID,
	})
	return name, sender.AvatarURL
}

func (br *Bridge) sendReminder(ctx context.Context, chatID, text string) error {
	_, err := br.Source.SendMessage(ctx, chatID, &SendPayload{Kind: SendText, Text: text})
	return err
}
