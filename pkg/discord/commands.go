// w2d - A WhatsApp to Discord bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package discord

import (
	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/w2d/pkg/connector"
)

// Commands returns the guild slash commands the bridge understands. Which
// room a command is used in decides who handles it: /chat in the commands
// room, /voice and /birthday in chat rooms.
func Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		cmdChat,
		cmdVoice,
		cmdBirthday,
	}
}

// cmdChat lists WhatsApp chats and loads one into its own room.
//
//	/chat list [page]
//	/chat load <chat_id>
var cmdChat = &discordgo.ApplicationCommand{
	Name:        connector.CommandChat,
	Description: "Manage bridged WhatsApp chats",
	Options: []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "list",
		Description: "List all WhatsApp chats",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "page",
			Description: "Page number, starting at 0",
			MinValue:    ptr.Ptr(0.0),
		}},
	}, {
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "load",
		Description: "Create a room for a WhatsApp chat",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "chat_id",
			Description: "The WhatsApp chat id, as shown by /chat list",
			Required:    true,
		}},
	}},
}

// cmdVoice sends the oldest recorded clip as a voice note to the chat of the
// room it is used in.
var cmdVoice = &discordgo.ApplicationCommand{
	Name:        connector.CommandVoice,
	Description: "Send the next recorded audio as a voice note",
}

// cmdBirthday manages yearly reminders sent to the chat of the room.
//
//	/birthday set <name> <date> [message]
//	/birthday delete <name>
//	/birthday list
var cmdBirthday = &discordgo.ApplicationCommand{
	Name:        connector.CommandBirthday,
	Description: "Manage birthday reminders for this chat",
	Options: []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "set",
		Description: "Add or replace a birthday reminder",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: "Whose birthday it is",
			Required:    true,
		}, {
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "date",
			Description: "Day and month, as DD/MM",
			Required:    true,
		}, {
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "message",
			Description: "Message to send on the day",
		}},
	}, {
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "delete",
		Description: "Remove a birthday reminder",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: "Whose birthday it is",
			Required:    true,
		}},
	}, {
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "list",
		Description: "List birthday reminders for this chat",
	}},
}
