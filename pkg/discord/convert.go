package discord

import (
	"bytes"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lrhodin/w2d/pkg/connector"
)

func channelType(kind connector.RoomKind) discordgo.ChannelType {
	switch kind {
	case connector.RoomVoice:
		return discordgo.ChannelTypeGuildVoice
	case connector.RoomCategory:
		return discordgo.ChannelTypeGuildCategory
	default:
		return discordgo.ChannelTypeGuildText
	}
}

func roomKind(typ discordgo.ChannelType) connector.RoomKind {
	switch typ {
	case discordgo.ChannelTypeGuildVoice:
		return connector.RoomVoice
	case discordgo.ChannelTypeGuildCategory:
		return connector.RoomCategory
	default:
		return connector.RoomText
	}
}

func toRoom(ch *discordgo.Channel) *connector.Room {
	if ch == nil {
		return nil
	}
	return &connector.Room{
		ID:       ch.ID,
		GuildID:  ch.GuildID,
		Name:     ch.Name,
		Topic:    ch.Topic,
		ParentID: ch.ParentID,
		Position: ch.Position,
		Kind:     roomKind(ch.Type),
	}
}

func toEmbed(e *discordgo.MessageEmbed) *connector.Embed {
	out := &connector.Embed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.Author != nil {
		out.AuthorName = e.Author.Name
		out.AuthorIcon = e.Author.IconURL
	}
	if e.Image != nil {
		out.Image = e.Image.URL
	}
	if e.Timestamp != "" {
		out.Timestamp, _ = time.Parse(time.RFC3339, e.Timestamp)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, connector.EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func fromEmbed(e *connector.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.AuthorName != "" || e.AuthorIcon != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, IconURL: e.AuthorIcon}
	}
	if e.Image != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.Image}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func fromEmbeds(embeds []*connector.Embed) []*discordgo.MessageEmbed {
	if embeds == nil {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, e := range embeds {
		out = append(out, fromEmbed(e))
	}
	return out
}

func fromFiles(files []*connector.File) []*discordgo.File {
	out := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		out = append(out, &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: bytes.NewReader(f.Data)})
	}
	return out
}

// fromControls lays controls out as buttons, five per row.
func fromControls(controls []connector.Control) []discordgo.MessageComponent {
	if controls == nil {
		return nil
	}
	rows := make([]discordgo.MessageComponent, 0, (len(controls)+4)/5)
	var row discordgo.ActionsRow
	for _, ctrl := range controls {
		row.Components = append(row.Components, discordgo.Button{
			Label:    ctrl.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: ctrl.ID,
		})
		if len(row.Components) == 5 {
			rows = append(rows, row)
			row = discordgo.ActionsRow{}
		}
	}
	if len(row.Components) > 0 {
		rows = append(rows, row)
	}
	return rows
}

func toRoomMessage(m *discordgo.Message) *connector.RoomMessage {
	if m == nil {
		return nil
	}
	out := &connector.RoomMessage{
		ID:      m.ID,
		RoomID:  m.ChannelID,
		GuildID: m.GuildID,
		Content: m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorBot = m.Author.Bot
	}
	for _, att := range m.Attachments {
		out.Attachments = append(out.Attachments, &connector.Attachment{
			URL:         att.URL,
			FileName:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	for _, e := range m.Embeds {
		out.Embeds = append(out.Embeds, toEmbed(e))
	}
	return out
}

func toMessageSend(roomID string, msg *connector.OutgoingMessage) *discordgo.MessageSend {
	send := &discordgo.MessageSend{
		Content:    msg.Content,
		Embeds:     fromEmbeds(msg.Embeds),
		Files:      fromFiles(msg.Files),
		Components: fromControls(msg.Controls),
	}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: roomID}
	}
	return send
}

// toWebhookEdit maps an edit onto an interaction response edit. Nil slices
// leave the current value, empty ones clear it. New files replace all
// existing attachments.
func toWebhookEdit(msg *connector.OutgoingMessage) *discordgo.WebhookEdit {
	edit := &discordgo.WebhookEdit{}
	if msg.Content != "" {
		edit.Content = &msg.Content
	}
	if msg.Embeds != nil {
		embeds := fromEmbeds(msg.Embeds)
		edit.Embeds = &embeds
	}
	if msg.Controls != nil {
		components := fromControls(msg.Controls)
		edit.Components = &components
	}
	if msg.Files != nil {
		edit.Files = fromFiles(msg.Files)
		edit.Attachments = &[]*discordgo.MessageAttachment{}
	}
	return edit
}

// optionValues flattens command options, descending into subcommands.
func optionValues(opts []*discordgo.ApplicationCommandInteractionDataOption) (subcommand string, values map[string]string) {
	values = make(map[string]string)
	for _, opt := range opts {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionSubCommand, discordgo.ApplicationCommandOptionSubCommandGroup:
			subcommand = opt.Name
			_, nested := optionValues(opt.Options)
			for k, v := range nested {
				values[k] = v
			}
		default:
			values[opt.Name] = optionString(opt)
		}
	}
	return subcommand, values
}

func optionString(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	switch opt.Type {
	case discordgo.ApplicationCommandOptionInteger:
		return strconv.FormatInt(opt.IntValue(), 10)
	case discordgo.ApplicationCommandOptionBoolean:
		if opt.BoolValue() {
			return "true"
		}
		return "false"
	default:
		return opt.StringValue()
	}
}
