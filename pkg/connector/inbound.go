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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"
)

const (
	DefaultFileSizeLimit = 8_000_000

	ColorSent     = 0x57F287
	ColorReceived = 0x95A5A6

	fileNameTimeLayout = "15_04__02_01_2006"
)

// InboundResult is the rendering of one WhatsApp message. Rename and Retopic
// are set when the message asks for the room metadata to change.
type InboundResult struct {
	Message  *OutgoingMessage
	SourceID string
	Rename   *string
	Retopic  *string
}

// InboundTranslator renders WhatsApp messages as Discord messages. Large
// media (documents, videos, animated stickers) is not downloaded; a button
// is attached instead and the interaction resolver loads it on demand.
type InboundTranslator struct {
	Source SourceClient
	Media  MediaConverter

	// ResolveSender returns the display name and avatar for a message's author.
	ResolveSender func(ctx context.Context, msg *Message) (name, avatarURL string)
	// LookupDestinationID maps a quoted WhatsApp message to its Discord mirror.
	LookupDestinationID func(sourceID string) (string, bool)

	FileSizeLimit int64
	Now           func() time.Time
}

func (t *InboundTranslator) fileSizeLimit() int64 {
	if t.FileSizeLimit > 0 {
		return t.FileSizeLimit
	}
	return DefaultFileSizeLimit
}

func (t *InboundTranslator) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// header builds the sender embed every rendered message starts from.
func (t *InboundTranslator) header(ctx context.Context, msg *Message) *Embed {
	var name, avatar string
	if t.ResolveSender != nil {
		name, avatar = t.ResolveSender(ctx, msg)
	}
	if name == "" {
		name = msg.Sender.PushName
	}
	if name == "" {
		name = msg.Sender.ID
	}
	color := ColorReceived
	if msg.FromMe {
		color = ColorSent
	}
	return &Embed{
		AuthorName: name,
		AuthorIcon: avatar,
		Color:      color,
		Timestamp:  msg.Timestamp,
	}
}

func (t *InboundTranslator) Translate(ctx context.Context, msg *Message) (*InboundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := zerolog.Ctx(ctx).With().Str("wa_message_id", msg.ID).Str("wa_message_type", string(msg.Type)).Logger()
	embed := t.header(ctx, msg)
	out := &OutgoingMessage{Embeds: []*Embed{embed}}
	res := &InboundResult{Message: out, SourceID: msg.ID}

	switch msg.Type {
	case MessageText:
		embed.Description = msg.Text
	case MessageAudio, MessageVoice:
		t.convertAudio(ctx, log, msg, out)
	case MessageDocument:
		embed.Title = "[Document]"
		embed.Description = msg.Text
		embed.Fields = []EmbedField{
			{Name: "Filename", Value: orDefault(msg.FileName, "unknown")},
			{Name: "Size", Value: formatKilobytes(msg.FileSize), Inline: true},
			{Name: "Can send", Value: t.canSend(msg.FileSize), Inline: true},
		}
		out.Controls = []Control{{ID: ControlLoadDocument, Label: "Load document"}}
	case MessageImage:
		t.attachImage(ctx, log, msg, out, "Image")
	case MessageLocation:
		embed.Title = "[Location]"
		embed.Description = msg.Text
		embed.Fields = locationFields(msg.Latitude, msg.Longitude)
		out.Controls = []Control{{ID: ControlShowLocation, Label: "Show location"}}
	case MessageSticker:
		if msg.IsAnimated {
			embed.Title = "[Animated sticker]"
			out.Controls = []Control{{ID: ControlLoadAnimatedSticker, Label: "Load sticker"}}
		} else {
			t.attachImage(ctx, log, msg, out, "Sticker")
		}
	case MessageVideo:
		if msg.IsGIF {
			t.attachGIF(ctx, log, msg, out)
		} else {
			embed.Title = "[Video]"
			embed.Description = msg.Text
			embed.Fields = []EmbedField{
				{Name: "Size", Value: formatKilobytes(msg.FileSize), Inline: true},
				{Name: "Can send", Value: t.canSend(msg.FileSize), Inline: true},
			}
			out.Controls = []Control{{ID: ControlLoadVideo, Label: "Load video"}}
		}
	case MessageGroupNotification:
		switch msg.Subtype {
		case GroupNotificationSubject:
			name := msg.Text
			res.Rename = &name
			embed.Description = fmt.Sprintf("*Changed chat name to %q*", msg.Text)
		case GroupNotificationDescription:
			topic := msg.Text
			res.Retopic = &topic
			embed.Description = fmt.Sprintf("*Changed chat description to %q*", msg.Text)
		default:
			t.unhandled(embed, msg)
		}
	default:
		t.unhandled(embed, msg)
	}

	if msg.QuotedID != "" && t.LookupDestinationID != nil {
		if replyTo, ok := t.LookupDestinationID(msg.QuotedID); ok {
			out.ReplyTo = replyTo
		}
	}
	return res, nil
}

func (t *InboundTranslator) unhandled(embed *Embed, msg *Message) {
	embed.Description = "*Unhandled message, please, check your whatsapp*"
	msgType := string(msg.Type)
	if msg.Subtype != "" {
		msgType += "/" + msg.Subtype
	}
	embed.Fields = []EmbedField{{Name: "Type", Value: orDefault(msgType, "unknown")}}
}

func (t *InboundTranslator) canSend(size int64) string {
	if size > t.fileSizeLimit() {
		return fmt.Sprintf("No, its over %dMB", t.fileSizeLimit()/1_000_000)
	}
	return "Yes"
}

func (t *InboundTranslator) convertAudio(ctx context.Context, log zerolog.Logger, msg *Message, out *OutgoingMessage) {
	kind := "Audio"
	if msg.Type == MessageVoice {
		kind = "Voice"
	}
	data, err := t.Source.DownloadMedia(ctx, msg)
	if err != nil {
		log.Err(err).Msg("Failed to download audio")
		out.Embeds[0].Description = "*Failed to load audio*"
		return
	}
	mp3, err := t.Media.Convert(ctx, data, baseMime(msg.MimeType), "mp3", nil, nil)
	if err != nil {
		log.Err(err).Msg("Failed to convert audio")
		out.Embeds[0].Description = "*Failed to convert audio*"
		return
	}
	out.Files = append(out.Files, &File{
		Name:        ReceivedFileName(kind, ".mp3", t.now()),
		ContentType: "audio/mpeg",
		Data:        mp3,
	})
}

func (t *InboundTranslator) attachImage(ctx context.Context, log zerolog.Logger, msg *Message, out *OutgoingMessage, kind string) {
	embed := out.Embeds[0]
	embed.Description = msg.Text
	data, err := t.Source.DownloadMedia(ctx, msg)
	if err != nil {
		log.Err(err).Msg("Failed to download image")
		embed.Title = fmt.Sprintf("[%s unavailable]", kind)
		return
	}
	name := ReceivedFileName(kind, fileExtension(msg.MimeType, msg.FileName, ".jpg"), t.now())
	out.Files = append(out.Files, &File{Name: name, ContentType: baseMime(msg.MimeType), Data: data})
	embed.Image = "attachment://" + name
}

func (t *InboundTranslator) attachGIF(ctx context.Context, log zerolog.Logger, msg *Message, out *OutgoingMessage) {
	embed := out.Embeds[0]
	embed.Description = msg.Text
	data, err := t.Source.DownloadMedia(ctx, msg)
	if err == nil {
		data, err = t.Media.Convert(ctx, data, baseMime(msg.MimeType), "gif", nil, nil)
	}
	if err != nil {
		log.Err(err).Msg("Failed to load gif")
		embed.Title = "[GIF unavailable]"
		return
	}
	name := ReceivedFileName("Gif", ".gif", t.now())
	out.Files = append(out.Files, &File{Name: name, ContentType: "image/gif", Data: data})
	embed.Image = "attachment://" + name
}

// ReceivedFileName names an attachment after its kind and the time it was
// mirrored, e.g. Image_Received_14_05__02_01_2024.jpg.
func ReceivedFileName(kind, ext string, ts time.Time) string {
	return fmt.Sprintf("%s_Received_%s%s", kind, ts.Format(fileNameTimeLayout), ext)
}

func fileExtension(mimeType, fileName, fallback string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return ext
	}
	if mimeType != "" {
		if ext := exmime.ExtensionFromMimetype(baseMime(mimeType)); ext != "" {
			return ext
		}
	}
	return fallback
}

func baseMime(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.TrimSpace(mimeType)
}

func formatKilobytes(size int64) string {
	return fmt.Sprintf("%.2f kB", float64(size)/1000)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
