package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lrhodin/w2d/pkg/reminder"
)

const (
	ControlLoadDocument        = "load_document"
	ControlLoadVideo           = "load_video"
	ControlLoadAnimatedSticker = "load_animated_sticker"
	ControlShowLocation        = "show_location"
	ControlLocationZoomIn      = "location_zoom_in"
	ControlLocationZoomOut     = "location_zoom_out"

	CommandVoice    = "voice"
	CommandBirthday = "birthday"

	replyMessageNotFound = "WA Message not found"
	replyAudioNotFound   = "Audios not found"
)

// InteractionResolver answers button clicks and slash commands issued inside
// one chat room. Buttons on mirrored messages are resolved back to the
// WhatsApp message through the chat's ledger, so media is only downloaded
// when someone asks for it.
type InteractionResolver struct {
	ChatID  string
	Binding *ChatBinding

	Source    SourceClient
	Media     MediaConverter
	Maps      MapRenderer
	Audio     AudioQueue
	Reminders *reminder.Service
	Inbound   *InboundTranslator

	DefaultZoom int
	AudioFormat string
}

func (r *InteractionResolver) defaultZoom() int {
	if r.DefaultZoom > 0 {
		return r.DefaultZoom
	}
	return DefaultMapZoom
}

func (r *InteractionResolver) Handle(ctx context.Context, it *Interaction) {
	log := zerolog.Ctx(ctx)
	var err error
	switch it.Kind {
	case InteractionButton:
		err = r.handleButton(ctx, it)
	case InteractionCommand:
		err = r.handleCommand(ctx, it)
	}
	if err != nil {
		log.Err(err).Str("control_id", it.ControlID).Str("command", it.Command).Msg("Failed to handle interaction")
	}
}

// sourceMessage resolves the WhatsApp message behind the clicked Discord
// message.
func (r *InteractionResolver) sourceMessage(ctx context.Context, it *Interaction) (*Message, error) {
	if it.Message == nil {
		return nil, ErrMessageNotFound
	}
	sourceID, ok := r.Binding.LookupSourceID(it.Message.ID)
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg, err := r.Source.GetMessage(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMessageNotFound, err)
	}
	return msg, nil
}

func (r *InteractionResolver) handleButton(ctx context.Context, it *Interaction) error {
	if err := it.Respond.DeferUpdate(ctx); err != nil {
		return fmt.Errorf("failed to defer update: %w", err)
	}
	switch it.ControlID {
	case ControlShowLocation, ControlLocationZoomIn, ControlLocationZoomOut:
		return r.handleLocation(ctx, it)
	case ControlLoadDocument, ControlLoadVideo, ControlLoadAnimatedSticker:
	default:
		return fmt.Errorf("unknown control %q", it.ControlID)
	}

	msg, err := r.sourceMessage(ctx, it)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Button target not found")
		return it.Respond.EditResponse(ctx, &OutgoingMessage{Content: replyMessageNotFound})
	}
	data, err := r.Source.DownloadMedia(ctx, msg)
	if err != nil {
		_ = it.Respond.EditResponse(ctx, &OutgoingMessage{Content: "Failed to download media"})
		return fmt.Errorf("failed to download media: %w", err)
	}

	var edit *OutgoingMessage
	switch it.ControlID {
	case ControlLoadAnimatedSticker:
		edit, err = r.loadAnimatedSticker(ctx, msg, data)
	case ControlLoadVideo:
		name := ReceivedFileName("Video", fileExtension(msg.MimeType, msg.FileName, ".mp4"), r.Inbound.now())
		edit = r.loadedFile(name, msg.MimeType, data)
	case ControlLoadDocument:
		name, _ := it.Message.FirstEmbed().Field("Filename")
		if name == "" || name == "unknown" {
			name = orDefault(msg.FileName, ReceivedFileName("Document", fileExtension(msg.MimeType, "", ".bin"), r.Inbound.now()))
		}
		edit = r.loadedFile(name, msg.MimeType, data)
	}
	if err != nil {
		_ = it.Respond.EditResponse(ctx, &OutgoingMessage{Content: "Failed to convert media"})
		return err
	}
	return it.Respond.EditResponse(ctx, edit)
}

func (r *InteractionResolver) loadAnimatedSticker(ctx context.Context, msg *Message, data []byte) (*OutgoingMessage, error) {
	gif, err := r.Media.StickerToGIF(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sticker: %w", err)
	}
	name := ReceivedFileName("Sticker", ".gif", r.Inbound.now())
	embed := r.Inbound.header(ctx, msg)
	embed.Image = "attachment://" + name
	return &OutgoingMessage{
		Embeds:   []*Embed{embed},
		Files:    []*File{{Name: name, ContentType: "image/gif", Data: gif}},
		Controls: []Control{},
	}, nil
}

func (r *InteractionResolver) loadedFile(name, mimeType string, data []byte) *OutgoingMessage {
	if int64(len(data)) > r.Inbound.fileSizeLimit() {
		return &OutgoingMessage{
			Content:  fmt.Sprintf("File is over the %dMB limit", r.Inbound.fileSizeLimit()/1_000_000),
			Controls: []Control{},
		}
	}
	return &OutgoingMessage{
		Embeds:   []*Embed{},
		Files:    []*File{{Name: name, ContentType: baseMime(mimeType), Data: data}},
		Controls: []Control{},
	}
}

func (r *InteractionResolver) handleLocation(ctx context.Context, it *Interaction) error {
	embed := it.Message.FirstEmbed()
	lat, lng, zoom, ok := locationFromEmbed(embed, r.defaultZoom())
	if !ok {
		msg, err := r.sourceMessage(ctx, it)
		if err != nil {
			return it.Respond.EditResponse(ctx, &OutgoingMessage{Content: replyMessageNotFound})
		}
		lat, lng = msg.Latitude, msg.Longitude
	}
	switch it.ControlID {
	case ControlLocationZoomIn:
		zoom++
	case ControlLocationZoomOut:
		zoom--
	}
	zoom = clampZoom(zoom)

	png, err := r.Maps.RenderStaticMap(ctx, lat, lng, zoom)
	if err != nil {
		_ = it.Respond.EditResponse(ctx, &OutgoingMessage{Content: "Failed to render map"})
		return fmt.Errorf("failed to render map: %w", err)
	}
	header := &Embed{}
	if embed != nil {
		header.AuthorName = embed.AuthorName
		header.AuthorIcon = embed.AuthorIcon
		header.Color = embed.Color
		header.Description = embed.Description
		header.Timestamp = embed.Timestamp
	}
	return it.Respond.EditResponse(ctx, renderedLocation(header, lat, lng, zoom, png))
}

func (r *InteractionResolver) handleCommand(ctx context.Context, it *Interaction) error {
	switch it.Command {
	case CommandVoice:
		return r.handleVoice(ctx, it)
	case CommandBirthday:
		return r.handleBirthday(ctx, it)
	default:
		return it.Respond.Reply(ctx, "Unknown command")
	}
}

func (r *InteractionResolver) handleVoice(ctx context.Context, it *Interaction) error {
	if r.Audio == nil {
		return it.Respond.Reply(ctx, replyAudioNotFound)
	}
	data, ok := r.Audio.DequeueNext()
	if !ok {
		return it.Respond.Reply(ctx, replyAudioNotFound)
	}
	if err := it.Respond.Reply(ctx, "Success!"); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to acknowledge voice command")
	}
	format := r.AudioFormat
	if format == "" {
		format = "ogg"
	}
	voice, err := r.Media.Convert(ctx, data, "audio/mpeg", format, nil, AudioOutputArgs(format))
	if err != nil {
		return fmt.Errorf("failed to convert voice note: %w", err)
	}
	_, err = r.Source.SendMessage(ctx, r.ChatID, &SendPayload{
		Kind:     SendVoice,
		Data:     voice,
		MimeType: AudioMimeType(format),
	})
	return err
}

func (r *InteractionResolver) handleBirthday(ctx context.Context, it *Interaction) error {
	if r.Reminders == nil {
		return it.Respond.Reply(ctx, "Birthdays are not available")
	}
	switch it.Subcommand {
	case "set":
		day, month, err := reminder.ParseDate(it.Options["date"])
		if err != nil {
			return it.Respond.Reply(ctx, "❌ Invalid date, use DD/MM ❌")
		}
		name := strings.TrimSpace(it.Options["name"])
		if name == "" {
			return it.Respond.Reply(ctx, "❌ Invalid name ❌")
		}
		r.Reminders.Add(reminder.Reminder{
			ChatID:  r.ChatID,
			Name:    name,
			Day:     day,
			Month:   month,
			Message: it.Options["message"],
		})
		return it.Respond.Reply(ctx, fmt.Sprintf("✅ Birthday of %s set to %02d/%02d ✅", name, day, month))
	case "delete":
		if r.Reminders.Delete(r.ChatID, strings.TrimSpace(it.Options["name"])) {
			return it.Respond.Reply(ctx, "✅ Birthday deleted ✅")
		}
		return it.Respond.Reply(ctx, "❌ Birthday not found ❌")
	case "list":
		list := r.Reminders.List(r.ChatID)
		if len(list) == 0 {
			return it.Respond.Reply(ctx, "No birthdays registered in this chat")
		}
		lines := make([]string, len(list))
		for i, item := range list {
			lines[i] = item.Format()
		}
		return it.Respond.Reply(ctx, strings.Join(lines, "\n"))
	default:
		return it.Respond.Reply(ctx, "Unknown command")
	}
}
