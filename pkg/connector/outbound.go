package connector

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// OutboundTranslator turns a Discord message into the units sent to
// WhatsApp. The message text rides along as the caption of the first image
// or file; it is only sent on its own when nothing carried it.
type OutboundTranslator struct {
	Download func(ctx context.Context, url string) ([]byte, error)
	Media    MediaConverter

	// AudioFormat is the container audio attachments are converted to.
	AudioFormat string
}

func (t *OutboundTranslator) audioFormat() string {
	if t.AudioFormat != "" {
		return t.AudioFormat
	}
	return "ogg"
}

func (t *OutboundTranslator) Translate(ctx context.Context, msg *RoomMessage) ([]*SendPayload, error) {
	var payloads []*SendPayload
	textSent := false
	caption := func() string {
		if textSent {
			return ""
		}
		textSent = true
		return msg.Content
	}

	for _, att := range msg.Attachments {
		contentType := attachmentType(att)
		switch {
		case strings.HasPrefix(contentType, "image/"):
			payloads = append(payloads, &SendPayload{
				Kind:     SendImage,
				URL:      att.URL,
				FileName: att.FileName,
				MimeType: contentType,
				Caption:  caption(),
			})
		case strings.HasPrefix(contentType, "audio/"):
			payload, err := t.convertAudio(ctx, att, contentType)
			if err != nil {
				zerolog.Ctx(ctx).Err(err).Str("file_name", att.FileName).Msg("Skipping audio attachment")
				continue
			}
			payloads = append(payloads, payload)
		default:
			payloads = append(payloads, &SendPayload{
				Kind:     SendFileURL,
				URL:      att.URL,
				FileName: att.FileName,
				MimeType: contentType,
				Caption:  caption(),
			})
		}
	}
	if !textSent && msg.Content != "" {
		payloads = append(payloads, &SendPayload{Kind: SendText, Text: msg.Content})
	}
	return payloads, nil
}

func (t *OutboundTranslator) convertAudio(ctx context.Context, att *Attachment, contentType string) (*SendPayload, error) {
	data, err := t.Download(ctx, att.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio attachment: %w", err)
	}
	if detected := mimetype.Detect(data); strings.HasPrefix(detected.String(), "audio/") {
		contentType = detected.String()
	}
	converted, err := t.Media.Convert(ctx, data, baseMime(contentType), t.audioFormat(), nil, AudioOutputArgs(t.audioFormat()))
	if err != nil {
		return nil, fmt.Errorf("failed to convert audio attachment: %w", err)
	}
	return &SendPayload{
		Kind:     SendAudio,
		Data:     converted,
		FileName: strings.TrimSuffix(att.FileName, filepath.Ext(att.FileName)) + "." + t.audioFormat(),
		MimeType: AudioMimeType(t.audioFormat()),
	}, nil
}

// AudioOutputArgs returns the ffmpeg output arguments for a WhatsApp audio
// container.
func AudioOutputArgs(format string) []string {
	if format == "ogg" {
		return []string{"-c:a", "libopus", "-ac", "1", "-b:a", "32k"}
	}
	return nil
}

func AudioMimeType(format string) string {
	switch format {
	case "ogg":
		return "audio/ogg; codecs=opus"
	case "mp3":
		return "audio/mpeg"
	default:
		return "audio/" + format
	}
}

func attachmentType(att *Attachment) string {
	if att.ContentType != "" {
		return baseMime(att.ContentType)
	}
	if byExt := mime.TypeByExtension(filepath.Ext(att.FileName)); byExt != "" {
		return baseMime(byExt)
	}
	return "application/octet-stream"
}
