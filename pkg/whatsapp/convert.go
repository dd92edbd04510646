package whatsapp

import (
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/lrhodin/w2d/pkg/connector"
)

// unwrap strips the containers that only change how a message is displayed.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	for msg != nil {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg
		}
	}
	return nil
}

// isSignalling reports messages that carry no user visible content.
func isSignalling(msg *waE2E.Message) bool {
	if msg == nil {
		return true
	}
	return msg.ProtocolMessage != nil ||
		msg.ReactionMessage != nil ||
		msg.EncReactionMessage != nil ||
		msg.PollUpdateMessage != nil ||
		(msg.SenderKeyDistributionMessage != nil && msg.Conversation == nil &&
			msg.ExtendedTextMessage == nil && msg.ImageMessage == nil &&
			msg.AudioMessage == nil && msg.VideoMessage == nil &&
			msg.DocumentMessage == nil && msg.StickerMessage == nil &&
			msg.LocationMessage == nil && msg.LiveLocationMessage == nil &&
			msg.ContactMessage == nil)
}

type messageMeta struct {
	ID        string
	ChatID    string
	Timestamp time.Time
	FromMe    bool
	Sender    connector.Contact
}

// toMessage converts a WhatsApp message into the bridge model. It returns nil
// for messages that should not be bridged.
func toMessage(meta messageMeta, raw *waE2E.Message) *connector.Message {
	msg := unwrap(raw)
	if isSignalling(msg) {
		return nil
	}
	out := &connector.Message{
		ID:        meta.ID,
		ChatID:    meta.ChatID,
		Timestamp: meta.Timestamp,
		FromMe:    meta.FromMe,
		Sender:    meta.Sender,
	}
	switch {
	case msg.Conversation != nil:
		out.Type = connector.MessageText
		out.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		ext := msg.GetExtendedTextMessage()
		out.Type = connector.MessageText
		out.Text = ext.GetText()
		out.QuotedID = ext.GetContextInfo().GetStanzaID()
	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		out.Type = connector.MessageImage
		out.Text = img.GetCaption()
		out.MimeType = img.GetMimetype()
		out.FileSize = int64(img.GetFileLength())
		out.QuotedID = img.GetContextInfo().GetStanzaID()
	case msg.StickerMessage != nil:
		sticker := msg.GetStickerMessage()
		out.Type = connector.MessageSticker
		out.MimeType = sticker.GetMimetype()
		out.FileSize = int64(sticker.GetFileLength())
		out.IsAnimated = sticker.GetIsAnimated()
		out.QuotedID = sticker.GetContextInfo().GetStanzaID()
	case msg.AudioMessage != nil:
		audio := msg.GetAudioMessage()
		out.Type = connector.MessageAudio
		if audio.GetPTT() {
			out.Type = connector.MessageVoice
		}
		out.MimeType = audio.GetMimetype()
		out.FileSize = int64(audio.GetFileLength())
		out.QuotedID = audio.GetContextInfo().GetStanzaID()
	case msg.VideoMessage != nil:
		video := msg.GetVideoMessage()
		out.Type = connector.MessageVideo
		out.Text = video.GetCaption()
		out.MimeType = video.GetMimetype()
		out.FileSize = int64(video.GetFileLength())
		out.IsGIF = video.GetGifPlayback()
		out.QuotedID = video.GetContextInfo().GetStanzaID()
	case msg.DocumentMessage != nil:
		doc := msg.GetDocumentMessage()
		out.Type = connector.MessageDocument
		out.Text = doc.GetCaption()
		out.MimeType = doc.GetMimetype()
		out.FileName = doc.GetFileName()
		out.FileSize = int64(doc.GetFileLength())
		out.QuotedID = doc.GetContextInfo().GetStanzaID()
	case msg.LocationMessage != nil:
		loc := msg.GetLocationMessage()
		out.Type = connector.MessageLocation
		out.Latitude = loc.GetDegreesLatitude()
		out.Longitude = loc.GetDegreesLongitude()
		out.Text = loc.GetName()
	case msg.LiveLocationMessage != nil:
		loc := msg.GetLiveLocationMessage()
		out.Type = connector.MessageLocation
		out.Latitude = loc.GetDegreesLatitude()
		out.Longitude = loc.GetDegreesLongitude()
		out.Text = loc.GetCaption()
	case msg.ContactMessage != nil || msg.ContactsArrayMessage != nil:
		out.Type = "vcard"
	case msg.PollCreationMessage != nil || msg.PollCreationMessageV3 != nil:
		out.Type = "poll_creation"
	default:
		out.Type = "unknown"
	}
	return out
}

// downloadable picks the media part of a message.
func downloadable(raw *waE2E.Message) whatsmeow.DownloadableMessage {
	msg := unwrap(raw)
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	default:
		return nil
	}
}

// groupNotification builds the synthetic message emitted when a group's
// subject or description changes.
func groupNotification(meta messageMeta, subtype, value string) *connector.Message {
	return &connector.Message{
		ID:        meta.ID,
		ChatID:    meta.ChatID,
		Type:      connector.MessageGroupNotification,
		Subtype:   subtype,
		Timestamp: meta.Timestamp,
		FromMe:    meta.FromMe,
		Sender:    meta.Sender,
		Text:      value,
	}
}
