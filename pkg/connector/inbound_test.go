package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestInbound(src *fakeSource, media *fakeMedia) *InboundTranslator {
	return &InboundTranslator{
		Source: src,
		Media:  media,
		Now:    func() time.Time { return testTime },
	}
}

func incoming(id string, typ MessageType) *Message {
	return &Message{
		ID:        id,
		ChatID:    "chat@s.whatsapp.net",
		Type:      typ,
		Timestamp: testTime,
		Sender:    Contact{ID: "123@s.whatsapp.net", PushName: "Alice"},
	}
}

func TestInboundText(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	msg := incoming("m1", MessageText)
	msg.Text = "hello"

	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "m1", res.SourceID)
	embed := firstEmbed(res.Message)
	require.Equal(t, "hello", embed.Description)
	require.Equal(t, "Alice", embed.AuthorName)
	require.Equal(t, ColorReceived, embed.Color)
	require.Equal(t, testTime, embed.Timestamp)
	require.Nil(t, res.Rename)

	msg.FromMe = true
	res, err = tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ColorSent, firstEmbed(res.Message).Color)
}

func TestInboundSenderResolution(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	tr.ResolveSender = func(ctx context.Context, msg *Message) (string, string) {
		return "Alice Smith", "https://example.com/a.jpg"
	}
	res, err := tr.Translate(context.Background(), incoming("m1", MessageText))
	require.NoError(t, err)
	embed := firstEmbed(res.Message)
	require.Equal(t, "Alice Smith", embed.AuthorName)
	require.Equal(t, "https://example.com/a.jpg", embed.AuthorIcon)

	msg := incoming("m2", MessageText)
	msg.Sender = Contact{ID: "456@s.whatsapp.net"}
	tr.ResolveSender = nil
	res, err = tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "456@s.whatsapp.net", firstEmbed(res.Message).AuthorName)
}

func TestInboundDocument(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	msg := incoming("doc", MessageDocument)
	msg.FileName = "report.pdf"
	msg.FileSize = 9_500_000
	msg.Text = "the report"

	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	embed := firstEmbed(res.Message)
	require.Equal(t, "[Document]", embed.Title)
	require.Equal(t, "the report", embed.Description)
	name, _ := embed.Field("Filename")
	require.Equal(t, "report.pdf", name)
	size, _ := embed.Field("Size")
	require.Equal(t, "9500.00 kB", size)
	canSend, _ := embed.Field("Can send")
	require.Equal(t, "No, its over 8MB", canSend)
	require.Equal(t, []Control{{ID: ControlLoadDocument, Label: "Load document"}}, res.Message.Controls)
	require.Empty(t, res.Message.Files)

	msg.FileName = ""
	msg.FileSize = 1000
	res, err = tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	name, _ = firstEmbed(res.Message).Field("Filename")
	require.Equal(t, "unknown", name)
	canSend, _ = firstEmbed(res.Message).Field("Can send")
	require.Equal(t, "Yes", canSend)
}

func TestInboundDocumentSizeLimit(t *testing.T) {
	src := newFakeSource()
	tr := newTestInbound(src, &fakeMedia{})
	for size, want := range map[int64]string{
		8_000_000: "Yes",
		8_000_001: "No, its over 8MB",
	} {
		msg := incoming("doc", MessageDocument)
		msg.FileSize = size
		res, err := tr.Translate(context.Background(), msg)
		require.NoError(t, err)
		canSend, _ := firstEmbed(res.Message).Field("Can send")
		require.Equal(t, want, canSend, size)
	}
	_, downloads := src.fetches()
	require.Zero(t, downloads, "documents are only fetched on request")
}

func TestInboundImage(t *testing.T) {
	src := newFakeSource()
	src.media["img"] = []byte("jpegdata")
	tr := newTestInbound(src, &fakeMedia{})
	msg := incoming("img", MessageImage)
	msg.MimeType = "image/jpeg"
	msg.Text = "caption"

	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, res.Message.Files, 1)
	file := res.Message.Files[0]
	require.Equal(t, "Image_Received_14_05__02_03_2024.jpg", file.Name)
	require.Equal(t, "image/jpeg", file.ContentType)
	require.Equal(t, []byte("jpegdata"), file.Data)
	embed := firstEmbed(res.Message)
	require.Equal(t, "attachment://"+file.Name, embed.Image)
	require.Equal(t, "caption", embed.Description)

	missing := incoming("gone", MessageImage)
	res, err = tr.Translate(context.Background(), missing)
	require.NoError(t, err)
	require.Empty(t, res.Message.Files)
	require.Equal(t, "[Image unavailable]", firstEmbed(res.Message).Title)
}

func TestInboundStickers(t *testing.T) {
	src := newFakeSource()
	src.media["static"] = []byte("webp")
	tr := newTestInbound(src, &fakeMedia{})

	static := incoming("static", MessageSticker)
	static.MimeType = "image/webp"
	res, err := tr.Translate(context.Background(), static)
	require.NoError(t, err)
	require.Len(t, res.Message.Files, 1)
	require.Equal(t, "Sticker_Received_14_05__02_03_2024.webp", res.Message.Files[0].Name)

	animated := incoming("animated", MessageSticker)
	animated.IsAnimated = true
	res, err = tr.Translate(context.Background(), animated)
	require.NoError(t, err)
	require.Empty(t, res.Message.Files)
	require.Equal(t, "[Animated sticker]", firstEmbed(res.Message).Title)
	require.Equal(t, ControlLoadAnimatedSticker, res.Message.Controls[0].ID)
}

func TestInboundAudio(t *testing.T) {
	src := newFakeSource()
	src.media["ptt"] = []byte("opus")
	media := &fakeMedia{}
	tr := newTestInbound(src, media)
	msg := incoming("ptt", MessageVoice)
	msg.MimeType = "audio/ogg; codecs=opus"

	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, res.Message.Files, 1)
	require.Equal(t, "Voice_Received_14_05__02_03_2024.mp3", res.Message.Files[0].Name)
	require.Equal(t, []byte("mp3:opus"), res.Message.Files[0].Data)
	require.Equal(t, []convertCall{{InputMime: "audio/ogg", OutputFormat: "mp3"}}, media.calls)

	media.err = errors.New("ffmpeg exploded")
	res, err = tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Empty(t, res.Message.Files)
	require.Equal(t, "*Failed to convert audio*", firstEmbed(res.Message).Description)
}

func TestInboundVideoAndGIF(t *testing.T) {
	src := newFakeSource()
	src.media["gif"] = []byte("mp4")
	tr := newTestInbound(src, &fakeMedia{})

	video := incoming("video", MessageVideo)
	video.FileSize = 2_000_000
	res, err := tr.Translate(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, "[Video]", firstEmbed(res.Message).Title)
	require.Equal(t, ControlLoadVideo, res.Message.Controls[0].ID)
	require.Empty(t, res.Message.Files)

	gif := incoming("gif", MessageVideo)
	gif.IsGIF = true
	gif.MimeType = "video/mp4"
	res, err = tr.Translate(context.Background(), gif)
	require.NoError(t, err)
	require.Len(t, res.Message.Files, 1)
	require.Equal(t, "image/gif", res.Message.Files[0].ContentType)
	require.Equal(t, []byte("gif:mp4"), res.Message.Files[0].Data)
}

func TestInboundLocation(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	msg := incoming("loc", MessageLocation)
	msg.Latitude = 59.3293
	msg.Longitude = 18.0686

	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	embed := firstEmbed(res.Message)
	require.Equal(t, "[Location]", embed.Title)
	lat, _ := embed.Field("Lat")
	require.Equal(t, "59.3293", lat)
	link, _ := embed.Field("Maps")
	require.Equal(t, "https://www.google.com/maps/dir//59.3293,18.0686/@59.3293,18.0686,17z", link)
	require.Equal(t, ControlShowLocation, res.Message.Controls[0].ID)
}

func TestInboundGroupNotifications(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	subject := incoming("gp2-1", MessageGroupNotification)
	subject.Subtype = GroupNotificationSubject
	subject.Text = "New name"
	res, err := tr.Translate(context.Background(), subject)
	require.NoError(t, err)
	require.NotNil(t, res.Rename)
	require.Equal(t, "New name", *res.Rename)
	require.Nil(t, res.Retopic)
	require.Equal(t, `*Changed chat name to "New name"*`, firstEmbed(res.Message).Description)

	desc := incoming("gp2-2", MessageGroupNotification)
	desc.Subtype = GroupNotificationDescription
	desc.Text = "About us"
	res, err = tr.Translate(context.Background(), desc)
	require.NoError(t, err)
	require.NotNil(t, res.Retopic)
	require.Equal(t, "About us", *res.Retopic)

	other := incoming("gp2-3", MessageGroupNotification)
	other.Subtype = "add"
	res, err = tr.Translate(context.Background(), other)
	require.NoError(t, err)
	typ, _ := firstEmbed(res.Message).Field("Type")
	require.Equal(t, "gp2/add", typ)
}

func TestInboundUnknownType(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	res, err := tr.Translate(context.Background(), incoming("poll", MessageType("poll_creation")))
	require.NoError(t, err)
	embed := firstEmbed(res.Message)
	require.Equal(t, "*Unhandled message, please, check your whatsapp*", embed.Description)
	typ, _ := embed.Field("Type")
	require.Equal(t, "poll_creation", typ)
}

func TestInboundReplyThreading(t *testing.T) {
	cb := NewChatBinding("chat")
	cb.RecordMapping("dc-quoted", "wa-quoted")
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	tr.LookupDestinationID = cb.LookupDestinationID

	msg := incoming("reply", MessageText)
	msg.QuotedID = "wa-quoted"
	res, err := tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "dc-quoted", res.Message.ReplyTo)

	msg.QuotedID = "wa-unknown"
	res, err = tr.Translate(context.Background(), msg)
	require.NoError(t, err)
	require.Empty(t, res.Message.ReplyTo)
}

func TestInboundCancelledContext(t *testing.T) {
	tr := newTestInbound(newFakeSource(), &fakeMedia{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Translate(ctx, incoming("m", MessageText))
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceivedFileName(t *testing.T) {
	require.Equal(t, "Audio_Received_14_05__02_03_2024.mp3", ReceivedFileName("Audio", ".mp3", testTime))
}

func firstEmbed(m *OutgoingMessage) *Embed {
	if len(m.Embeds) == 0 {
		return nil
	}
	return m.Embeds[0]
}
