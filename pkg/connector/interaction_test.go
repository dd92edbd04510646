package connector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/w2d/pkg/reminder"
)

type resolverFixture struct {
	src      *fakeSource
	media    *fakeMedia
	maps     *fakeMaps
	audio    *fakeAudio
	binding  *ChatBinding
	resolver *InteractionResolver
}

func newResolverFixture() *resolverFixture {
	f := &resolverFixture{
		src:     newFakeSource(),
		media:   &fakeMedia{},
		maps:    &fakeMaps{},
		audio:   newFakeAudio(),
		binding: NewChatBinding("chat@s.whatsapp.net"),
	}
	f.resolver = &InteractionResolver{
		ChatID:    f.binding.ChatID,
		Binding:   f.binding,
		Source:    f.src,
		Media:     f.media,
		Maps:      f.maps,
		Audio:     f.audio,
		Reminders: reminder.NewService(nil, nil, time.UTC, time.Minute, zerolog.Nop()),
		Inbound:   newTestInbound(f.src, f.media),
	}
	return f
}

func button(control string, msg *RoomMessage) (*Interaction, *fakeResponder) {
	resp := &fakeResponder{}
	return &Interaction{Kind: InteractionButton, ControlID: control, Message: msg, Respond: resp}, resp
}

func command(name, sub string, options map[string]string) (*Interaction, *fakeResponder) {
	resp := &fakeResponder{}
	return &Interaction{Kind: InteractionCommand, Command: name, Subcommand: sub, Options: options, Respond: resp}, resp
}

func TestButtonLedgerMiss(t *testing.T) {
	f := newResolverFixture()
	it, resp := button(ControlLoadDocument, &RoomMessage{ID: "dc-unknown"})
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, 1, resp.deferUpdates)
	require.Equal(t, "WA Message not found", resp.lastEdit().Content)
	lookups, downloads := f.src.fetches()
	require.Zero(t, lookups)
	require.Zero(t, downloads)
}

func TestLoadDocument(t *testing.T) {
	f := newResolverFixture()
	msg := incoming("wa-doc", MessageDocument)
	msg.MimeType = "application/pdf"
	f.src.addMessage(msg)
	f.src.media["wa-doc"] = []byte("%PDF")
	f.binding.RecordMapping("dc-doc", "wa-doc")

	it, resp := button(ControlLoadDocument, &RoomMessage{
		ID:     "dc-doc",
		Embeds: []*Embed{{Fields: []EmbedField{{Name: "Filename", Value: "report.pdf"}}}},
	})
	f.resolver.Handle(context.Background(), it)
	edit := resp.lastEdit()
	require.NotNil(t, edit)
	require.Len(t, edit.Files, 1)
	require.Equal(t, "report.pdf", edit.Files[0].Name)
	require.Equal(t, []byte("%PDF"), edit.Files[0].Data)
	require.NotNil(t, edit.Controls)
	require.Empty(t, edit.Controls)
	require.NotNil(t, edit.Embeds)
	require.Empty(t, edit.Embeds)
}

func TestLoadDocumentTooLarge(t *testing.T) {
	f := newResolverFixture()
	f.resolver.Inbound.FileSizeLimit = 2_000_000
	f.src.addMessage(incoming("wa-doc", MessageDocument))
	f.src.media["wa-doc"] = make([]byte, 3_000_000)
	f.binding.RecordMapping("dc-doc", "wa-doc")

	it, resp := button(ControlLoadDocument, &RoomMessage{ID: "dc-doc"})
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, "File is over the 2MB limit", resp.lastEdit().Content)
	require.Empty(t, resp.lastEdit().Files)
}

func TestLoadAnimatedSticker(t *testing.T) {
	f := newResolverFixture()
	f.src.addMessage(incoming("wa-st", MessageSticker))
	f.src.media["wa-st"] = []byte("webp")
	f.binding.RecordMapping("dc-st", "wa-st")

	it, resp := button(ControlLoadAnimatedSticker, &RoomMessage{ID: "dc-st"})
	f.resolver.Handle(context.Background(), it)
	edit := resp.lastEdit()
	require.Len(t, edit.Files, 1)
	require.Equal(t, "image/gif", edit.Files[0].ContentType)
	require.Equal(t, []byte("gif:webp"), edit.Files[0].Data)
	require.Equal(t, "attachment://"+edit.Files[0].Name, edit.Embeds[0].Image)
	require.Equal(t, "Alice", edit.Embeds[0].AuthorName)
}

func TestLocationZoom(t *testing.T) {
	f := newResolverFixture()
	f.resolver.DefaultZoom = 15
	msg := &RoomMessage{ID: "dc-loc", Embeds: []*Embed{{
		AuthorName: "Alice",
		Fields:     locationFields(1.5, 2.5),
	}}}

	it, resp := button(ControlShowLocation, msg)
	f.resolver.Handle(context.Background(), it)
	edit := resp.lastEdit()
	require.Equal(t, []int{15}, f.maps.zooms)
	require.Equal(t, "Alice", edit.Embeds[0].AuthorName)
	zoom, _ := edit.Embeds[0].Field("Zoom")
	require.Equal(t, "15", zoom)
	require.Equal(t, "attachment://map.png", edit.Embeds[0].Image)
	require.Len(t, edit.Controls, 2)

	it, resp = button(ControlLocationZoomIn, &RoomMessage{ID: "dc-loc", Embeds: edit.Embeds})
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, []int{15, 16}, f.maps.zooms)
	lat, _ := resp.lastEdit().Embeds[0].Field("Lat")
	require.Equal(t, "1.5", lat)
}

func TestLocationZoomIsClamped(t *testing.T) {
	f := newResolverFixture()
	fields := append(locationFields(0, 0), EmbedField{Name: "Zoom", Value: "19"})
	it, _ := button(ControlLocationZoomIn, &RoomMessage{Embeds: []*Embed{{Fields: fields}}})
	f.resolver.Handle(context.Background(), it)

	fields = append(locationFields(0, 0), EmbedField{Name: "Zoom", Value: "0"})
	it, _ = button(ControlLocationZoomOut, &RoomMessage{Embeds: []*Embed{{Fields: fields}}})
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, []int{MaxMapZoom, MinMapZoom}, f.maps.zooms)
}

func TestVoiceCommand(t *testing.T) {
	f := newResolverFixture()
	it, resp := command(CommandVoice, "", nil)
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, "Audios not found", resp.lastReply())
	require.Empty(t, f.src.sentPayloads())

	f.audio.Enqueue([]byte("mp3data"))
	it, resp = command(CommandVoice, "", nil)
	f.resolver.Handle(context.Background(), it)
	require.Equal(t, "Success!", resp.lastReply())
	sent := f.src.sentPayloads()
	require.Len(t, sent, 1)
	require.Equal(t, "chat@s.whatsapp.net", sent[0].ChatID)
	require.Equal(t, SendVoice, sent[0].Payload.Kind)
	require.Equal(t, []byte("ogg:mp3data"), sent[0].Payload.Data)
	require.Zero(t, f.audio.Count())
}

func TestBirthdayCommands(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	it, resp := command(CommandBirthday, "set", map[string]string{"name": "Bob", "date": "31/02", "message": "hb"})
	f.resolver.Handle(ctx, it)
	require.Equal(t, "❌ Invalid date, use DD/MM ❌", resp.lastReply())

	it, resp = command(CommandBirthday, "set", map[string]string{"name": "Bob", "date": "5/3", "message": "Happy birthday Bob"})
	f.resolver.Handle(ctx, it)
	require.Equal(t, "✅ Birthday of Bob set to 05/03 ✅", resp.lastReply())

	it, resp = command(CommandBirthday, "list", nil)
	f.resolver.Handle(ctx, it)
	require.Equal(t, "Bob - 05/03: Happy birthday Bob", resp.lastReply())

	it, resp = command(CommandBirthday, "delete", map[string]string{"name": "Bob"})
	f.resolver.Handle(ctx, it)
	require.Equal(t, "✅ Birthday deleted ✅", resp.lastReply())

	it, resp = command(CommandBirthday, "delete", map[string]string{"name": "Bob"})
	f.resolver.Handle(ctx, it)
	require.Equal(t, "❌ Birthday not found ❌", resp.lastReply())

	it, resp = command(CommandBirthday, "list", nil)
	f.resolver.Handle(ctx, it)
	require.Equal(t, "No birthdays registered in this chat", resp.lastReply())
}
