package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/lrhodin/w2d/pkg/connector"
)

// responder answers a single interaction. Discord allows one initial
// response, everything after that goes through edits.
type responder struct {
	session *discordgo.Session
	it      *discordgo.Interaction

	lock      sync.Mutex
	responded bool
}

var _ connector.InteractionResponder = (*responder)(nil)

func (r *responder) respond(ctx context.Context, typ discordgo.InteractionResponseType, data *discordgo.InteractionResponseData) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.responded {
		return nil
	}
	err := r.session.InteractionRespond(r.it, &discordgo.InteractionResponse{Type: typ, Data: data}, discordgo.WithContext(ctx))
	if err == nil {
		r.responded = true
	}
	return err
}

func (r *responder) DeferUpdate(ctx context.Context) error {
	return r.respond(ctx, discordgo.InteractionResponseDeferredMessageUpdate, nil)
}

func (r *responder) DeferReply(ctx context.Context) error {
	return r.respond(ctx, discordgo.InteractionResponseDeferredChannelMessageWithSource, nil)
}

func (r *responder) EditResponse(ctx context.Context, msg *connector.OutgoingMessage) error {
	_, err := r.session.InteractionResponseEdit(r.it, toWebhookEdit(msg), discordgo.WithContext(ctx))
	return err
}

func (r *responder) Reply(ctx context.Context, text string) error {
	r.lock.Lock()
	deferred := r.responded
	r.lock.Unlock()
	if deferred {
		_, err := r.session.InteractionResponseEdit(r.it, &discordgo.WebhookEdit{Content: &text}, discordgo.WithContext(ctx))
		return err
	}
	return r.respond(ctx, discordgo.InteractionResponseChannelMessageWithSource, &discordgo.InteractionResponseData{Content: text})
}

func interactionUserID(it *discordgo.Interaction) string {
	switch {
	case it.Member != nil && it.Member.User != nil:
		return it.Member.User.ID
	case it.User != nil:
		return it.User.ID
	default:
		return ""
	}
}

// toInteraction converts button clicks and slash commands. Other interaction
// types return nil.
func toInteraction(s *discordgo.Session, it *discordgo.Interaction) *connector.Interaction {
	out := &connector.Interaction{
		RoomID:  it.ChannelID,
		UserID:  interactionUserID(it),
		Message: toRoomMessage(it.Message),
		Respond: &responder{session: s, it: it},
	}
	switch it.Type {
	case discordgo.InteractionMessageComponent:
		out.Kind = connector.InteractionButton
		out.ControlID = it.MessageComponentData().CustomID
	case discordgo.InteractionApplicationCommand:
		data := it.ApplicationCommandData()
		out.Kind = connector.InteractionCommand
		out.Command = data.Name
		out.Subcommand, out.Options = optionValues(data.Options)
	default:
		return nil
	}
	return out
}
