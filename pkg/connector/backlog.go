package connector

import (
	"context"
	"fmt"
	"slices"
	"time"
)

const DefaultBacklogLimit = 5

func backlogNotice(limit int) string {
	return fmt.Sprintf("[BOT]: Too many messages, only the last %d are being shown.", limit)
}

// catchUp replays the WhatsApp messages the room missed while the bridge was
// down, oldest first. Only the newest messages up to the backlog limit are
// replayed; when more were missed a notice says so first.
func (p *ChatPortal) catchUp(ctx context.Context) {
	roomID := p.room.RoomID()
	if roomID == "" {
		return
	}
	chatID := p.Binding.ChatID
	lastSynced := p.Binding.LastSynced()
	latest, ok, err := p.br.Source.GetLastMessageTimestamp(ctx, chatID)
	if err != nil {
		p.log.Err(err).Msg("Failed to get last message timestamp")
		return
	} else if !ok || latest.UnixMilli() <= lastSynced {
		return
	}

	messages, err := p.br.Source.GetMessagesAfter(ctx, chatID, time.UnixMilli(lastSynced))
	if err != nil {
		p.log.Err(err).Msg("Failed to get missed messages")
		return
	}
	messages = slices.DeleteFunc(messages, func(msg *Message) bool {
		return msg.Timestamp.UnixMilli() <= lastSynced
	})
	slices.SortStableFunc(messages, func(a, b *Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if len(messages) == 0 {
		return
	}

	limit := p.br.Config.Bridge.BacklogLimit
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	p.log.Info().Int("missed", len(messages)).Int64("last_synced", lastSynced).Msg("Catching up on missed messages")
	if len(messages) > limit {
		if _, err := p.br.Destination.SendMessage(ctx, roomID, &OutgoingMessage{Content: backlogNotice(limit)}); err != nil {
			p.log.Err(err).Msg("Failed to send backlog notice")
		}
		messages = messages[len(messages)-limit:]
	}
	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		p.mirror(ctx, msg)
		backlogReplayed.Inc()
	}
}
