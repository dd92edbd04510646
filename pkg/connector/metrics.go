package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionInbound  = "whatsapp_to_discord"
	directionOutbound = "discord_to_whatsapp"

	statusOK     = "ok"
	statusFailed = "failed"
)

var (
	messagesBridged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w2d_messages_bridged_total",
			Help: "Total messages bridged",
		},
		[]string{"direction", "status"},
	)

	interactionsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w2d_interactions_total",
			Help: "Total Discord interactions handled",
		},
		[]string{"kind"}, // control id or command name
	)

	backlogReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "w2d_backlog_messages_replayed_total",
			Help: "Total missed messages replayed after downtime",
		},
	)

	chatsBridged = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "w2d_chats_bridged",
			Help: "Number of chats with a Discord room",
		},
	)

	stateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w2d_state_saves_total",
			Help: "Total state file writes",
		},
		[]string{"status"},
	)
)

func interactionLabel(it *Interaction) string {
	if it.Kind == InteractionCommand {
		return "command_" + it.Command
	}
	return it.ControlID
}
