package connector

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomNameLength  = 100
	MaxRoomTopicLength = 1024
	unnamedRoom        = "unnamed"
)

// SanitizeRoomName trims a chat name to what Discord accepts as a channel
// name. Empty names become "unnamed".
func SanitizeRoomName(name string) string {
	name = truncateRunes(strings.TrimSpace(name), MaxRoomNameLength)
	if name == "" {
		return unnamedRoom
	}
	return name
}

// SanitizeRoomTopic trims a chat description to Discord's topic limit.
func SanitizeRoomTopic(topic string) string {
	return truncateRunes(topic, MaxRoomTopicLength)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
