// SPDX-License-Identifier: MPL-2.0

package discord

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// ErrUnknownIntent is returned by ParseIntents for names it does not know.
var ErrUnknownIntent = errors.New("unknown gateway intent")

var intentsByName = map[string]discordgo.Intent{
	"guilds":                    discordgo.IntentsGuilds,
	"guild_members":             discordgo.IntentsGuildMembers,
	"guild_emojis":              discordgo.IntentsGuildEmojis,
	"guild_integrations":        discordgo.IntentsGuildIntegrations,
	"guild_webhooks":            discordgo.IntentsGuildWebhooks,
	"guild_invites":             discordgo.IntentsGuildInvites,
	"guild_voice_states":        discordgo.IntentsGuildVoiceStates,
	"guild_presences":           discordgo.IntentsGuildPresences,
	"guild_messages":            discordgo.IntentsGuildMessages,
	"guild_message_reactions":   discordgo.IntentsGuildMessageReactions,
	"guild_message_typing":      discordgo.IntentsGuildMessageTyping,
	"direct_messages":           discordgo.IntentsDirectMessages,
	"direct_message_reactions":  discordgo.IntentsDirectMessageReactions,
	"direct_message_typing":     discordgo.IntentsDirectMessageTyping,
	"message_content":           discordgo.IntentsMessageContent,
	"guild_scheduled_events":    discordgo.IntentsGuildScheduledEvents,
	"auto_moderation_configure": discordgo.IntentAutoModerationConfiguration,
	"auto_moderation_execution": discordgo.IntentAutoModerationExecution,
}

// ParseIntents combines intent names (case-insensitive, "-" or "_"
// separated) into a gateway intent mask.
func ParseIntents(names []string) (discordgo.Intent, error) {
	var (
		mask    discordgo.Intent
		unknown []string
	)
	for _, name := range names {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
		intent, ok := intentsByName[key]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		mask |= intent
	}
	if len(unknown) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownIntent, strings.Join(unknown, ", "))
	}
	return mask, nil
}

// IntentNames lists the names ParseIntents accepts, sorted.
func IntentNames() []string {
	names := make([]string, 0, len(intentsByName))
	for name := range intentsByName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
