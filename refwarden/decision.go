package refwarden

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// findDecisionChannel returns the first guild text channel whose name
// contains the pattern, case-insensitive. Channels are considered in
// position order so the result is stable between calls.
func findDecisionChannel(
	channels []*discordgo.Channel,
	pattern string,
) *discordgo.Channel {
	if pattern == "" {
		return nil
	}
	pattern = strings.ToLower(pattern)

	candidates := make([]*discordgo.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch == nil || ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		if strings.Contains(strings.ToLower(ch.Name), pattern) {
			candidates = append(candidates, ch)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(
		candidates, func(i int, j int) bool {
			if candidates[i].Position != candidates[j].Position {
				return candidates[i].Position < candidates[j].Position
			}
			return candidates[i].ID < candidates[j].ID
		},
	)
	return candidates[0]
}

// resolveDecisionChannel returns the channel rulings are posted to.
// An explicitly configured channel ID always wins; otherwise the
// guild's channels are scanned for a name matching the configured
// pattern.
func (rw *RefWarden) resolveDecisionChannel(
	ctx context.Context,
	rc RuntimeConfig,
) (string, error) {
	if rc.DecisionChannelID != "" {
		return rc.DecisionChannelID, nil
	}

	pattern := rc.DecisionChannelPattern
	if pattern == "" {
		pattern = DefaultDecisionChannelPattern
	}

	channels, err := rw.discord.session.GuildChannels(rw.config.Discord.GuildID)
	if err != nil {
		return "", fmt.Errorf("error listing guild channels: %w", err)
	}
	ch := findDecisionChannel(channels, pattern)
	if ch == nil {
		return "", fmt.Errorf(
			"no text channel matching %q found in guild %s",
			pattern,
			rw.config.Discord.GuildID,
		)
	}
	rw.logger.InfoContext(
		ctx,
		"auto-detected decision channel",
		"channel_id", ch.ID,
		"channel_name", ch.Name,
		"pattern", pattern,
	)
	return ch.ID, nil
}
