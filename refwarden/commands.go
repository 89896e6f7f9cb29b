package refwarden

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	pausedReply = "The bot is paused right now. Try again later, or ping " +
		"a referee directly."

	guildOnlyReply = "This command only works in a server channel."

	refereeThreadOnlyReply = "This command only works inside a referee " +
		"thread for an open dispute."

	refereeOnlyReply = "Only referees can use this command."

	duplicateDisputeReply = "You already have an open dispute with that " +
		"player. Post new evidence in the existing thread."
)

// followupEditFunc edits the deferred interaction response with final
// content.
type followupEditFunc func(content string)

// ackAndFollowup sends the deferred ephemeral acknowledgment and
// returns an edit function for the final reply. The returned bool is
// false if the acknowledgment itself failed, in which case the
// handler should bail out.
func (rw *RefWarden) ackAndFollowup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (followupEditFunc, bool) {
	log := rw.logger.With(loggerNameKey, "commands")

	err := rw.discord.session.InteractionRespond(
		i.Interaction,
		ackResponse(discordgo.MessageFlagsEphemeral),
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error acknowledging interaction",
			tint.Err(err),
			interactionLogAttrs(*i),
		)
		return nil, false
	}
	edit := func(content string) {
		content = truncate(content, discordMaxMessageLength)
		_, editErr := rw.discord.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &content},
		)
		if editErr != nil {
			log.ErrorContext(
				ctx,
				"error editing interaction response",
				tint.Err(editErr),
				interactionLogAttrs(*i),
			)
		}
	}
	return edit, true
}

// handleDisputeCommand opens a new dispute: a public thread in the
// channel the command was used in, and a private referee thread the
// referees are added to.
func (rw *RefWarden) handleDisputeCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	log := rw.logger.With(loggerNameKey, "commands")
	rc := rw.RuntimeConfig()

	followup, ok := rw.ackAndFollowup(ctx, i)
	if !ok {
		return
	}
	if i.GuildID == "" {
		followup(guildOnlyReply)
		return
	}
	if rc.Paused {
		followup(pausedReply)
		return
	}

	du := getDiscordUser(i)
	if du == nil {
		followup(rc.DiscordErrorMessage)
		return
	}
	user, _, err := rw.writeDB.GetOrCreateUser(ctx, *du)
	if err != nil {
		followup(rc.DiscordErrorMessage)
		return
	}
	if user.Ignored {
		followup(rc.DiscordErrorMessage)
		return
	}

	opts := discordInteractionOptions(i)
	opponentOpt, hasOpponent := opts[DisputeOptionOpponent]
	categoryOpt, hasCategory := opts[DisputeOptionCategory]
	summaryOpt, hasSummary := opts[DisputeOptionSummary]
	if !hasOpponent || !hasCategory || !hasSummary {
		log.WarnContext(
			ctx,
			"dispute command missing options",
			interactionLogAttrs(*i),
		)
		followup(rc.DiscordErrorMessage)
		return
	}

	opponent := opponentOpt.UserValue(nil)
	if opponent == nil || opponent.ID == "" {
		followup(rc.DiscordErrorMessage)
		return
	}
	if opponent.ID == du.ID {
		followup("You can't open a dispute against yourself.")
		return
	}

	for _, existing := range rw.disputes.ByUser(du.ID) {
		if existing.InvolvesUser(opponent.ID) {
			followup(duplicateDisputeReply)
			return
		}
	}

	category := DisputeCategory(categoryOpt.StringValue())
	summary := summaryOpt.StringValue()

	dispute, err := NewDispute(
		i.GuildID,
		i.ChannelID,
		du.ID,
		opponent.ID,
		category,
		summary,
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error creating dispute",
			tint.Err(err),
			interactionLogAttrs(*i),
		)
		followup(rc.DiscordErrorMessage)
		return
	}

	threadName := fmt.Sprintf(
		"%s dispute: %s vs %s",
		categoryLabel(category),
		du.Username,
		rw.displayName(opponent.ID),
	)
	disputeThread, err := rw.discord.createDisputeThread(
		ctx,
		i.ChannelID,
		threadName,
		du.ID,
		opponent.ID,
	)
	if err != nil {
		log.ErrorContext(ctx, "error creating dispute thread", tint.Err(err))
		followup(rc.DiscordErrorMessage)
		return
	}
	dispute.DisputeThreadID = disputeThread.ID

	refereeThread, err := rw.discord.createRefereeThread(ctx, rc, threadName)
	if err != nil {
		log.ErrorContext(ctx, "error creating referee thread", tint.Err(err))
		followup(rc.DiscordErrorMessage)
		return
	}
	dispute.RefereeThreadID = refereeThread.ID

	if _, err = rw.writeDB.Create(ctx, dispute); err != nil {
		log.ErrorContext(
			ctx,
			"error saving dispute",
			tint.Err(err),
			"dispute", *dispute,
		)
		followup(rc.DiscordErrorMessage)
		return
	}
	rw.disputes.Add(dispute)

	user.DisputesFlagged++
	if _, err = rw.writeDB.Updates(
		ctx,
		user,
		map[string]any{"disputes_flagged": user.DisputesFlagged},
	); err != nil {
		log.WarnContext(ctx, "error updating user stats", tint.Err(err))
	}

	_, _ = rw.discord.channelMessageSend(
		ctx,
		disputeThread.ID,
		fmt.Sprintf(
			"%s has opened a **%s** dispute with %s.\n"+
				"Post your evidence here. A referee will follow up.\n\n"+
				"Summary: %s",
			userMention(du.ID),
			categoryLabel(category),
			userMention(opponent.ID),
			summary,
		),
	)
	_, _ = rw.discord.channelMessageSend(
		ctx,
		refereeThread.ID,
		fmt.Sprintf(
			"New **%s** dispute: %s vs %s\n"+
				"Summary: %s\n"+
				"Evidence thread: %s\n\n"+
				"Use /ruling here to post a decision, or /resolve to "+
				"close without one.",
			categoryLabel(category),
			userMention(du.ID),
			userMention(opponent.ID),
			summary,
			threadLink(i.GuildID, disputeThread.ID),
		),
	)

	log.InfoContext(ctx, "opened dispute", "dispute", *dispute)
	followup(
		fmt.Sprintf(
			DefaultDisputeAcknowledgment,
			channelMention(disputeThread.ID),
		),
	)
}

// handleRulingCommand posts a templated ruling to the decision
// channel and closes the dispute. It must be used inside a referee
// thread, by a member holding the referee role.
func (rw *RefWarden) handleRulingCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	log := rw.logger.With(loggerNameKey, "commands")
	rc := rw.RuntimeConfig()

	followup, ok := rw.ackAndFollowup(ctx, i)
	if !ok {
		return
	}

	dispute := rw.disputes.ByRefereeThread(i.ChannelID)
	if dispute == nil {
		followup(refereeThreadOnlyReply)
		return
	}
	if !memberHasRole(i, rc.RefereeRoleID) {
		followup(refereeOnlyReply)
		return
	}
	du := getDiscordUser(i)
	if du == nil {
		followup(rc.DiscordErrorMessage)
		return
	}

	opts := discordInteractionOptions(i)
	outcomeOpt, hasOutcome := opts[RulingOptionOutcome]
	if !hasOutcome {
		followup(rc.DiscordErrorMessage)
		return
	}
	outcome := RulingOutcome(outcomeOpt.StringValue())
	notes := ""
	if notesOpt, hasNotes := opts[RulingOptionNotes]; hasNotes {
		notes = notesOpt.StringValue()
	}

	decisionChannelID, err := rw.resolveDecisionChannel(ctx, rc)
	if err != nil {
		log.ErrorContext(ctx, "error resolving decision channel", tint.Err(err))
		followup(
			"No decision channel found. Set one explicitly, or create " +
				"a text channel with a matching name.",
		)
		return
	}

	content, err := renderRuling(rc.RulingTemplate, *dispute, outcome, notes, du.ID)
	if err != nil {
		log.ErrorContext(ctx, "error rendering ruling", tint.Err(err))
		followup(rc.DiscordErrorMessage)
		return
	}

	decision, err := rw.discord.channelMessageSend(ctx, decisionChannelID, content)
	if err != nil {
		followup(rc.DiscordErrorMessage)
		return
	}

	record := RulingRecord{
		DisputeID:         dispute.ID,
		RefereeID:         du.ID,
		Outcome:           outcome,
		Notes:             notes,
		DecisionMessageID: decision.ID,
		DecisionChannelID: decisionChannelID,
	}
	if _, dbErr := rw.writeDB.Create(ctx, &record); dbErr != nil {
		log.ErrorContext(ctx, "error saving ruling record", tint.Err(dbErr))
	}

	_ = finalizeDispute(
		WithLogger(ctx, log),
		rw.writeDB,
		rw.disputes,
		dispute,
		map[string]any{
			columnDisputeState:             DisputeStateRuled,
			columnDisputeOutcome:           outcome,
			columnDisputeRulingNotes:       notes,
			columnDisputeRuledBy:           du.ID,
			columnDisputeResolvedAt:        time.Now().UTC().UnixMilli(),
			columnDisputeDecisionMessageID: decision.ID,
		},
	)

	rw.notifyPlayers(
		ctx,
		dispute,
		fmt.Sprintf(
			"A ruling has been posted for your %s dispute: **%s**\nSee %s",
			categoryLabel(dispute.Category),
			outcomeLabel(outcome),
			threadLink(dispute.GuildID, decisionChannelID),
		),
	)
	rw.closeDisputeThreads(ctx, dispute, fmt.Sprintf(
		"This dispute has been decided: **%s**. See %s for the full ruling.",
		outcomeLabel(outcome),
		channelMention(decisionChannelID),
	))

	log.InfoContext(
		ctx,
		"posted ruling",
		"dispute", *dispute,
		"outcome", outcome.String(),
		"referee_id", du.ID,
	)
	followup(
		fmt.Sprintf("Ruling posted to %s.", channelMention(decisionChannelID)),
	)
}

// handleResolveCommand closes a dispute without a formal ruling. It
// works in either the referee thread or the dispute thread, but only
// for referees.
func (rw *RefWarden) handleResolveCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	log := rw.logger.With(loggerNameKey, "commands")
	rc := rw.RuntimeConfig()

	followup, ok := rw.ackAndFollowup(ctx, i)
	if !ok {
		return
	}

	dispute := rw.disputes.ByRefereeThread(i.ChannelID)
	if dispute == nil {
		dispute = rw.disputes.ByDisputeThread(i.ChannelID)
	}
	if dispute == nil {
		followup(refereeThreadOnlyReply)
		return
	}
	if !memberHasRole(i, rc.RefereeRoleID) {
		followup(refereeOnlyReply)
		return
	}
	du := getDiscordUser(i)
	if du == nil {
		followup(rc.DiscordErrorMessage)
		return
	}

	reason := ""
	if reasonOpt, hasReason := discordInteractionOptions(i)[ResolveOptionReason]; hasReason {
		reason = reasonOpt.StringValue()
	}

	_ = finalizeDispute(
		WithLogger(ctx, log),
		rw.writeDB,
		rw.disputes,
		dispute,
		map[string]any{
			columnDisputeState:      DisputeStateResolved,
			columnDisputeRuledBy:    du.ID,
			columnDisputeResolvedAt: time.Now().UTC().UnixMilli(),
		},
	)

	closingMessage := rc.ResolutionTemplate
	if reason != "" {
		closingMessage = fmt.Sprintf("%s\nReason: %s", closingMessage, reason)
	}
	rw.closeDisputeThreads(ctx, dispute, closingMessage)

	log.InfoContext(
		ctx,
		"resolved dispute",
		"dispute", *dispute,
		"referee_id", du.ID,
	)
	followup("Dispute resolved and closed.")
}

// notifyPlayers DMs both parties. If a DM can't be delivered, the
// notification falls back to a public reply in the dispute thread
// mentioning the player.
func (rw *RefWarden) notifyPlayers(
	ctx context.Context,
	d *Dispute,
	content string,
) {
	log := rw.logger.With(loggerNameKey, "commands")

	for _, playerID := range d.Players() {
		if playerID == "" {
			continue
		}
		if _, err := rw.discord.sendDM(playerID, content); err == nil {
			continue
		} else {
			log.WarnContext(
				ctx,
				"DM failed, falling back to public reply",
				tint.Err(err),
				"user_id", playerID,
			)
		}
		_, err := rw.discord.channelMessageSend(
			ctx,
			d.DisputeThreadID,
			fmt.Sprintf("%s %s", userMention(playerID), content),
		)
		if err != nil {
			log.ErrorContext(
				ctx,
				"public fallback notification failed",
				tint.Err(err),
				"user_id", playerID,
			)
		}
	}
}

// closeDisputeThreads posts a closing message to both threads, removes
// the players from the dispute thread, and archives both threads.
// Member removal failures are swallowed, archive failures are logged.
func (rw *RefWarden) closeDisputeThreads(
	ctx context.Context,
	d *Dispute,
	closingMessage string,
) {
	log := rw.logger.With(loggerNameKey, "commands")

	if closingMessage != "" {
		for _, threadID := range []string{d.DisputeThreadID, d.RefereeThreadID} {
			if threadID == "" {
				continue
			}
			_, _ = rw.discord.channelMessageSend(ctx, threadID, closingMessage)
		}
	}

	for _, playerID := range d.Players() {
		if playerID == "" {
			continue
		}
		_ = rw.discord.session.ThreadMemberRemove(d.DisputeThreadID, playerID)
	}

	for _, threadID := range []string{d.DisputeThreadID, d.RefereeThreadID} {
		if threadID == "" {
			continue
		}
		if err := rw.discord.archiveThread(threadID); err != nil {
			log.WarnContext(
				ctx,
				"error archiving thread",
				tint.Err(err),
				"thread_id", threadID,
			)
		}
	}
}

func channelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}
