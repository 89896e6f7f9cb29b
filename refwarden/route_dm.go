package refwarden

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// customIDRouteSelect prefixes the custom ID of the dispute
	// disambiguation select menu sent in DMs.
	customIDRouteSelect = "route_dm"

	// customIDFormat joins a component prefix and token into a custom
	// ID.
	customIDFormat = "%s:%s"

	noOpenDisputeReply = "You don't have any open disputes right now. " +
		"Use /dispute in your match channel to flag one."

	routePickerPrompt = "You have more than one open dispute. " +
		"Which one is this about?"

	routeExpiredReply = "That menu has expired. Send your message again."

	routeConfirmedReply = "Passed along to the referees."
)

// pendingRoute is a DM waiting on the sender to pick which of their
// open disputes it belongs to.
type pendingRoute struct {
	userID    string
	message   *discordgo.Message
	disputes  []*Dispute
	createdAt time.Time
}

// dmRouter holds DMs pending disambiguation. Entries expire after the
// configured TTL; expired entries are pruned opportunistically on add
// and take.
type dmRouter struct {
	mu      sync.Mutex
	pending map[string]*pendingRoute
	ttl     time.Duration
	logger  *slog.Logger
}

func newDMRouter(ttl time.Duration, log *slog.Logger) *dmRouter {
	if ttl <= 0 {
		ttl = DefaultPendingRouteTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &dmRouter{
		pending: map[string]*pendingRoute{},
		ttl:     ttl,
		logger:  log.With(loggerNameKey, "dm_router"),
	}
}

func (r *dmRouter) add(token string, route *pendingRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if route.createdAt.IsZero() {
		route.createdAt = time.Now()
	}
	r.pending[token] = route
}

// take removes and returns the pending route for a token. The second
// return is false if the token is unknown or expired.
func (r *dmRouter) take(token string) (*pendingRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	route, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	return route, ok
}

func (r *dmRouter) setTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
}

func (r *dmRouter) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *dmRouter) pruneLocked() {
	cutoff := time.Now().Add(-r.ttl)
	for token, route := range r.pending {
		if route.createdAt.Before(cutoff) {
			r.logger.Debug(
				"pruning expired pending DM route",
				"user_id", route.userID,
			)
			delete(r.pending, token)
		}
	}
}

// handleDirectMessage routes an incoming DM to the referee thread of
// the sender's open dispute. With multiple open disputes, the sender
// is shown a select menu to pick which dispute the message is about.
func (rw *RefWarden) handleDirectMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	log := rw.logger.With(loggerNameKey, "dm_router")
	if m.Author == nil {
		return
	}

	user := rw.writeDB.GetUser(m.Author.ID)
	if user != nil && user.Ignored {
		log.DebugContext(
			ctx,
			"dropping DM from ignored user",
			"user_id", m.Author.ID,
		)
		return
	}

	disputes := rw.disputes.ByUser(m.Author.ID)
	switch len(disputes) {
	case 0:
		if _, err := rw.discord.channelMessageSend(
			ctx,
			m.ChannelID,
			noOpenDisputeReply,
		); err != nil {
			log.WarnContext(
				ctx,
				"error replying to DM with no open disputes",
				tint.Err(err),
				"user_id", m.Author.ID,
			)
		}
	case 1:
		rw.forwardDM(ctx, disputes[0], m.Message)
		if _, err := rw.discord.channelMessageSend(
			ctx,
			m.ChannelID,
			routeConfirmedReply,
		); err != nil {
			log.WarnContext(ctx, "error confirming DM routing", tint.Err(err))
		}
	default:
		rw.sendRoutePicker(ctx, m, disputes)
	}
}

// sendRoutePicker sends the dispute disambiguation select menu to the
// sender's DM channel and remembers the message until they choose.
func (rw *RefWarden) sendRoutePicker(
	ctx context.Context,
	m *discordgo.MessageCreate,
	disputes []*Dispute,
) {
	log := rw.logger.With(loggerNameKey, "dm_router")

	token := fmt.Sprintf("%s-%d", m.ID, time.Now().UnixNano())
	options := make([]discordgo.SelectMenuOption, 0, len(disputes))
	for _, d := range disputes {
		opponentID := d.OpponentID
		if opponentID == m.Author.ID {
			opponentID = d.PlayerID
		}
		label := fmt.Sprintf(
			"%s dispute vs %s",
			categoryLabel(d.Category),
			rw.displayName(opponentID),
		)
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label:       truncate(label, 100),
				Value:       strconv.FormatUint(uint64(d.ID), 10),
				Description: truncate(d.Summary, 100),
			},
		)
	}

	// Discord caps a select menu at 25 options.
	if pages := chunkItems(25, options...); len(pages) > 1 {
		options = pages[0]
	}

	menu := discordgo.SelectMenu{
		MenuType: discordgo.StringSelectMenu,
		CustomID: fmt.Sprintf(customIDFormat, customIDRouteSelect, token),
		Options:  options,
	}
	_, err := rw.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content: routePickerPrompt,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{menu},
				},
			},
		},
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error sending dispute picker",
			tint.Err(err),
			"user_id", m.Author.ID,
		)
		return
	}

	rw.dmRouter.add(
		token,
		&pendingRoute{
			userID:   m.Author.ID,
			message:  m.Message,
			disputes: disputes,
		},
	)
}

// handleRouteSelection resolves a disambiguation menu choice,
// forwarding the remembered DM to the chosen dispute's referee
// thread.
func (rw *RefWarden) handleRouteSelection(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	token string,
) {
	log := rw.logger.With(loggerNameKey, "dm_router")

	respond := func(content string) {
		err := rw.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Content:    content,
					Components: []discordgo.MessageComponent{},
				},
			},
		)
		if err != nil {
			log.WarnContext(
				ctx,
				"error responding to dispute picker",
				tint.Err(err),
			)
		}
	}

	route, ok := rw.dmRouter.take(token)
	if !ok {
		respond(routeExpiredReply)
		return
	}

	data := i.MessageComponentData()
	if len(data.Values) == 0 {
		respond(routeExpiredReply)
		return
	}
	disputeID, err := strconv.ParseUint(data.Values[0], 10, 64)
	if err != nil {
		log.WarnContext(
			ctx,
			"bad dispute picker value",
			tint.Err(err),
			"value", data.Values[0],
		)
		respond(routeExpiredReply)
		return
	}

	var chosen *Dispute
	for _, d := range route.disputes {
		if uint64(d.ID) == disputeID {
			chosen = d
			break
		}
	}
	if chosen == nil || rw.disputes.ByRefereeThread(chosen.RefereeThreadID) == nil {
		respond(routeExpiredReply)
		return
	}

	rw.forwardDM(ctx, chosen, route.message)
	respond(routeConfirmedReply)
}

// forwardDM copies a player's DM into the referee thread for a
// dispute and records it.
func (rw *RefWarden) forwardDM(
	ctx context.Context,
	d *Dispute,
	m *discordgo.Message,
) {
	log := rw.logger.With(loggerNameKey, "dm_router")

	var sb strings.Builder
	author := "unknown"
	if m.Author != nil {
		author = m.Author.Username
	}
	sb.WriteString(fmt.Sprintf("DM from **%s**", author))
	if m.Content != "" {
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	for _, a := range m.Attachments {
		if a == nil || a.URL == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(a.URL)
	}
	content := shortenString(sb.String(), discordMaxMessageLength)

	sent, err := rw.discord.channelMessageSend(ctx, d.RefereeThreadID, content)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error forwarding DM to referee thread",
			tint.Err(err),
			"referee_thread_id", d.RefereeThreadID,
		)
		return
	}

	record := DiscordMessage{
		MessageID: sent.ID,
		ChannelID: d.RefereeThreadID,
		GuildID:   d.GuildID,
		Content:   content,
		DisputeID: d.ID,
	}
	if m.Author != nil {
		record.UserID = m.Author.ID
		record.Username = m.Author.Username
	}
	if _, dbErr := rw.writeDB.Create(ctx, &record); dbErr != nil {
		log.ErrorContext(ctx, "error recording forwarded DM", tint.Err(dbErr))
	}
}

// displayName returns the best known name for a user, falling back to
// a mention string.
func (rw *RefWarden) displayName(userID string) string {
	if u := rw.writeDB.GetUser(userID); u != nil {
		if u.GlobalName != "" {
			return u.GlobalName
		}
		if u.Username != "" {
			return u.Username
		}
	}
	member, err := rw.discord.session.GuildMember(
		rw.config.Discord.GuildID,
		userID,
	)
	if err == nil && member != nil && member.User != nil {
		if member.User.GlobalName != "" {
			return member.User.GlobalName
		}
		return member.User.Username
	}
	return userMention(userID)
}
