package refwarden

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// guildMembersPageSize is the page size used when enumerating guild
// members to find referees.
const guildMembersPageSize = 1000

// DiscordSessionHandler is the subset of [discordgo.Session] the bot
// uses. It exists so tests can substitute a mock session.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	SetIdentify(discordgo.Identify)
	GatewayBot(options ...discordgo.RequestOption) (*discordgo.GatewayBotResponse, error)
	UpdateCustomStatus(state string) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ThreadStart(
		channelID string,
		name string,
		typ discordgo.ChannelType,
		archiveDuration int,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ThreadMemberAdd(
		threadID string,
		memberID string,
		options ...discordgo.RequestOption,
	) error
	ThreadMemberRemove(
		threadID string,
		memberID string,
		options ...discordgo.RequestOption,
	) error

	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	GuildChannels(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Channel, error)
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)
}

// DiscordSession wraps [discordgo.Session] to implement
// [DiscordSessionHandler].
type DiscordSession struct {
	*discordgo.Session
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.Session.Identify = i
}

// Discord handles the bot's connection to Discord: command
// registration, gateway handlers, and thread plumbing.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig

	logger   *slog.Logger
	logLevel *slog.LevelVar

	discordgoLogLevel *slog.LevelVar
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	d := &Discord{
		config:            config,
		logLevel:          config.LogLevel,
		discordgoLogLevel: config.DiscordGoLogLevel,
	}
	if d.logLevel == nil {
		d.logLevel = &slog.LevelVar{}
		d.logLevel.Set(DefaultDiscordLogLevel)
	}
	if d.discordgoLogLevel == nil {
		d.discordgoLogLevel = &slog.LevelVar{}
		d.discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	}
	d.logger = slog.New(
		tintHandler(os.Stdout, d.logLevel),
	).With(loggerNameKey, "discord")

	session, err := discordgo.New(fmt.Sprintf("Bot %s", config.Token))
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	session.Identify.Intents = config.GatewayIntents
	d.session = DiscordSession{session}
	return d, nil
}

// setDiscordgoLogger points discordgo's package-level logger at our
// structured handler.
func (d *Discord) setDiscordgoLogger(ctx context.Context, handler slog.Handler) {
	discordgo.Logger = discordgoLoggerFunc(ctx, handler)
}

// appCommands returns the bot's slash commands. All commands are
// guild-scoped.
func (d *Discord) appCommands() []*discordgo.ApplicationCommand {
	categoryChoices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(DisputeCategories),
	)
	for _, c := range DisputeCategories {
		categoryChoices = append(
			categoryChoices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  categoryLabel(c),
				Value: c.String(),
			},
		)
	}

	outcomeChoices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(RulingOutcomes),
	)
	for _, o := range RulingOutcomes {
		outcomeChoices = append(
			outcomeChoices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  outcomeLabel(o),
				Value: o.String(),
			},
		)
	}

	dmPermission := false
	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandDispute,
			Description:  DefaultDisputeCommandDescription,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        DisputeOptionOpponent,
					Description: DefaultDisputeOpponentDescription,
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        DisputeOptionCategory,
					Description: DefaultDisputeCategoryDescription,
					Required:    true,
					Choices:     categoryChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        DisputeOptionSummary,
					Description: DefaultDisputeSummaryDescription,
					Required:    true,
					MaxLength:   disputeSummaryMaxLength,
				},
			},
		},
		{
			Name:         DiscordSlashCommandRuling,
			Description:  DefaultRulingCommandDescription,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        RulingOptionOutcome,
					Description: "The outcome of the dispute",
					Required:    true,
					Choices:     outcomeChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        RulingOptionNotes,
					Description: "Notes to include in the posted decision",
					Required:    false,
					MaxLength:   rulingNotesMaxLength,
				},
			},
		},
		{
			Name:         DiscordSlashCommandResolve,
			Description:  DefaultResolveCommandDescription,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        ResolveOptionReason,
					Description: "Why the dispute is being closed",
					Required:    false,
					MaxLength:   resolveReasonMaxLength,
				},
			},
		},
	}
}

// registerCommands overwrites the guild's slash commands with the
// current set.
func (d *Discord) registerCommands(ctx context.Context) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	commands := d.appCommands()
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return registered, fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, c := range registered {
		names = append(names, c.Name)
	}
	d.logger.InfoContext(
		ctx,
		"registered slash commands",
		"commands", names,
		"guild_id", d.config.GuildID,
	)
	return registered, nil
}

// createRefereeThread creates a private thread under the referee
// channel and adds each referee to it. Failures adding individual
// referees are logged and skipped, the thread is still usable by
// whoever was added.
func (d *Discord) createRefereeThread(
	ctx context.Context,
	rc RuntimeConfig,
	name string,
) (*discordgo.Channel, error) {
	if rc.RefereeChannelID == "" {
		return nil, fmt.Errorf("no referee channel configured")
	}
	if rc.RefereeRoleID == "" {
		return nil, fmt.Errorf("no referee role configured")
	}
	thread, err := d.session.ThreadStart(
		rc.RefereeChannelID,
		truncate(name, discordMaxThreadNameLength),
		discordgo.ChannelTypeGuildPrivateThread,
		DefaultThreadArchiveDuration,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating referee thread: %w", err)
	}

	for _, memberID := range d.refereeMemberIDs(ctx, rc) {
		if addErr := d.session.ThreadMemberAdd(thread.ID, memberID); addErr != nil {
			d.logger.WarnContext(
				ctx,
				"error adding referee to thread",
				tint.Err(addErr),
				"thread_id", thread.ID,
				"user_id", memberID,
			)
		}
	}
	return thread, nil
}

// createDisputeThread creates a public thread in the channel the
// dispute was flagged in, and adds both players.
func (d *Discord) createDisputeThread(
	ctx context.Context,
	channelID string,
	name string,
	playerIDs ...string,
) (*discordgo.Channel, error) {
	thread, err := d.session.ThreadStart(
		channelID,
		truncate(name, discordMaxThreadNameLength),
		discordgo.ChannelTypeGuildPublicThread,
		DefaultThreadArchiveDuration,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating dispute thread: %w", err)
	}
	for _, playerID := range playerIDs {
		if addErr := d.session.ThreadMemberAdd(thread.ID, playerID); addErr != nil {
			d.logger.WarnContext(
				ctx,
				"error adding player to dispute thread",
				tint.Err(addErr),
				"thread_id", thread.ID,
				"user_id", playerID,
			)
		}
	}
	return thread, nil
}

// refereeMemberIDs enumerates guild members holding the referee role.
func (d *Discord) refereeMemberIDs(ctx context.Context, rc RuntimeConfig) []string {
	if rc.RefereeRoleID == "" {
		return nil
	}
	var ids []string
	after := ""
	for {
		members, err := d.session.GuildMembers(
			d.config.GuildID,
			after,
			guildMembersPageSize,
		)
		if err != nil {
			d.logger.ErrorContext(
				ctx,
				"error listing guild members",
				tint.Err(err),
				"guild_id", d.config.GuildID,
			)
			return ids
		}
		if len(members) == 0 {
			return ids
		}
		for _, m := range members {
			if m.User == nil {
				continue
			}
			for _, roleID := range m.Roles {
				if roleID == rc.RefereeRoleID {
					ids = append(ids, m.User.ID)
					break
				}
			}
			after = m.User.ID
		}
		if len(members) < guildMembersPageSize {
			return ids
		}
	}
}

// memberHasRole reports whether the interaction's member holds the
// given role.
func memberHasRole(i *discordgo.InteractionCreate, roleID string) bool {
	if i == nil || i.Member == nil || roleID == "" {
		return false
	}
	for _, r := range i.Member.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// archiveThread archives (and locks) a thread. Errors are returned
// for logging but are never fatal to the calling flow.
func (d *Discord) archiveThread(threadID string) error {
	archived := true
	locked := true
	_, err := d.session.ChannelEditComplex(
		threadID,
		&discordgo.ChannelEdit{Archived: &archived, Locked: &locked},
	)
	return err
}

// channelMessageSend sends a message, logging failures.
func (d *Discord) channelMessageSend(
	ctx context.Context,
	channelID string,
	content string,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSend(
		channelID,
		truncate(content, discordMaxMessageLength),
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending channel message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

// sendDM opens (or reuses) the DM channel for a user and sends a
// message there.
func (d *Discord) sendDM(userID string, content string) (*discordgo.Message, error) {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return nil, fmt.Errorf("error creating DM channel: %w", err)
	}
	return d.session.ChannelMessageSend(
		channel.ID,
		truncate(content, discordMaxMessageLength),
	)
}

// handlerReady runs when the gateway session becomes ready.
func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		username := ""
		if r.User != nil {
			username = r.User.Username
		}
		d.logger.Info(
			"discord session ready",
			"username", username,
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	c *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.logger.Info("connected to discord gateway")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	c *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.logger.Warn("disconnected from discord gateway")
	}
}

// updateCustomStatus sets the bot's custom status if one is
// configured.
func (d *Discord) updateCustomStatus(ctx context.Context, status string) {
	if status == "" {
		return
	}
	if err := d.session.UpdateCustomStatus(status); err != nil {
		d.logger.WarnContext(
			ctx,
			"error setting custom status",
			tint.Err(err),
			"status", status,
		)
	}
}

// getDiscordUser extracts the invoking user from an interaction,
// whether it came from a guild (Member) or a DM (User).
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil {
		return nil
	}
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// ackResponse returns a deferred interaction response with the given
// flags, so slow work can happen after an immediate acknowledgment.
func ackResponse(flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// DiscordMessage records a Discord message the bot has handled, with
// the full payload preserved for auditing.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime

	MessageID string `json:"message_id" gorm:"index"`
	ChannelID string `json:"channel_id" gorm:"index"`
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id" gorm:"index"`
	Username  string `json:"username"`
	Content   string `json:"content"`

	// DisputeID is set when the message was mirrored or routed as
	// part of a dispute.
	DisputeID uint `json:"dispute_id" gorm:"index"`

	Payload string `json:"payload" log:"-"`
}

// NewDiscordMessage creates a [DiscordMessage] from a gateway message
// create event.
func NewDiscordMessage(m *discordgo.MessageCreate) DiscordMessage {
	rv := DiscordMessage{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
	}
	if m.Author != nil {
		rv.UserID = m.Author.ID
		rv.Username = m.Author.Username
	}
	payload, err := json.Marshal(m)
	if err == nil {
		rv.Payload = string(payload)
	}
	return rv
}

// messageTimestamp returns the message's timestamp, falling back to
// the current time when the payload doesn't carry one.
func messageTimestamp(m *discordgo.Message) time.Time {
	if m == nil || m.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return m.Timestamp
}
