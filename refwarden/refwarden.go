package refwarden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// RefWarden is the top-level bot: it owns the Discord connection, the
// database, the dispute registry, the evidence mirror queue, the DM
// router, and the backend API.
type RefWarden struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	discord *Discord
	api     *API

	disputes    *DisputeRegistry
	mirrorQueue *MirrorMemoryQueue
	dmRouter    *dmRouter

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	logger     *slog.Logger
	logHandler slog.Handler

	// eventCh closes when startup has finished and the bot is
	// handling events.
	eventCh chan struct{}

	// quitCh signals a shutdown requested through the API.
	quitCh   chan struct{}
	quitOnce sync.Once

	startedAt time.Time
}

// New creates a [RefWarden] from the given config. The database and
// Discord connections aren't opened until [RefWarden.Run].
func New(config *Config) (*RefWarden, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LogLevel == nil {
		config.LogLevel = &slog.LevelVar{}
		config.LogLevel.Set(DefaultLogLevel)
	}
	handler := tintHandler(os.Stdout, config.LogLevel)
	logger := slog.New(handler).With(loggerNameKey, "refwarden")

	rw := &RefWarden{
		config:     config,
		logger:     logger,
		logHandler: handler,
		eventCh:    make(chan struct{}),
		quitCh:     make(chan struct{}),
	}

	if err := rw.ValidateConfig(); err != nil {
		return nil, err
	}

	var err error
	rw.discord, err = newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	rw.mirrorQueue, err = NewMirrorMemoryQueue(config.Mirror, logger)
	if err != nil {
		return nil, err
	}
	rw.disputes = NewDisputeRegistry(logger)
	rw.dmRouter = newDMRouter(DefaultPendingRouteTTL, logger)
	rw.api, err = newAPI(rw, config.API)
	if err != nil {
		return nil, err
	}
	return rw, nil
}

// ValidateConfig validates the bot's configuration with the same
// validator (and tag) the API uses for request payloads.
func (rw *RefWarden) ValidateConfig() error {
	if rw.config == nil {
		return errors.New("nil config")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	validate.RegisterCustomTypeFunc(
		validateMirrorConfig,
		MirrorConfig{},
	)
	if err := validate.Struct(rw.config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (rw *RefWarden) RuntimeConfig() RuntimeConfig {
	rw.cfgMu.RLock()
	defer rw.cfgMu.RUnlock()
	if rw.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *rw.runtimeConfig
}

func (rw *RefWarden) setRuntimeConfig(rc RuntimeConfig) {
	rw.cfgMu.Lock()
	rw.runtimeConfig = &rc
	rw.cfgMu.Unlock()
	rw.applyLogLevels(rc)
	if rw.dmRouter != nil {
		rw.dmRouter.setTTL(rc.PendingRouteTTL.Duration)
	}
}

// applyLogLevels pushes runtime log levels onto the live LevelVars.
func (rw *RefWarden) applyLogLevels(rc RuntimeConfig) {
	if rw.config.LogLevel != nil {
		rw.config.LogLevel.Set(rc.LogLevel.Level())
	}
	if rw.config.Discord != nil && rw.config.Discord.LogLevel != nil {
		rw.config.Discord.LogLevel.Set(rc.DiscordLogLevel.Level())
	}
	if rw.config.Discord != nil && rw.config.Discord.DiscordGoLogLevel != nil {
		rw.config.Discord.DiscordGoLogLevel.Set(rc.DiscordGoLogLevel.Level())
	}
	if rw.config.DatabaseLogLevel != nil {
		rw.config.DatabaseLogLevel.Set(rc.DatabaseLogLevel.Level())
	}
	if rw.config.API != nil && rw.config.API.LogLevel != nil {
		rw.config.API.LogLevel.Set(rc.APILogLevel.Level())
	}
}

// refreshRuntimeConfig reloads the runtime config from the database.
func (rw *RefWarden) refreshRuntimeConfig(ctx context.Context) error {
	rc, err := loadRuntimeConfig(
		WithLogger(ctx, rw.logger),
		rw.db,
		rw.writeDB,
	)
	if err != nil {
		return err
	}
	rw.setRuntimeConfig(rc)
	return nil
}

// Pause stops new disputes and evidence mirroring.
func (rw *RefWarden) Pause(ctx context.Context) error {
	return rw.setPaused(ctx, true)
}

// Resume re-enables disputes and mirroring.
func (rw *RefWarden) Resume(ctx context.Context) error {
	return rw.setPaused(ctx, false)
}

func (rw *RefWarden) setPaused(ctx context.Context, paused bool) error {
	rc := rw.RuntimeConfig()
	if rc.Paused == paused {
		return nil
	}
	rc.Paused = paused
	if _, err := rw.writeDB.Updates(
		ctx,
		&rc,
		map[string]any{"paused": paused},
	); err != nil {
		return err
	}
	rw.setRuntimeConfig(rc)
	rw.logger.InfoContext(ctx, "pause state changed", "paused", paused)
	return nil
}

// Quit requests a graceful shutdown. Safe to call more than once.
func (rw *RefWarden) Quit() {
	rw.quitOnce.Do(
		func() {
			close(rw.quitCh)
		},
	)
}

// Run starts the bot and blocks until the context is canceled, a
// shutdown is requested through the API, or startup fails.
func (rw *RefWarden) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = WithLogger(ctx, rw.logger)

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		rw.config.StartupTimeout,
	)
	defer startupCancel()

	if err := rw.startup(startupCtx); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	rw.startedAt = time.Now()
	close(rw.eventCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			rw.watchMirrorQueue(gctx)
			return nil
		},
	)
	g.Go(
		func() error {
			return rw.api.Serve(gctx)
		},
	)
	if rw.config.RuntimeConfigTTL > 0 {
		g.Go(
			func() error {
				rw.runtimeConfigRefresher(gctx)
				return nil
			},
		)
	}
	g.Go(
		func() error {
			select {
			case <-gctx.Done():
			case <-rw.quitCh:
				rw.logger.Info("shutdown requested")
				cancel()
			}
			return nil
		},
	)

	err := g.Wait()
	rw.shutdown()
	return err
}

// startup connects the database, rebuilds in-memory state, opens the
// gateway session, and registers slash commands.
func (rw *RefWarden) startup(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		rw.config.DatabaseType,
		rw.config.Database,
		rw.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	rw.db = db
	rw.writeDB = NewDatabase(
		db,
		slog.New(rw.logHandler),
		rw.config.DatabaseType != dbTypeSQLite,
	)

	if err = rw.refreshRuntimeConfig(ctx); err != nil {
		return err
	}
	rc := rw.RuntimeConfig()

	users := rw.writeDB.LoadUsers()
	rw.logger.InfoContext(ctx, "loaded users", "count", len(users))

	if err = rw.disputes.Load(ctx, rw.db); err != nil {
		return err
	}

	rw.discord.setDiscordgoLogger(ctx, rw.logHandler)
	rw.discord.session.AddHandler(rw.discord.handlerReady())
	rw.discord.session.AddHandler(rw.discord.handlerConnect())
	rw.discord.session.AddHandler(rw.discord.handlerDisconnect())
	rw.discord.session.AddHandler(rw.handleInteraction)
	rw.discord.session.AddHandler(rw.handleDiscordMessage)

	if err = rw.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = rw.discord.registerCommands(ctx); err != nil {
		return err
	}

	rw.discord.updateCustomStatus(ctx, rc.DiscordCustomStatus)
	if rc.NotificationChannelID != "" && rw.config.Discord.StartupMessage != "" {
		_, _ = rw.discord.channelMessageSend(
			ctx,
			rc.NotificationChannelID,
			rw.config.Discord.StartupMessage,
		)
	}

	rw.logger.InfoContext(
		ctx,
		"startup complete",
		"open_disputes", rw.disputes.Len(),
		"config", *rw.config,
	)
	return nil
}

func (rw *RefWarden) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		rw.config.ShutdownTimeout,
	)
	defer cancel()

	rc := rw.RuntimeConfig()
	if rc.NotificationChannelID != "" {
		_, _ = rw.discord.channelMessageSend(
			shutdownCtx,
			rc.NotificationChannelID,
			"Going offline for a bit. Open disputes will pick back up "+
				"when I'm back.",
		)
	}

	if dropped := rw.mirrorQueue.Clear(); dropped > 0 {
		rw.logger.Warn("dropped queued mirror messages", "count", dropped)
	}
	if err := rw.discord.session.Close(); err != nil {
		rw.logger.Error("error closing discord session", tint.Err(err))
	}
	rw.logger.Info("shutdown complete", "uptime", time.Since(rw.startedAt))
}

// runtimeConfigRefresher periodically reloads the runtime config so
// changes made directly in the database are eventually picked up.
func (rw *RefWarden) runtimeConfigRefresher(ctx context.Context) {
	ticker := time.NewTicker(rw.config.RuntimeConfigTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rw.refreshRuntimeConfig(ctx); err != nil {
				rw.logger.WarnContext(
					ctx,
					"error refreshing runtime config",
					tint.Err(err),
				)
			}
		}
	}
}

// handleInteraction dispatches gateway interactions: slash commands
// and the DM disambiguation menu. Handler errors never propagate to
// discordgo, each handler logs and replies with a user-facing error.
func (rw *RefWarden) handleInteraction(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	ctx := WithLogger(context.Background(), rw.logger)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = rw.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		rw.logInteraction(ctx, i)
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandDispute:
			rw.handleDisputeCommand(ctx, i)
		case DiscordSlashCommandRuling:
			rw.handleRulingCommand(ctx, i)
		case DiscordSlashCommandResolve:
			rw.handleResolveCommand(ctx, i)
		default:
			rw.logger.WarnContext(
				ctx,
				"unknown slash command",
				"command", data.Name,
				interactionLogAttrs(*i),
			)
		}
	case discordgo.InteractionMessageComponent:
		rw.logInteraction(ctx, i)
		customID := i.MessageComponentData().CustomID
		prefix, token, found := strings.Cut(customID, ":")
		if found && prefix == customIDRouteSelect {
			rw.handleRouteSelection(ctx, i, token)
			return
		}
		rw.logger.WarnContext(
			ctx,
			"unknown component interaction",
			"custom_id", customID,
			interactionLogAttrs(*i),
		)
	default:
		rw.logger.DebugContext(
			ctx,
			"ignoring interaction",
			interactionLogAttrs(*i),
		)
	}
}

// handleDiscordMessage routes gateway messages: DMs go through the DM
// router, and messages posted in a dispute thread are queued for
// mirroring into the referee thread.
func (rw *RefWarden) handleDiscordMessage(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil &&
		m.Author.ID == s.State.User.ID {
		return
	}

	ctx := WithLogger(context.Background(), rw.logger)

	if m.GuildID == "" {
		rw.handleDirectMessage(ctx, m)
		return
	}

	dispute := rw.disputes.ByDisputeThread(m.ChannelID)
	if dispute == nil {
		return
	}
	rc := rw.RuntimeConfig()
	if rc.Paused || !rc.EvidenceMirrorEnabled {
		return
	}

	if err := rw.mirrorQueue.Push(
		&mirroredMessage{
			dispute:   dispute,
			message:   m.Message,
			timestamp: messageTimestamp(m.Message),
		},
	); err != nil {
		rw.logger.WarnContext(
			ctx,
			"unable to queue evidence message",
			tint.Err(err),
			"message_id", m.ID,
			"channel_id", m.ChannelID,
		)
	}

	if _, _, err := rw.writeDB.GetOrCreateUser(ctx, *m.Author); err != nil {
		rw.logger.WarnContext(ctx, "error updating user", tint.Err(err))
	}
}

// InteractionLog is the audit record of a received interaction.
type InteractionLog struct {
	ModelUintID
	ModelUnixTime

	InteractionID string `json:"interaction_id" gorm:"index"`
	Type          string `json:"type"`
	CommandName   string `json:"command_name" gorm:"index"`
	UserID        string `json:"user_id" gorm:"index"`
	Username      string `json:"username"`
	ChannelID     string `json:"channel_id"`
	GuildID       string `json:"guild_id"`
	Payload       string `json:"payload" log:"-"`
}

// logInteraction persists an audit record for an interaction. Failure
// to record is logged and otherwise ignored.
func (rw *RefWarden) logInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	record := InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		ChannelID:     i.ChannelID,
		GuildID:       i.GuildID,
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		record.CommandName = i.ApplicationCommandData().Name
	}
	if u := getDiscordUser(i); u != nil {
		record.UserID = u.ID
		record.Username = u.Username
	}
	if payload, err := json.Marshal(i.Interaction); err == nil {
		record.Payload = string(payload)
	}
	if _, err := rw.writeDB.Create(ctx, &record); err != nil {
		rw.logger.WarnContext(
			ctx,
			"error recording interaction",
			tint.Err(err),
			interactionLogAttrs(*i),
		)
	}
}
