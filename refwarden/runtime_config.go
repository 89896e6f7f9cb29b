package refwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	// DefaultRulingTemplate is the message posted to the decision
	// channel when a referee issues a ruling. It is rendered with
	// [rulingTemplateData].
	DefaultRulingTemplate = "**Dispute ruling — {{ .Category }}**\n" +
		"Parties: {{ .Player }} vs {{ .Opponent }}\n" +
		"Outcome: **{{ .Outcome }}**\n" +
		"{{- if .Notes }}\n" +
		"Notes: {{ .Notes }}\n" +
		"{{- end }}\n" +
		"Ruled by {{ .Referee }}"

	// DefaultResolutionTemplate is posted to the dispute thread when a
	// dispute is closed without a formal ruling.
	DefaultResolutionTemplate = "This dispute has been resolved and is now closed. " +
		"Thanks for your patience."

	DefaultDiscordErrorMessage = "Something went wrong on our end. " +
		"Please try again, or ping a referee directly."

	DefaultDisputeAcknowledgment = "Your dispute has been flagged. " +
		"A referee thread has been opened and the referees have been notified. " +
		"Post your evidence in %s."

	DefaultCustomStatus = "watching for disputes"
)

// RuntimeConfig is configuration that can be changed at runtime
// through the API, without restarting the bot. A single row is kept in
// the database and cached on [RefWarden]; use [RefWarden.RuntimeConfig]
// to read it and [RefWarden.setRuntimeConfig] to update it.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"-"`
	AdminPassword string `json:"-" gorm:"type:string" log:"-"`
}

// CommandOptions is the runtime-adjustable behavior of the bot.
type CommandOptions struct {
	// Paused stops the bot from accepting new disputes and mirroring
	// evidence. Existing referee threads stay readable.
	Paused bool `json:"paused" gorm:"default:false"`

	// RefereeRoleID is the role whose members are added to each new
	// referee thread, and who may use the ruling commands.
	RefereeRoleID string `json:"referee_role_id" gorm:"type:string"`

	// RefereeChannelID is the channel under which private referee
	// threads are created.
	RefereeChannelID string `json:"referee_channel_id" gorm:"type:string"`

	// DecisionChannelID, if set, is the channel rulings are posted
	// to. If empty, the channel is auto-detected by name using
	// DecisionChannelPattern.
	DecisionChannelID string `json:"decision_channel_id" gorm:"type:string"`

	// DecisionChannelPattern is the case-insensitive substring used to
	// auto-detect the decision channel when DecisionChannelID is not
	// set.
	DecisionChannelPattern string `json:"decision_channel_pattern" gorm:"type:string" binding:"omitempty,min=1"`

	// NotificationChannelID, if set, receives startup and shutdown
	// notices.
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// EvidenceMirrorEnabled enables copying messages posted in a
	// dispute thread into the paired referee thread.
	EvidenceMirrorEnabled bool `json:"evidence_mirror_enabled" gorm:"default:true"`

	// PendingRouteTTL is how long a DM disambiguation menu stays
	// usable before the sender has to resend their message.
	PendingRouteTTL Duration `json:"pending_route_ttl" gorm:"type:string"`

	// RulingTemplate is the text/template rendered into the decision
	// channel message when a ruling is posted.
	RulingTemplate string `json:"ruling_template" gorm:"type:string" binding:"omitempty,min=1"`

	// ResolutionTemplate is posted to the dispute thread when a
	// dispute is resolved without a ruling.
	ResolutionTemplate string `json:"resolution_template" gorm:"type:string" binding:"omitempty,min=1"`

	// DiscordErrorMessage is the user-facing response sent when
	// handling a command fails.
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string" binding:"omitempty,min=1"`

	// DiscordCustomStatus sets the bot's custom status. If empty, no
	// status is set.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	LogLevel          DBLogLevel `json:"log_level" gorm:"type:string" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DiscordLogLevel   DBLogLevel `json:"discord_log_level" gorm:"type:string" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DiscordGoLogLevel DBLogLevel `json:"discordgo_log_level" gorm:"type:string" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	DatabaseLogLevel  DBLogLevel `json:"database_log_level" gorm:"type:string" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
	APILogLevel       DBLogLevel `json:"api_log_level" gorm:"type:string" binding:"omitempty,oneof=DEBUG INFO WARN ERROR"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRuntimeConfig returns a [RuntimeConfig] with default values,
// used when no row exists in the database yet.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			Paused:                 false,
			DecisionChannelPattern: DefaultDecisionChannelPattern,
			EvidenceMirrorEnabled:  true,
			PendingRouteTTL:        Duration{DefaultPendingRouteTTL},
			RulingTemplate:         DefaultRulingTemplate,
			ResolutionTemplate:     DefaultResolutionTemplate,
			DiscordErrorMessage:    DefaultDiscordErrorMessage,
			DiscordCustomStatus:    DefaultCustomStatus,
			LogLevel:               DBLogLevel(slog.LevelInfo.String()),
			DiscordLogLevel:        DBLogLevel(slog.LevelInfo.String()),
			DiscordGoLogLevel:      DBLogLevel(slog.LevelWarn.String()),
			DatabaseLogLevel:       DBLogLevel(slog.LevelWarn.String()),
			APILogLevel:            DBLogLevel(slog.LevelInfo.String()),
		},
	}
}

// RuntimeConfigUpdate is the payload for partial runtime config
// updates via the API. Nil fields are left unchanged.
type RuntimeConfigUpdate struct {
	Paused                 *bool       `json:"paused,omitempty"`
	RefereeRoleID          *string     `json:"referee_role_id,omitempty"`
	RefereeChannelID       *string     `json:"referee_channel_id,omitempty"`
	DecisionChannelID      *string     `json:"decision_channel_id,omitempty"`
	DecisionChannelPattern *string     `json:"decision_channel_pattern,omitempty" binding:"omitnil,min=1"`
	NotificationChannelID  *string     `json:"notification_channel_id,omitempty"`
	EvidenceMirrorEnabled  *bool       `json:"evidence_mirror_enabled,omitempty"`
	RulingTemplate         *string     `json:"ruling_template,omitempty" binding:"omitnil,min=1"`
	ResolutionTemplate     *string     `json:"resolution_template,omitempty" binding:"omitnil,min=1"`
	DiscordErrorMessage    *string     `json:"discord_error_message,omitempty" binding:"omitnil,min=1"`
	DiscordCustomStatus    *string     `json:"discord_custom_status,omitempty"`
	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=DEBUG INFO WARN ERROR"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=DEBUG INFO WARN ERROR"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=DEBUG INFO WARN ERROR"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=DEBUG INFO WARN ERROR"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=DEBUG INFO WARN ERROR"`
}

// loadRuntimeConfig returns the stored [RuntimeConfig], creating the
// row with defaults if none exists.
func loadRuntimeConfig(ctx context.Context, db *gorm.DB, writeDB DBI) (
	RuntimeConfig,
	error,
) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}

	var cfg RuntimeConfig
	err := db.WithContext(ctx).Last(&cfg).Error
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("error loading runtime config: %w", err)
	}

	cfg = DefaultRuntimeConfig()
	log.InfoContext(ctx, "creating default runtime config")
	if _, createErr := writeDB.Create(ctx, &cfg); createErr != nil {
		log.ErrorContext(
			ctx,
			"error creating default runtime config",
			tint.Err(createErr),
		)
		return cfg, createErr
	}
	return cfg, nil
}
