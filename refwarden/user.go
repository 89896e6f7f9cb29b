package refwarden

import (
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// User column names used with map-based updates.
var (
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
	columnUserIgnored    = "ignored"
)

// User is a Discord user that has interacted with the bot, either by
// flagging a dispute, being named as an opponent, or sending a DM.
// The primary key is the Discord user ID.
type User struct {
	ModelStringID
	ModelUnixTime

	Username   string `json:"username"`
	GlobalName string `json:"global_name"`

	// LastSeen is the unix millisecond timestamp of the last time an
	// interaction or message from this user was handled.
	LastSeen int64 `json:"last_seen"`

	// Ignored users have their slash commands rejected and their DMs
	// dropped without routing.
	Ignored bool `json:"ignored" gorm:"default:false"`

	// DisputesFlagged counts the disputes this user has opened.
	DisputesFlagged int `json:"disputes_flagged" gorm:"default:0"`
}

// NewUser creates a [User] from a discordgo user payload.
func NewUser(u discordgo.User) (*User, error) {
	var err error
	if u.ID == "" {
		err = errors.New("empty user ID")
	}
	user := &User{
		ModelStringID: ModelStringID{ID: u.ID},
		Username:      u.Username,
		GlobalName:    u.GlobalName,
	}
	return user, err
}

func (u User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	)
}

// userChangedDiscordUsername reports whether the discordgo payload
// carries a different username or global name than the stored record.
func (u User) userChangedDiscordUsername(du discordgo.User) bool {
	return u.Username != du.Username || u.GlobalName != du.GlobalName
}
