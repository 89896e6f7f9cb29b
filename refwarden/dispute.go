package refwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// DisputeState indicates where a [Dispute] is in its lifecycle.
type DisputeState string

func (d DisputeState) String() string {
	return string(d)
}

const (
	// DisputeStateOpen indicates the dispute has been flagged and its
	// referee thread is active.
	DisputeStateOpen DisputeState = "open"

	// DisputeStateRuled indicates a ruling has been posted to the
	// decision channel for this dispute.
	DisputeStateRuled DisputeState = "ruled"

	// DisputeStateResolved indicates the dispute was closed without a
	// formal ruling.
	DisputeStateResolved DisputeState = "resolved"
)

// DisputeCategory is the issue category a player selects when
// flagging a dispute.
type DisputeCategory string

func (d DisputeCategory) String() string {
	return string(d)
}

const (
	DisputeCategoryScoring   DisputeCategory = "scoring"
	DisputeCategoryConduct   DisputeCategory = "conduct"
	DisputeCategoryForfeit   DisputeCategory = "forfeit"
	DisputeCategoryTechnical DisputeCategory = "technical"
)

// categoryLabel returns a human-readable label for a category.
func categoryLabel(c DisputeCategory) string {
	switch c {
	case DisputeCategoryScoring:
		return "Scoring"
	case DisputeCategoryConduct:
		return "Conduct"
	case DisputeCategoryForfeit:
		return "Forfeit"
	case DisputeCategoryTechnical:
		return "Technical"
	default:
		return c.String()
	}
}

// DisputeCategories lists the selectable issue categories, in the
// order they appear in the slash command choices.
var DisputeCategories = []DisputeCategory{
	DisputeCategoryScoring,
	DisputeCategoryConduct,
	DisputeCategoryForfeit,
	DisputeCategoryTechnical,
}

// Dispute column names, used with [DBI.Update] and friends so a
// renamed field breaks loudly at compile time instead of silently
// updating nothing.
var (
	columnDisputeState             = "state"
	columnDisputeOutcome           = "outcome"
	columnDisputeRulingNotes       = "ruling_notes"
	columnDisputeRuledBy           = "ruled_by"
	columnDisputeResolvedAt        = "resolved_at"
	columnDisputeDecisionMessageID = "decision_message_id"
)

// Dispute is the record of a single flagged match dispute: who is
// involved, where the evidence lives, and how it was decided.
//
// ChannelID is the public channel the dispute was flagged in.
// DisputeThreadID is the thread opened there for the two players, and
// RefereeThreadID is the private referee thread evidence is mirrored
// into. A dispute with State [DisputeStateOpen] is held in the
// in-memory [DisputeRegistry]; ruled or resolved disputes only exist
// in the database.
type Dispute struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"index"`
	ChannelID string `json:"channel_id" gorm:"index"`

	DisputeThreadID string `json:"dispute_thread_id" gorm:"index"`
	RefereeThreadID string `json:"referee_thread_id" gorm:"index"`

	// PlayerID is the player that flagged the dispute; OpponentID is
	// the other party they named.
	PlayerID   string `json:"player_id" gorm:"index"`
	OpponentID string `json:"opponent_id" gorm:"index"`

	Category DisputeCategory `json:"category"`
	Summary  string          `json:"summary"`

	State DisputeState `json:"state" gorm:"index"`

	// Ruling fields, set when a referee posts a ruling or resolves
	// the dispute.
	Outcome           RulingOutcome `json:"outcome,omitempty"`
	RulingNotes       string        `json:"ruling_notes,omitempty"`
	RuledBy           string        `json:"ruled_by,omitempty"`
	ResolvedAt        int64         `json:"resolved_at,omitempty"`
	DecisionMessageID string        `json:"decision_message_id,omitempty"`
}

// NewDispute creates an open [Dispute]. It returns an error if any
// required identifier is missing.
func NewDispute(
	guildID string,
	channelID string,
	playerID string,
	opponentID string,
	category DisputeCategory,
	summary string,
) (*Dispute, error) {
	var err error
	if guildID == "" {
		err = errors.New("empty guild ID")
	}
	if channelID == "" {
		err = errors.Join(err, errors.New("empty channel ID"))
	}
	if playerID == "" {
		err = errors.Join(err, errors.New("empty player ID"))
	}
	if opponentID == "" {
		err = errors.Join(err, errors.New("empty opponent ID"))
	}
	if playerID != "" && playerID == opponentID {
		err = errors.Join(err, errors.New("player and opponent are the same user"))
	}
	if category == "" {
		category = DisputeCategoryScoring
	}
	if err != nil {
		return nil, err
	}
	return &Dispute{
		GuildID:    guildID,
		ChannelID:  channelID,
		PlayerID:   playerID,
		OpponentID: opponentID,
		Category:   category,
		Summary:    summary,
		State:      DisputeStateOpen,
	}, nil
}

func (d Dispute) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(d.ID)),
		slog.String("channel_id", d.ChannelID),
		slog.String("dispute_thread_id", d.DisputeThreadID),
		slog.String("referee_thread_id", d.RefereeThreadID),
		slog.String("player_id", d.PlayerID),
		slog.String("opponent_id", d.OpponentID),
		slog.String("category", d.Category.String()),
		slog.String("state", d.State.String()),
	)
}

// Players returns the IDs of both parties to the dispute.
func (d Dispute) Players() [2]string {
	return [2]string{d.PlayerID, d.OpponentID}
}

// InvolvesUser reports whether the given user is a party to the
// dispute.
func (d Dispute) InvolvesUser(userID string) bool {
	return userID != "" && (d.PlayerID == userID || d.OpponentID == userID)
}

// Open reports whether the dispute is still awaiting a ruling.
func (d Dispute) Open() bool {
	return d.State == DisputeStateOpen
}

// threadLink returns a clickable link to the given thread.
func threadLink(guildID string, threadID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s", guildID, threadID)
}

// DisputeRegistry indexes open disputes by dispute thread, referee
// thread, and participant so that incoming messages and DMs can be
// routed without a database round trip. It is rebuilt from the
// database on startup.
type DisputeRegistry struct {
	mu              sync.RWMutex
	byDisputeThread map[string]*Dispute
	byRefereeThread map[string]*Dispute
	byUser          map[string][]*Dispute
	logger          *slog.Logger
}

func NewDisputeRegistry(log *slog.Logger) *DisputeRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &DisputeRegistry{
		byDisputeThread: map[string]*Dispute{},
		byRefereeThread: map[string]*Dispute{},
		byUser:          map[string][]*Dispute{},
		logger:          log.With(loggerNameKey, "dispute_registry"),
	}
}

// Add indexes an open dispute. Disputes in any other state are
// ignored.
func (r *DisputeRegistry) Add(d *Dispute) {
	if d == nil || !d.Open() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.DisputeThreadID != "" {
		r.byDisputeThread[d.DisputeThreadID] = d
	}
	if d.RefereeThreadID != "" {
		r.byRefereeThread[d.RefereeThreadID] = d
	}
	for _, userID := range d.Players() {
		if userID == "" {
			continue
		}
		current := r.byUser[userID]
		seen := false
		for _, existing := range current {
			if existing == d || (d.ID > 0 && existing.ID == d.ID) {
				seen = true
				break
			}
		}
		if !seen {
			r.byUser[userID] = append(current, d)
		}
	}
}

// Remove drops a dispute from all indexes, normally after it has been
// ruled or resolved.
func (r *DisputeRegistry) Remove(d *Dispute) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byDisputeThread, d.DisputeThreadID)
	delete(r.byRefereeThread, d.RefereeThreadID)
	for _, userID := range d.Players() {
		if userID == "" {
			continue
		}
		current := r.byUser[userID]
		remaining := make([]*Dispute, 0, len(current))
		for _, existing := range current {
			if existing == d || (d.ID > 0 && existing.ID == d.ID) {
				continue
			}
			remaining = append(remaining, existing)
		}
		if len(remaining) == 0 {
			delete(r.byUser, userID)
		} else {
			r.byUser[userID] = remaining
		}
	}
}

// ByDisputeThread returns the open dispute whose player thread has
// the given ID, or nil.
func (r *DisputeRegistry) ByDisputeThread(threadID string) *Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDisputeThread[threadID]
}

// ByRefereeThread returns the open dispute whose referee thread has
// the given ID, or nil.
func (r *DisputeRegistry) ByRefereeThread(threadID string) *Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRefereeThread[threadID]
}

// ByUser returns the open disputes the given user is a party to.
func (r *DisputeRegistry) ByUser(userID string) []*Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	disputes := r.byUser[userID]
	rv := make([]*Dispute, len(disputes))
	copy(rv, disputes)
	return rv
}

// Disputes returns all currently indexed open disputes.
func (r *DisputeRegistry) Disputes() []*Dispute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rv := make([]*Dispute, 0, len(r.byRefereeThread))
	for _, d := range r.byRefereeThread {
		rv = append(rv, d)
	}
	return rv
}

// Len returns the number of open disputes indexed by referee thread.
func (r *DisputeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRefereeThread)
}

// Load rebuilds the registry from all open disputes in the database.
// Existing indexes are discarded.
func (r *DisputeRegistry) Load(ctx context.Context, db *gorm.DB) error {
	var open []Dispute
	err := db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnDisputeState),
		DisputeStateOpen,
	).Find(&open).Error
	if err != nil {
		return fmt.Errorf("error loading open disputes: %w", err)
	}

	r.mu.Lock()
	r.byDisputeThread = map[string]*Dispute{}
	r.byRefereeThread = map[string]*Dispute{}
	r.byUser = map[string][]*Dispute{}
	r.mu.Unlock()

	for i := 0; i < len(open); i++ {
		d := open[i]
		r.Add(&d)
	}
	r.logger.InfoContext(
		ctx,
		"rebuilt dispute registry",
		"open_disputes", len(open),
	)
	return nil
}

// finalizeDispute updates the dispute's terminal state in the
// database and removes it from the registry. The registry is updated
// even if the database write fails, so routing stops immediately.
func finalizeDispute(
	ctx context.Context,
	db DBI,
	registry *DisputeRegistry,
	d *Dispute,
	updates map[string]any,
) error {
	registry.Remove(d)
	_, err := db.Updates(ctx, d, updates)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if ok && logger != nil {
			logger.ErrorContext(
				ctx,
				"error updating dispute state",
				tint.Err(err),
				"dispute", *d,
			)
		}
		return err
	}
	return nil
}
