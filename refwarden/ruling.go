package refwarden

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// RulingOutcome is the outcome a referee selects when posting a
// ruling.
type RulingOutcome string

func (r RulingOutcome) String() string {
	return string(r)
}

const (
	// RulingOutcomeUphold confirms the original match result.
	RulingOutcomeUphold RulingOutcome = "uphold"

	// RulingOutcomeOverturn reverses the original match result.
	RulingOutcomeOverturn RulingOutcome = "overturn"

	// RulingOutcomeReplay orders the match to be replayed.
	RulingOutcomeReplay RulingOutcome = "replay"

	// RulingOutcomeNoAction closes the dispute without changing
	// anything.
	RulingOutcomeNoAction RulingOutcome = "no_action"
)

// RulingOutcomes lists the selectable outcomes, in the order they
// appear in the slash command choices.
var RulingOutcomes = []RulingOutcome{
	RulingOutcomeUphold,
	RulingOutcomeOverturn,
	RulingOutcomeReplay,
	RulingOutcomeNoAction,
}

// RulingRecord is the audit record of a ruling, kept separately from
// the dispute so the dispute row stays small and rulings are never
// overwritten.
type RulingRecord struct {
	ModelUintID
	ModelUnixTime

	DisputeID uint          `json:"dispute_id" gorm:"index"`
	RefereeID string        `json:"referee_id" gorm:"index"`
	Outcome   RulingOutcome `json:"outcome"`
	Notes     string        `json:"notes"`

	// DecisionMessageID is the message posted to the decision
	// channel, empty if posting failed.
	DecisionMessageID string `json:"decision_message_id"`
	DecisionChannelID string `json:"decision_channel_id"`
}

// rulingTemplateData is the data available to the configured ruling
// template.
type rulingTemplateData struct {
	// Player and Opponent are Discord mention strings for the two
	// parties.
	Player   string
	Opponent string

	Category string
	Outcome  string
	Notes    string

	// Referee is a mention string for the referee that ruled.
	Referee string

	// Summary is the summary given when the dispute was flagged.
	Summary string
}

// renderRuling renders the configured ruling template for a dispute.
// The rendered message is truncated to the Discord message limit.
func renderRuling(
	tmpl string,
	dispute Dispute,
	outcome RulingOutcome,
	notes string,
	refereeID string,
) (string, error) {
	if tmpl == "" {
		return "", errors.New("empty ruling template")
	}
	t, err := template.New("ruling").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("error parsing ruling template: %w", err)
	}

	data := rulingTemplateData{
		Player:   userMention(dispute.PlayerID),
		Opponent: userMention(dispute.OpponentID),
		Category: dispute.Category.String(),
		Outcome:  outcomeLabel(outcome),
		Notes:    notes,
		Referee:  userMention(refereeID),
		Summary:  dispute.Summary,
	}

	var sb strings.Builder
	if err = t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("error rendering ruling template: %w", err)
	}
	return truncate(sb.String(), discordMaxMessageLength), nil
}

// outcomeLabel returns a human-readable label for an outcome.
func outcomeLabel(outcome RulingOutcome) string {
	switch outcome {
	case RulingOutcomeUphold:
		return "Result upheld"
	case RulingOutcomeOverturn:
		return "Result overturned"
	case RulingOutcomeReplay:
		return "Match to be replayed"
	case RulingOutcomeNoAction:
		return "No action taken"
	default:
		return outcome.String()
	}
}

func userMention(userID string) string {
	if userID == "" {
		return ""
	}
	return fmt.Sprintf("<@%s>", userID)
}
