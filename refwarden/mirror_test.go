package refwarden

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedMessage(id string, ts time.Time) *mirroredMessage {
	return &mirroredMessage{
		dispute: &Dispute{RefereeThreadID: "rt"},
		message: &discordgo.Message{
			ID:        id,
			Content:   id,
			Timestamp: ts,
			Author:    &discordgo.User{ID: "u", Username: "u"},
		},
		timestamp: ts,
	}
}

func TestMirrorQueue_OrdersByTimestamp(t *testing.T) {
	t.Parallel()
	q, err := NewMirrorMemoryQueue(
		&MirrorConfig{Size: 10, SleepEmpty: time.Millisecond},
		nil,
	)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, q.Push(newQueuedMessage("third", now.Add(2*time.Second))))
	require.NoError(t, q.Push(newQueuedMessage("first", now)))
	require.NoError(t, q.Push(newQueuedMessage("second", now.Add(time.Second))))

	ctx := context.Background()
	assert.Equal(t, "first", q.Pop(ctx).message.ID)
	assert.Equal(t, "second", q.Pop(ctx).message.ID)
	assert.Equal(t, "third", q.Pop(ctx).message.ID)
	assert.Nil(t, q.Pop(ctx))
}

func TestMirrorQueue_Full(t *testing.T) {
	t.Parallel()
	q, err := NewMirrorMemoryQueue(&MirrorConfig{Size: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Push(newQueuedMessage("a", time.Now())))
	err = q.Push(newQueuedMessage("b", time.Now()))
	require.ErrorIs(t, err, ErrMirrorQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestMirrorQueue_DiscardsExpired(t *testing.T) {
	t.Parallel()
	q, err := NewMirrorMemoryQueue(
		&MirrorConfig{Size: 10, MaxAge: time.Minute},
		nil,
	)
	require.NoError(t, err)

	stale := newQueuedMessage("stale", time.Now().Add(-time.Hour))
	stale.queuedAt = time.Now().Add(-time.Hour)
	require.NoError(t, q.Push(stale))
	require.NoError(t, q.Push(newQueuedMessage("fresh", time.Now())))

	got := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "fresh", got.message.ID)
	assert.Equal(t, 0, q.Len())
}

func TestMirrorQueue_Clear(t *testing.T) {
	t.Parallel()
	q, err := NewMirrorMemoryQueue(&MirrorConfig{Size: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Push(newQueuedMessage("a", time.Now())))
	require.NoError(t, q.Push(newQueuedMessage("b", time.Now())))
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())
}

func TestFormatMirrorMessage(t *testing.T) {
	t.Parallel()

	msg := &discordgo.Message{
		Content: "final score was 2-1",
		Author: &discordgo.User{
			Username:   "player_one",
			GlobalName: "Player One",
		},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example.com/scoreboard.png"},
		},
	}
	content := formatMirrorMessage(msg)
	assert.Contains(t, content, "**Player One**")
	assert.Contains(t, content, "final score was 2-1")
	assert.Contains(t, content, "https://cdn.example.com/scoreboard.png")
}

func TestFormatMirrorMessage_NoAuthor(t *testing.T) {
	t.Parallel()
	content := formatMirrorMessage(&discordgo.Message{Content: "hi"})
	assert.Contains(t, content, "**unknown**")
}

func TestMirrorMessage_SendsToRefereeThread(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")
	ctx := context.Background()

	rw.mirrorMessage(
		ctx,
		&mirroredMessage{
			dispute: dispute,
			message: &discordgo.Message{
				ID:      "original",
				Content: "the replay file",
				Author:  &discordgo.User{ID: "player-1", Username: "player-one"},
			},
			timestamp: time.Now(),
		},
	)

	messages := mock.channelMessages(dispute.RefereeThreadID)
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	assert.Contains(t, last.Content, "the replay file")

	var records []DiscordMessage
	require.NoError(
		t,
		rw.db.Where("dispute_id = ?", dispute.ID).Find(&records).Error,
	)
	require.Len(t, records, 1)
	assert.Equal(t, "player-1", records[0].UserID)
}

func TestMirrorMessage_SkipsClosedDispute(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")
	ctx := context.Background()

	rw.disputes.Remove(dispute)
	before := len(mock.channelMessages(dispute.RefereeThreadID))

	rw.mirrorMessage(
		ctx,
		&mirroredMessage{
			dispute: dispute,
			message: &discordgo.Message{
				ID:      "late",
				Content: "too late",
				Author:  &discordgo.User{ID: "player-1"},
			},
		},
	)
	assert.Len(t, mock.channelMessages(dispute.RefereeThreadID), before)
}
