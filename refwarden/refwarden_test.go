package refwarden

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession implements [DiscordSessionHandler] in memory,
// recording what the bot sends so tests can assert on it.
type mockDiscordSession struct {
	mu sync.Mutex

	messages       map[string][]*discordgo.Message
	messageSends   map[string][]*discordgo.MessageSend
	threads        map[string]*discordgo.Channel
	threadMembers  map[string][]string
	removedMembers map[string][]string
	archived       []string

	interactionResponses map[string]*discordgo.InteractionResponse
	interactionEdits     map[string]string

	dmChannels    map[string]*discordgo.Channel
	guildChannels []*discordgo.Channel
	guildMembers  []*discordgo.Member
	commands      []*discordgo.ApplicationCommand

	customStatus string

	threadStartErr    error
	channelMessageErr error
	dmErr             error

	nextID int
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		messages:             map[string][]*discordgo.Message{},
		messageSends:         map[string][]*discordgo.MessageSend{},
		threads:              map[string]*discordgo.Channel{},
		threadMembers:        map[string][]string{},
		removedMembers:       map[string][]string{},
		interactionResponses: map[string]*discordgo.InteractionResponse{},
		interactionEdits:     map[string]string{},
		dmChannels:           map[string]*discordgo.Channel{},
	}
}

func (m *mockDiscordSession) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (m *mockDiscordSession) GatewayBot(_ ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = state
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses[interaction.ID] = resp
	return nil
}

func (m *mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if content, ok := m.interactionEdits[interaction.ID]; ok {
		return &discordgo.Message{Content: content}, nil
	}
	return nil, fmt.Errorf("no response for interaction %s", interaction.ID)
}

func (m *mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content := ""
	if newresp.Content != nil {
		content = *newresp.Content
	}
	m.interactionEdits[interaction.ID] = content
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interactionEdits, interaction.ID)
	return nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelMessageErr != nil {
		return nil, m.channelMessageErr
	}
	msg := &discordgo.Message{
		ID:        m.newID("msg"),
		ChannelID: channelID,
		Content:   content,
		Timestamp: time.Now(),
	}
	m.messages[channelID] = append(m.messages[channelID], msg)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelMessageErr != nil {
		return nil, m.channelMessageErr
	}
	m.messageSends[channelID] = append(m.messageSends[channelID], data)
	msg := &discordgo.Message{
		ID:        m.newID("msg"),
		ChannelID: channelID,
		Content:   data.Content,
	}
	m.messages[channelID] = append(m.messages[channelID], msg)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSend(channelID, content)
}

func (m *mockDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data.Archived != nil && *data.Archived {
		m.archived = append(m.archived, channelID)
	}
	ch := m.threads[channelID]
	if ch == nil {
		ch = &discordgo.Channel{ID: channelID}
	}
	return ch, nil
}

func (m *mockDiscordSession) ThreadStart(
	channelID string,
	name string,
	typ discordgo.ChannelType,
	_ int,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threadStartErr != nil {
		return nil, m.threadStartErr
	}
	thread := &discordgo.Channel{
		ID:       m.newID("thread"),
		Name:     name,
		Type:     typ,
		ParentID: channelID,
	}
	m.threads[thread.ID] = thread
	return thread, nil
}

func (m *mockDiscordSession) ThreadMemberAdd(
	threadID string,
	memberID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threadMembers[threadID] = append(m.threadMembers[threadID], memberID)
	return nil
}

func (m *mockDiscordSession) ThreadMemberRemove(
	threadID string,
	memberID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedMembers[threadID] = append(m.removedMembers[threadID], memberID)
	return nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmErr != nil {
		return nil, m.dmErr
	}
	if ch, ok := m.dmChannels[recipientID]; ok {
		return ch, nil
	}
	ch := &discordgo.Channel{
		ID:   m.newID("dm"),
		Type: discordgo.ChannelTypeDM,
	}
	m.dmChannels[recipientID] = ch
	return ch, nil
}

func (m *mockDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guildChannels, nil
}

func (m *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.guildMembers {
		if member.User != nil && member.User.ID == userID {
			return member, nil
		}
	}
	return nil, fmt.Errorf("member %s not found", userID)
}

func (m *mockDiscordSession) GuildMembers(
	_ string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if after != "" {
		return nil, nil
	}
	if limit > len(m.guildMembers) {
		limit = len(m.guildMembers)
	}
	return m.guildMembers[:limit], nil
}

// channelMessages returns copies of messages sent to a channel.
func (m *mockDiscordSession) channelMessages(channelID string) []*discordgo.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]*discordgo.Message, len(m.messages[channelID]))
	copy(rv, m.messages[channelID])
	return rv
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   t.Name(),
		GlobalName: t.Name(),
	}
}

// newTestRefWarden creates a bot with a mock Discord session and a
// temp sqlite database, ready for handlers to be called directly.
func newTestRefWarden(t testing.TB) (*RefWarden, *mockDiscordSession) {
	t.Helper()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.Discord.Token = t.Name()
	cfg.Discord.ApplicationID = "app-test"
	cfg.Discord.GuildID = "guild-test"
	cfg.API.Listen = filepath.Join(t.TempDir(), "api.sock")
	cfg.API.ListenNetwork = "unix"
	cfg.API.Secret = "0123456789abcdef0123456789abcdef"
	cfg.LogLevel.Set(slog.LevelError)
	cfg.Discord.LogLevel.Set(slog.LevelError)
	cfg.DatabaseLogLevel.Set(slog.LevelError)

	rw, err := New(cfg)
	require.NoError(t, err)

	mock := newMockDiscordSession()
	rw.discord.session = mock

	db, err := CreateDB(
		ctx,
		cfg.DatabaseType,
		cfg.Database,
		cfg.DatabaseSlowThreshold,
	)
	require.NoError(t, err)
	rw.db = db
	rw.writeDB = NewDatabase(db, nil, false)

	require.NoError(t, rw.refreshRuntimeConfig(ctx))
	rc := rw.RuntimeConfig()
	rc.RefereeRoleID = "role-referee"
	rc.RefereeChannelID = "chan-referees"
	rw.setRuntimeConfig(rc)

	mock.guildMembers = []*discordgo.Member{
		{
			User:  &discordgo.User{ID: "referee-1", Username: "ref-one"},
			Roles: []string{"role-referee"},
		},
		{
			User:  &discordgo.User{ID: "bystander", Username: "bystander"},
			Roles: []string{"role-other"},
		},
	}
	mock.guildChannels = []*discordgo.Channel{
		{
			ID:       "chan-general",
			Name:     "general",
			Type:     discordgo.ChannelTypeGuildText,
			Position: 0,
		},
		{
			ID:       "chan-decisions",
			Name:     "match-decisions",
			Type:     discordgo.ChannelTypeGuildText,
			Position: 1,
		},
	}
	return rw, mock
}

// newCommandInteraction builds a slash command interaction from a
// guild member.
func newCommandInteraction(
	t testing.TB,
	user *discordgo.User,
	commandName string,
	channelID string,
	roles []string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        fmt.Sprintf("interaction-%s-%d", t.Name(), time.Now().UnixNano()),
			AppID:     "app-test",
			GuildID:   "guild-test",
			ChannelID: channelID,
			Type:      discordgo.InteractionApplicationCommand,
			Member: &discordgo.Member{
				User:  user,
				Roles: roles,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      "command-id",
				Name:    commandName,
				Options: options,
			},
		},
	}
}

func openTestDispute(
	t testing.TB,
	rw *RefWarden,
	mock *mockDiscordSession,
	playerID string,
	opponentID string,
) *Dispute {
	t.Helper()
	ctx := context.Background()

	dispute, err := NewDispute(
		"guild-test",
		"chan-general",
		playerID,
		opponentID,
		DisputeCategoryScoring,
		"disagreement over game 3 score",
	)
	require.NoError(t, err)

	rc := rw.RuntimeConfig()
	disputeThread, err := rw.discord.createDisputeThread(
		ctx,
		dispute.ChannelID,
		"test dispute",
		playerID,
		opponentID,
	)
	require.NoError(t, err)
	refereeThread, err := rw.discord.createRefereeThread(ctx, rc, "test dispute")
	require.NoError(t, err)

	dispute.DisputeThreadID = disputeThread.ID
	dispute.RefereeThreadID = refereeThread.ID
	_, err = rw.writeDB.Create(ctx, dispute)
	require.NoError(t, err)
	rw.disputes.Add(dispute)
	return dispute
}

func TestHandleDiscordMessage_QueuesEvidence(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")

	msg := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "msg-evidence",
			ChannelID: dispute.DisputeThreadID,
			GuildID:   "guild-test",
			Content:   "screenshot of the scoreboard",
			Author:    &discordgo.User{ID: "player-1", Username: "player-one"},
			Timestamp: time.Now(),
		},
	}
	rw.handleDiscordMessage(nil, msg)

	require.Equal(t, 1, rw.mirrorQueue.Len())

	queued := rw.mirrorQueue.Pop(context.Background())
	require.NotNil(t, queued)
	assert.Equal(t, "msg-evidence", queued.message.ID)
	assert.Equal(t, dispute.RefereeThreadID, queued.dispute.RefereeThreadID)
}

func TestHandleDiscordMessage_IgnoresBots(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")

	rw.handleDiscordMessage(
		nil,
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "msg-bot",
				ChannelID: dispute.DisputeThreadID,
				GuildID:   "guild-test",
				Content:   "bot noise",
				Author:    &discordgo.User{ID: "bot-user", Bot: true},
			},
		},
	)
	assert.Equal(t, 0, rw.mirrorQueue.Len())
}

func TestHandleDiscordMessage_PausedSkipsMirror(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")

	rc := rw.RuntimeConfig()
	rc.Paused = true
	rw.setRuntimeConfig(rc)

	rw.handleDiscordMessage(
		nil,
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "msg-paused",
				ChannelID: dispute.DisputeThreadID,
				GuildID:   "guild-test",
				Content:   "evidence while paused",
				Author:    &discordgo.User{ID: "player-1"},
			},
		},
	)
	assert.Equal(t, 0, rw.mirrorQueue.Len())
}

func TestPauseResume(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	ctx := context.Background()

	require.False(t, rw.RuntimeConfig().Paused)
	require.NoError(t, rw.Pause(ctx))
	assert.True(t, rw.RuntimeConfig().Paused)

	// reloading from the database keeps the paused state
	require.NoError(t, rw.refreshRuntimeConfig(ctx))
	assert.True(t, rw.RuntimeConfig().Paused)

	require.NoError(t, rw.Resume(ctx))
	assert.False(t, rw.RuntimeConfig().Paused)
}

func TestQuitIdempotent(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	rw.Quit()
	rw.Quit()
	select {
	case <-rw.quitCh:
	default:
		t.Fatal("quit channel not closed")
	}
}

func TestLogInteraction(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	ctx := context.Background()

	u := newDiscordUser(t)
	i := newCommandInteraction(
		t,
		u,
		DiscordSlashCommandDispute,
		"chan-general",
		nil,
	)
	rw.logInteraction(ctx, i)

	var records []InteractionLog
	require.NoError(t, rw.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, DiscordSlashCommandDispute, records[0].CommandName)
	assert.Equal(t, u.ID, records[0].UserID)
	assert.NotEmpty(t, records[0].Payload)
}
