package refwarden

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDispute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		guildID    string
		channelID  string
		playerID   string
		opponentID string
		wantErr    bool
	}{
		{
			name:       "valid",
			guildID:    "g",
			channelID:  "c",
			playerID:   "p1",
			opponentID: "p2",
		},
		{
			name:       "missing guild",
			channelID:  "c",
			playerID:   "p1",
			opponentID: "p2",
			wantErr:    true,
		},
		{
			name:      "missing opponent",
			guildID:   "g",
			channelID: "c",
			playerID:  "p1",
			wantErr:   true,
		},
		{
			name:       "self dispute",
			guildID:    "g",
			channelID:  "c",
			playerID:   "p1",
			opponentID: "p1",
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				d, err := NewDispute(
					tt.guildID,
					tt.channelID,
					tt.playerID,
					tt.opponentID,
					DisputeCategoryConduct,
					"summary",
				)
				if tt.wantErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, DisputeStateOpen, d.State)
				assert.True(t, d.Open())
				assert.True(t, d.InvolvesUser(tt.playerID))
				assert.True(t, d.InvolvesUser(tt.opponentID))
				assert.False(t, d.InvolvesUser("someone-else"))
			},
		)
	}
}

func TestNewDispute_DefaultCategory(t *testing.T) {
	t.Parallel()
	d, err := NewDispute("g", "c", "p1", "p2", "", "summary")
	require.NoError(t, err)
	assert.Equal(t, DisputeCategoryScoring, d.Category)
}

func TestDisputeRegistry(t *testing.T) {
	t.Parallel()
	registry := NewDisputeRegistry(nil)

	d, err := NewDispute("g", "c", "p1", "p2", DisputeCategoryScoring, "s")
	require.NoError(t, err)
	d.ID = 1
	d.DisputeThreadID = "thread-dispute"
	d.RefereeThreadID = "thread-referee"

	registry.Add(d)
	assert.Equal(t, 1, registry.Len())
	assert.Same(t, d, registry.ByDisputeThread("thread-dispute"))
	assert.Same(t, d, registry.ByRefereeThread("thread-referee"))
	require.Len(t, registry.ByUser("p1"), 1)
	require.Len(t, registry.ByUser("p2"), 1)

	// adding the same dispute again shouldn't duplicate the user index
	registry.Add(d)
	assert.Len(t, registry.ByUser("p1"), 1)

	registry.Remove(d)
	assert.Equal(t, 0, registry.Len())
	assert.Nil(t, registry.ByDisputeThread("thread-dispute"))
	assert.Nil(t, registry.ByRefereeThread("thread-referee"))
	assert.Empty(t, registry.ByUser("p1"))
}

func TestDisputeRegistry_IgnoresClosed(t *testing.T) {
	t.Parallel()
	registry := NewDisputeRegistry(nil)

	d, err := NewDispute("g", "c", "p1", "p2", DisputeCategoryScoring, "s")
	require.NoError(t, err)
	d.RefereeThreadID = "thread-referee"
	d.State = DisputeStateRuled

	registry.Add(d)
	assert.Equal(t, 0, registry.Len())
}

func TestDisputeRegistry_MultiplePerUser(t *testing.T) {
	t.Parallel()
	registry := NewDisputeRegistry(nil)

	first, err := NewDispute("g", "c", "p1", "p2", DisputeCategoryScoring, "s")
	require.NoError(t, err)
	first.ID = 1
	first.DisputeThreadID = "dt-1"
	first.RefereeThreadID = "rt-1"

	second, err := NewDispute("g", "c", "p1", "p3", DisputeCategoryConduct, "s")
	require.NoError(t, err)
	second.ID = 2
	second.DisputeThreadID = "dt-2"
	second.RefereeThreadID = "rt-2"

	registry.Add(first)
	registry.Add(second)

	assert.Len(t, registry.ByUser("p1"), 2)
	assert.Len(t, registry.ByUser("p2"), 1)
	assert.Len(t, registry.ByUser("p3"), 1)

	registry.Remove(first)
	remaining := registry.ByUser("p1")
	require.Len(t, remaining, 1)
	assert.Equal(t, uint(2), remaining[0].ID)
}

func TestDisputeRegistry_Load(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	ctx := context.Background()

	open, err := NewDispute("g", "c", "p1", "p2", DisputeCategoryScoring, "s")
	require.NoError(t, err)
	open.DisputeThreadID = "dt-open"
	open.RefereeThreadID = "rt-open"
	_, err = rw.writeDB.Create(ctx, open)
	require.NoError(t, err)

	closed, err := NewDispute("g", "c", "p3", "p4", DisputeCategoryForfeit, "s")
	require.NoError(t, err)
	closed.DisputeThreadID = "dt-closed"
	closed.RefereeThreadID = "rt-closed"
	closed.State = DisputeStateResolved
	_, err = rw.writeDB.Create(ctx, closed)
	require.NoError(t, err)

	registry := NewDisputeRegistry(nil)
	require.NoError(t, registry.Load(ctx, rw.db))

	assert.Equal(t, 1, registry.Len())
	require.NotNil(t, registry.ByRefereeThread("rt-open"))
	assert.Nil(t, registry.ByRefereeThread("rt-closed"))
	assert.Len(t, registry.ByUser("p1"), 1)
	assert.Empty(t, registry.ByUser("p3"))
}
