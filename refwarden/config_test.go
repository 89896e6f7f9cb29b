package refwarden

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, DefaultRuntimeConfigTTL, cfg.RuntimeConfigTTL)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
	assert.Equal(t, DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)

	require.NotNil(t, cfg.Mirror)
	assert.Equal(t, DefaultMirrorQueueSize, cfg.Mirror.Size)
	assert.Equal(t, DefaultMirrorSendsPerSecond, cfg.Mirror.SendsPerSecond)

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(t, uint16(DefaultAPITLSMinVersion), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, DefaultAPISessionMaxAge, cfg.API.SessionMaxAge)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Empty(t, cfg.API.CORS.AllowOrigins)
}

func TestDefaultRuntimeConfig(t *testing.T) {
	t.Parallel()
	rc := DefaultRuntimeConfig()

	assert.Equal(t, DefaultDiscordErrorMessage, rc.DiscordErrorMessage)
	assert.Equal(t, DefaultCustomStatus, rc.DiscordCustomStatus)
	assert.Equal(t, DefaultRulingTemplate, rc.RulingTemplate)
	assert.Equal(t, DefaultResolutionTemplate, rc.ResolutionTemplate)
	assert.Equal(t, DefaultDecisionChannelPattern, rc.DecisionChannelPattern)
	assert.True(t, rc.EvidenceMirrorEnabled)
	assert.False(t, rc.Paused)
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	_, err := New(cfg)
	require.NoError(t, err)
}

func TestValidateConfig_MissingToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.ApplicationID = "app"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestValidateConfig_MissingApplicationID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestValidateConfig_BadDatabaseType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestValidateMirrorConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mirror  MirrorConfig
		wantErr bool
	}{
		{
			name: "valid",
			mirror: MirrorConfig{
				Size:           10,
				MaxAge:         time.Minute,
				SleepEmpty:     time.Second,
				SendsPerSecond: 1,
			},
		},
		{
			name: "unlimited size and age",
			mirror: MirrorConfig{
				SendsPerSecond: 2,
			},
		},
		{
			name: "negative size",
			mirror: MirrorConfig{
				Size:           -1,
				SendsPerSecond: 1,
			},
			wantErr: true,
		},
		{
			name: "negative max age",
			mirror: MirrorConfig{
				MaxAge:         -time.Second,
				SendsPerSecond: 1,
			},
			wantErr: true,
		},
		{
			name:    "zero sends per second",
			mirror:  MirrorConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				rv := validateMirrorConfig(reflect.ValueOf(tt.mirror))
				if tt.wantErr {
					assert.NotNil(t, rv)
				} else {
					assert.Nil(t, rv)
				}
			},
		)
	}
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.Discord.ApplicationID = "app"

	var found func(v slog.Value) bool
	found = func(v slog.Value) bool {
		for _, attr := range v.Group() {
			if attr.Value.Kind() == slog.KindGroup {
				if found(attr.Value) {
					return true
				}
				continue
			}
			if attr.Value.String() == "super-secret-token" {
				return true
			}
		}
		return false
	}
	assert.False(
		t,
		found(cfg.LogValue()),
		"token leaked into log output",
	)
}
