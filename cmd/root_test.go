package cmd

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level   string
		want    slog.Level
		wantErr bool
	}{
		{level: "DEBUG", want: slog.LevelDebug},
		{level: "INFO", want: slog.LevelInfo},
		{level: "WARN", want: slog.LevelWarn},
		{level: "ERROR", want: slog.LevelError},
		{level: "TRACE", wantErr: true},
		{level: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.level, func(t *testing.T) {
				t.Parallel()
				lvl, err := getLogLevel(tt.level)
				if tt.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, lvl)
			},
		)
	}
}

func TestLevelStringToLevelVar(t *testing.T) {
	t.Parallel()

	lvl, err := levelStringToLevelVar("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl.Level())

	// slog accepts offsets like WARN+2
	lvl, err = levelStringToLevelVar("WARN+2")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn+2, lvl.Level())

	_, err = levelStringToLevelVar("LOUD")
	assert.Error(t, err)
}

func TestLevelToStringHookFunc(t *testing.T) {
	t.Parallel()

	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})

	rv, err := hook(
		reflect.TypeOf(""),
		levelVarType,
		"ERROR",
	)
	require.NoError(t, err)
	lvlVar, ok := rv.(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelError, lvlVar.Level())

	// non-level targets pass through untouched
	rv, err = hook(
		reflect.TypeOf(""),
		reflect.TypeOf(""),
		"ERROR",
	)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", rv)

	_, err = hook(
		reflect.TypeOf(""),
		levelVarType,
		"LOUD",
	)
	assert.Error(t, err)
}
