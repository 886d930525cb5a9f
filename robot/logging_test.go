package robot

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLogLevel_Scan(t *testing.T) {
	testCases := []struct {
		name      string
		input     any
		expected  slog.Level
		expectErr bool
	}{
		{name: "debug", input: "DEBUG", expected: slog.LevelDebug},
		{name: "info", input: "INFO", expected: slog.LevelInfo},
		{name: "warn", input: "WARN", expected: slog.LevelWarn},
		{name: "error", input: "ERROR", expected: slog.LevelError},
		{name: "lowercase", input: "warn", expected: slog.LevelWarn},
		{name: "byte slice", input: []byte("INFO"), expected: slog.LevelInfo},
		{name: "unknown level", input: "TRACE", expectErr: true},
		{name: "bad type", input: 42, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				var level DBLogLevel
				err := level.Scan(tc.input)
				if tc.expectErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, level.Level())
			},
		)
	}
}

func TestDBLogLevel_JSON(t *testing.T) {
	data, err := json.Marshal(DBLogLevelWarn)
	require.NoError(t, err)
	assert.Equal(t, `"WARN"`, string(data))

	var level DBLogLevel
	require.NoError(t, json.Unmarshal([]byte(`"debug"`), &level))
	assert.Equal(t, slog.LevelDebug, level.Level())

	assert.Error(t, json.Unmarshal([]byte(`"TRACE"`), &level))
}

func TestDBLogLevel_UnknownDefaultsToInfo(t *testing.T) {
	level := DBLogLevel("TRACE")
	assert.Equal(t, slog.LevelInfo, level.Level())
}

func TestDiscordGoLogLevels(t *testing.T) {
	testCases := []struct {
		name           string
		inputLogLevel  int
		expectedSLevel slog.Level
	}{
		{
			name:           "Debug level",
			inputLogLevel:  discordgo.LogDebug,
			expectedSLevel: slog.LevelDebug,
		},
		{
			name:           "Error level",
			inputLogLevel:  discordgo.LogError,
			expectedSLevel: slog.LevelError,
		},
		{
			name:           "Warning level",
			inputLogLevel:  discordgo.LogWarning,
			expectedSLevel: slog.LevelWarn,
		},
		{
			name:           "Informational level",
			inputLogLevel:  discordgo.LogInformational,
			expectedSLevel: slog.LevelInfo,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				level, ok := discordGoLogLevels[tc.inputLogLevel]
				require.True(t, ok)
				assert.Equal(t, tc.expectedSLevel, level)
			},
		)
	}
}
