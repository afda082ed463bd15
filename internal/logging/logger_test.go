package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestSetupHandler_NoFileUsesStdout(t *testing.T) {
	handler, lj := SetupHandler("info", "json", "", 0, 0, 0, false)
	assert.NotNil(t, handler)
	assert.Nil(t, lj)
}

func TestSetupHandler_FileConfiguresLumberjack(t *testing.T) {
	handler, lj := SetupHandler("debug", "text", t.TempDir()+"/relay.log", 5, 2, 7, true)
	assert.NotNil(t, handler)
	assert.NotNil(t, lj)
	assert.Equal(t, 5, lj.MaxSize)
	assert.Equal(t, 2, lj.MaxBackups)
	assert.Equal(t, 7, lj.MaxAge)
	assert.True(t, lj.Compress)
}
