package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGetWithoutInit(t *testing.T) {
	log := Get()
	require.NotNil(t, log)
	assert.Same(t, log, Get())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("nonsense"))
}

func TestBuildEncodings(t *testing.T) {
	for _, encoding := range []string{"json", "console", ""} {
		log, err := build(Config{Level: "info", Encoding: encoding})
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}
