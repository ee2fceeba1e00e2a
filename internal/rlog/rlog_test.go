package rlog

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokercfg"
)

func TestInitializeTextFormatter(t *testing.T) {
	entry := Initialize(brokercfg.LogConfig{Formatter: "text", Level: "info"})

	formatter, ok := logrus.StandardLogger().Formatter.(*logrus.TextFormatter)
	require.True(t, ok, "expected a TextFormatter")
	assert.Equal(t, timestampFormat, formatter.TimestampFormat)
	assert.Equal(t, "broker", entry.Data["component"])
}

func TestInitializeJSONFormatter(t *testing.T) {
	entry := Initialize(brokercfg.LogConfig{Formatter: "json", Level: "info"})

	formatter, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	require.True(t, ok, "expected a JSONFormatter")
	assert.Equal(t, timestampFormat, formatter.TimestampFormat)
	assert.Equal(t, "broker", entry.Data["component"])
}

func TestInitializeParsesLevel(t *testing.T) {
	Initialize(brokercfg.LogConfig{Formatter: "text", Level: "debug"})
	assert.Equal(t, logrus.DebugLevel, logrus.StandardLogger().Level)
}

func TestInitializeIgnoresUnknownLevel(t *testing.T) {
	Initialize(brokercfg.LogConfig{Formatter: "text", Level: "info"})
	Initialize(brokercfg.LogConfig{Formatter: "text", Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, logrus.StandardLogger().Level)
}

func TestInitializeWithoutLokiAddressAddsNoHook(t *testing.T) {
	Initialize(brokercfg.LogConfig{Formatter: "text", Level: "info"})
	assert.Empty(t, logrus.StandardLogger().Hooks)
}

func TestInitializeWithLokiAddressAddsHook(t *testing.T) {
	Initialize(brokercfg.LogConfig{
		Formatter: "text",
		Level:     "info",
		Loki:      brokercfg.LokiConfig{Address: "http://127.0.0.1:3100", Labels: map[string]string{"app": "rdmnetbroker"}},
	})

	hooks := logrus.StandardLogger().Hooks
	assert.NotEmpty(t, hooks[logrus.InfoLevel], "expected a hook registered for info level")
}
