package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_ENCODING", "console")
	l, err := New("test")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := CronLogger(zap.New(core))

	cl.Info("start", "now", 1)
	cl.Error(errors.New("job failed"), "panic", "job", "tick")

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "cron", entries[0].LoggerName)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "job failed", entries[1].ContextMap()["error"])
	assert.Equal(t, "tick", entries[1].ContextMap()["job"])
}
