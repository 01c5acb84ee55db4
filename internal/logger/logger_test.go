package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandlerWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelInfo)
	log := slog.New(handler).With("client", "c1").WithGroup("session")

	log.Debug("hidden")
	log.Info("session attached", "present", true)
	require.NoError(t, handler.Close())

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "session attached")
	assert.Contains(t, text, "client=c1")
	assert.Contains(t, text, "session.present=true")
	assert.NotContains(t, text, "hidden")
}

func TestAsyncHandlerDropsAfterClose(t *testing.T) {
	handler := NewAsyncHandler(t.TempDir(), slog.LevelDebug)
	require.NoError(t, handler.Close())
	require.NoError(t, handler.Close())

	assert.NotPanics(t, func() {
		_ = handler.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0))
	})
}

func TestEnabledLevels(t *testing.T) {
	handler := NewAsyncHandler("", LevelFatal)
	defer handler.Close()

	assert.False(t, handler.Enabled(context.Background(), slog.LevelError))
	assert.True(t, handler.Enabled(context.Background(), LevelFatal))
	assert.True(t, strings.HasPrefix(LevelFatal.String(), "ERROR"))
}
