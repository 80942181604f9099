package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demandline/internal/app"
	"demandline/internal/engine"
	"demandline/internal/migrate"
)

func TestOpenWritesLogFile(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	logPath := filepath.Join(ws, "demandline.log")

	a, err := app.Open(ctx, app.Options{Workspace: ws, LogLevel: "debug", LogPath: logPath})
	require.NoError(t, err)
	_, err = a.Engine.Create(ctx, engine.CreateOptions{OwnerID: "u-1", Description: "check backups"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "workspace ready")
	assert.Contains(t, string(data), "demand created")
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()

	a, err := app.Open(ctx, app.Options{Workspace: ws, LogLevel: "error"})
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	_, err = a.DB.ExecContext(ctx, `UPDATE schema_version SET version=?`, latest+1)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = app.Open(ctx, app.Options{Workspace: ws, LogLevel: "error"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}
