package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demandline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Lifecycle.ReopenClosed)
	assert.False(t, cfg.Lifecycle.LegacyDoubleCount)
	assert.Equal(t, "all", cfg.Visibility("admin"))
	assert.Equal(t, "group", cfg.Visibility("Manager"))
	assert.Equal(t, "self", cfg.Visibility("USER"))
	assert.Equal(t, "self", cfg.Visibility("auditor"))
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := config.FromYAML([]byte("lifecycle:\n  reopen_closed: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Policy().ReopenClosed)
	assert.False(t, cfg.Policy().LegacyDoubleCount)
	assert.Equal(t, "all", cfg.Visibility("ADMIN"))
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidateRejectsUnknownVisibility(t *testing.T) {
	_, err := config.FromYAML([]byte("scope:\n  roles:\n    LEAD: team\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEAD")

	_, err = config.FromYAML([]byte("scope:\n  default_visibility: everyone\n"))
	require.Error(t, err)
}

func TestScopeRolesReplaceDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("scope:\n  roles:\n    admin: self\n    Lead: group\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ADMIN": "self", "LEAD": "group"}, cfg.Scope.Roles)
	for i := 0; i < 50; i++ {
		require.Equal(t, "self", cfg.Visibility("ADMIN"))
	}
	assert.Equal(t, "group", cfg.Visibility("lead"))
	// MANAGER is gone with the rest of the defaults.
	assert.Equal(t, "self", cfg.Visibility("MANAGER"))

	cfg, err = config.FromYAML([]byte("scope:\n  default_visibility: group\n"))
	require.NoError(t, err)
	assert.Equal(t, "all", cfg.Visibility("admin"))
	assert.Equal(t, "group", cfg.Visibility("auditor"))
}

func TestValidateRejectsRolesDifferingOnlyInCase(t *testing.T) {
	_, err := config.FromYAML([]byte("scope:\n  roles:\n    admin: self\n    ADMIN: all\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN")
}

func TestValidateWebhooks(t *testing.T) {
	_, err := config.FromYAML([]byte("webhooks:\n  - events: [demand.closed]\n"))
	require.Error(t, err)

	cfg, err := config.FromYAML([]byte("webhooks:\n  - url: http://example.test/hook\n    enabled: false\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.False(t, cfg.Webhooks[0].IsEnabled())
}

func TestValidateLogFormat(t *testing.T) {
	_, err := config.FromYAML([]byte("log:\n  format: xml\n"))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "self", cfg.Scope.DefaultVisibility)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("lifecycle:\n  legacy_double_count: true\n"), 0o644))
	cfg, err = config.LoadOptional(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Lifecycle.LegacyDoubleCount)

	_, err = config.Load(t.TempDir())
	require.Error(t, err)
}
