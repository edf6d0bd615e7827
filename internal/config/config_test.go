package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/pkg/types"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	t.Setenv("HAPPY_HOME_DIR", t.TempDir())
	return GetPaths()
}

func TestGetPathsHonorsHomeDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HAPPY_HOME_DIR", dir)

	p := GetPaths()
	require.Equal(t, dir, p.Home)
	require.Equal(t, filepath.Join(dir, "logs"), p.Logs)
	require.Equal(t, filepath.Join(dir, "daemon.json"), p.DaemonState)
}

func TestLoadDefaults(t *testing.T) {
	paths := testPaths(t)
	t.Setenv("HAPPY_SERVER_URL", "")
	t.Setenv("ANTHROPIC_MODEL", "")

	cfg, err := Load(paths)
	require.NoError(t, err)
	require.Equal(t, DefaultServerURL, cfg.ServerURL)
	require.Equal(t, "default", cfg.PermissionMode)
	require.Equal(t, 5*time.Minute, cfg.PermissionTimeout)
}

func TestLoadSettingsFileWithComments(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, paths.EnsurePaths())

	settings := `{
		// relay override for self-hosters
		"serverURL": "http://localhost:3005",
		"permissionTimeoutSeconds": 30,
		"autoApprovePlan": true
	}`
	require.NoError(t, os.WriteFile(paths.Settings, []byte(settings), 0o644))

	t.Setenv("HAPPY_SERVER_URL", "")
	cfg, err := Load(paths)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:3005", cfg.ServerURL)
	require.Equal(t, 30*time.Second, cfg.PermissionTimeout)
	require.True(t, cfg.AutoApprovePlan)
}

func TestEnvOverridesBeatSettings(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, paths.EnsurePaths())
	require.NoError(t, os.WriteFile(paths.Settings, []byte(`{"serverURL":"http://from-file"}`), 0o644))

	t.Setenv("HAPPY_SERVER_URL", "http://from-env")
	t.Setenv("ANTHROPIC_MODEL", "claude-sonnet-4")

	cfg, err := Load(paths)
	require.NoError(t, err)
	require.Equal(t, "http://from-env", cfg.ServerURL)
	require.Equal(t, "claude-sonnet-4", cfg.ModelFor(types.FlavorClaude))
	require.Empty(t, cfg.ModelFor(types.FlavorGemini))
}
