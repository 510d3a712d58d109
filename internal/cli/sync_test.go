package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs a root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSyncColdThenWarm(t *testing.T) {
	db := filepath.Join(t.TempDir(), "sync.db")

	out, err := execute(t, "sync", "--actor", "u_1", "--remote", "memory://", "--store", db)
	require.NoError(t, err)
	assert.Contains(t, out, "dashboard:listings")
	assert.Contains(t, out, "cold")
	assert.NotContains(t, out, "warm")
	assert.Contains(t, out, "✓ 3 collection(s) synced for u_1")

	out, err = execute(t, "sync", "--actor", "u_1", "--remote", "memory://", "--store", db)
	require.NoError(t, err)
	assert.Contains(t, out, "warm")
	assert.NotContains(t, out, "cold")
}

func TestSyncJSON(t *testing.T) {
	out, err := execute(t, "sync", "--format", "json",
		"--actor", "u_1", "--remote", "memory://", "--store", "memory://",
		"--collection", "dashboard:lists")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   SyncResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "u_1", resp.Data.Actor)
	require.Len(t, resp.Data.Collections, 1)
	assert.Equal(t, "dashboard:lists", resp.Data.Collections[0].Collection)
	assert.False(t, resp.Data.Collections[0].Warm)
	assert.NotNil(t, resp.Data.Collections[0].Cursor)
}

func TestSyncRequiresActor(t *testing.T) {
	t.Setenv("MARKETSYNC_ACTOR", "")

	_, err := execute(t, "sync", "--remote", "memory://", "--store", "memory://")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "actor is required")
}

func TestSyncUnknownCollection(t *testing.T) {
	_, err := execute(t, "sync", "--actor", "u_1", "--remote", "memory://", "--store", "memory://",
		"--collection", "reference:categories")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown primary collection")
}

func TestSyncBadStore(t *testing.T) {
	_, err := execute(t, "sync", "--actor", "u_1", "--remote", "memory://", "--store", "ftp://nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "marketsync.yaml")
	cfg := "actor: u_cfg\nremote:\n  url: memory://\nstore:\n  dsn: memory://\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	t.Setenv("MARKETSYNC_ACTOR", "u_env")

	out, err := execute(t, "sync", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "synced for u_env")

	out, err = execute(t, "sync", "--config", cfgPath, "--actor", "u_flag")
	require.NoError(t, err)
	assert.Contains(t, out, "synced for u_flag")
}

func TestSyncEnvFile(t *testing.T) {
	t.Setenv("MARKETSYNC_ACTOR", "")
	os.Unsetenv("MARKETSYNC_ACTOR")

	envPath := filepath.Join(t.TempDir(), ".env")
	env := "MARKETSYNC_ACTOR=u_dotenv\nMARKETSYNC_REMOTE_URL=memory://\nMARKETSYNC_STORE_DSN=memory://\n"
	require.NoError(t, os.WriteFile(envPath, []byte(env), 0o644))

	out, err := execute(t, "sync", "--env-file", envPath)
	require.NoError(t, err)
	assert.Contains(t, out, "synced for u_dotenv")
}

func TestSyncUnknownConfigKey(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("actr: typo\n"), 0o644))

	_, err := execute(t, "sync", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
