package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/testutil"
)

// execute runs the root command with args and returns stdout.
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

func decodeData(t *testing.T, out string, into any) {
	t.Helper()

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, into))
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "offsync.db")
}

func TestCacheCommands(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--db", db, "cache", "put", "notes/1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Stored notes/1\n", out)

	_, err = execute(t, "--db", db, "cache", "put", "notes/2", "world", "--ttl", "-1s")
	require.NoError(t, err)

	out, err = execute(t, "--db", db, "cache", "get", "notes/1")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	out, err = execute(t, "--db", db, "cache", "ls", "notes/")
	require.NoError(t, err)
	assert.Equal(t, "notes/1\nnotes/2\n", out)

	out, err = execute(t, "--db", db, "--format", "json", "cache", "usage")
	require.NoError(t, err)
	var usage struct {
		Bytes   int64 `json:"bytes"`
		Entries int64 `json:"entries"`
	}
	decodeData(t, out, &usage)
	assert.Equal(t, int64(2), usage.Entries)
	assert.Equal(t, int64(10), usage.Bytes)

	_, err = execute(t, "--db", db, "cache", "rm", "notes/1")
	require.NoError(t, err)

	_, err = execute(t, "--db", db, "cache", "get", "notes/1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "cache miss")
}

func TestCacheGetJSON(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "--db", db, "cache", "put", "k", "v")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "--format", "json", "cache", "get", "k")
	require.NoError(t, err)

	var view CacheEntryView
	decodeData(t, out, &view)
	assert.Equal(t, "k", view.Key)
	assert.Equal(t, "v", view.Value)
	assert.Equal(t, int64(1), view.AccessCount)
}

func TestQueueCommands(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--db", db, "queue", "add",
		"--id", "a-1", "--kind", "create", "--path", "/notes", "--cache-key", "notes/1", "--body", `{"title":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "a-1\n", out)

	_, err = execute(t, "--db", db, "queue", "add", "--id", "a-2", "--kind", "custom:archive", "--path", "/notes/1/archive")
	require.NoError(t, err)

	out, err = execute(t, "--db", db, "queue", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "a-1")
	assert.Contains(t, out, "notes/1")
	assert.Contains(t, out, "custom:archive")

	out, err = execute(t, "--db", db, "queue", "ls", "--scope", "notes/1")
	require.NoError(t, err)
	assert.Contains(t, out, "a-1")
	assert.NotContains(t, out, "a-2")

	out, err = execute(t, "--db", db, "queue", "show", "a-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    pending")
	assert.Contains(t, out, "Cache key: notes/1")

	t.Run("duplicate id", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "add", "--id", "a-1", "--kind", "delete", "--path", "/notes/1")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
	})

	t.Run("invalid kind", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "add", "--kind", "upsert")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("invalid body", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "add", "--kind", "create", "--body", "{")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("invalid status filter", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "ls", "--status", "done")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "show", "nope")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, err.Error(), "action not found")
	})

	t.Run("ack pending", func(t *testing.T) {
		_, err := execute(t, "--db", db, "queue", "ack", "a-1")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, err.Error(), "not in a valid state")
	})
}

func TestStatusCommand(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "--db", db, "queue", "add", "--kind", "create", "--path", "/notes")
	require.NoError(t, err)
	_, err = execute(t, "--db", db, "cache", "put", "notes/1", "abc")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "--format", "json", "status")
	require.NoError(t, err)

	var st struct {
		Queue map[string]int `json:"queue"`
		Cache struct {
			Entries int64 `json:"entries"`
		} `json:"cache"`
	}
	decodeData(t, out, &st)
	assert.Equal(t, 1, st.Queue["pending"])
	assert.Equal(t, int64(1), st.Cache.Entries)

	out, err = execute(t, "--db", db, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue:")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "Cache:")
}

func TestConfigCommand(t *testing.T) {
	db := tempDB(t)
	t.Setenv("OFFSYNC_REMOTE_CREDENTIAL", "Bearer secret")

	out, err := execute(t, "--db", db, "--format", "json", "config")
	require.NoError(t, err)

	var cfg struct {
		Database struct {
			Path string `json:"path"`
		} `json:"database"`
		Remote struct {
			Credential string `json:"credential"`
		} `json:"remote"`
	}
	decodeData(t, out, &cfg)
	assert.Equal(t, db, cfg.Database.Path)
	assert.Equal(t, "<redacted>", cfg.Remote.Credential)

	out, err = execute(t, "--db", db, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "[database]")
	assert.NotContains(t, out, "secret")
}

func TestConfigCommandInvalid(t *testing.T) {
	t.Setenv("OFFSYNC_QUEUE_MAX_ATTEMPTS", "0")

	_, err := execute(t, "config")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncCommand(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "--db", db, "queue", "add", "--id", "a-1", "--kind", "create", "--path", "/notes/1", "--scope", "notes/1", "--body", `{"n":1}`)
	require.NoError(t, err)
	_, err = execute(t, "--db", db, "queue", "add", "--id", "a-2", "--kind", "update", "--path", "/notes/1", "--scope", "notes/1", "--body", `{"n":2}`)
	require.NoError(t, err)

	fake := testutil.NewFakeEndpoint()
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})

	opts := &SyncOptions{
		RootOptions: &RootOptions{Format: "text", Database: db},
		Endpoint:    fake,
	}
	require.NoError(t, runSync(opts, cmd))

	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "delivered 2, synced 2")
	assert.Equal(t, 2, fake.Applied())

	value, ok := fake.Resource("/notes/1")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(value))

	listed, err := execute(t, "--db", db, "queue", "ls", "--status", "synced")
	require.NoError(t, err)
	assert.Contains(t, listed, "a-1")
	assert.Contains(t, listed, "a-2")
}

func TestSyncCommandRequiresRemote(t *testing.T) {
	t.Setenv("OFFSYNC_REMOTE_BASE_URL", "")

	_, err := execute(t, "--db", tempDB(t), "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid remote configuration")
}
