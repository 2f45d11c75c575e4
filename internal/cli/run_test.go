package cli

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/service"
	"github.com/roach88/offsync/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling
// reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunRequiresRemote(t *testing.T) {
	t.Setenv("OFFSYNC_REMOTE_BASE_URL", "")

	_, err := execute(t, "--db", tempDB(t), "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid remote configuration")
}

func TestRunInvalidConfigFile(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/offsync.toml", "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestRunDeliversQueuedActionsUntilCancelled(t *testing.T) {
	db := tempDB(t)
	t.Setenv("OFFSYNC_SYNC_PERIODIC", "20ms")

	_, err := execute(t, "--db", db, "queue", "add", "--id", "a-1", "--kind", "create", "--path", "/notes/1", "--body", `{"n":1}`)
	require.NoError(t, err)

	fake := testutil.NewFakeEndpoint()
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})

	opts := &RunOptions{
		RootOptions:    &RootOptions{Format: "text", Database: db},
		Endpoint:       fake,
		ServiceOptions: []service.Option{service.WithProber(nil)},
	}

	done := make(chan error, 1)
	go func() {
		done <- runDaemon(opts, cmd)
	}()

	require.Eventually(t, func() bool {
		return fake.Applied() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "Sync daemon started")

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}

	listed, err := execute(t, "--db", db, "queue", "ls", "--status", "synced")
	require.NoError(t, err)
	assert.Contains(t, listed, "a-1")
}
