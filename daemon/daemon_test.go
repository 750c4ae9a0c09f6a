package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/client"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/rpc"
)

// startDaemon initializes a repo with a short debounce and runs a
// daemon against it until the test ends.
func startDaemon(t *testing.T) (root string, d *Daemon) {
	t.Helper()
	root = t.TempDir()
	cfg := repo.DefaultConfig()
	cfg.DebounceMS = 50
	r, err := repo.Init(root, cfg)
	require.NoError(t, err)
	r.Close()

	d, err = New(root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("daemon did not stop in time")
		}
	})

	// the socket appearing means the loop is up
	sock := filepath.Join(root, repo.EngineDir, "state", "daemon.sock")
	require.Eventually(t, func() bool {
		_, serr := os.Stat(sock)
		return serr == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon socket never appeared")
	return root, d
}

func doRPC(t *testing.T, root string, req rpc.Request) *rpc.Response {
	t.Helper()
	sock := filepath.Join(root, repo.EngineDir, "state", "daemon.sock")
	conn, err := client.Dial(sock)
	require.NoError(t, err)
	defer conn.Close()
	resp, err := conn.Do(req)
	require.NoError(t, err)
	return resp
}

func TestDaemonCheckpointsFileWrites(t *testing.T) {
	root, d := startDaemon(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "watched.txt"), []byte("hello"), 0644))

	require.Eventually(t, func() bool {
		return d.Repo.Journal.Len() > 0
	}, 10*time.Second, 50*time.Millisecond, "no checkpoint for watched write")

	head, err := d.Repo.Journal.Latest()
	require.NoError(t, err)
	assert.Contains(t, head.Touched, "watched.txt")
}

func TestDaemonIPCStatusAndFlush(t *testing.T) {
	root, _ := startDaemon(t)

	resp := doRPC(t, root, rpc.Request{Verb: "status"})
	require.True(t, resp.OK, "status failed: %s", resp.Error)
	var st rpc.Status
	require.NoError(t, rpc.Decode(resp.Payload, &st))
	assert.True(t, st.DaemonRunning)

	// write and flush rather than waiting out the debounce
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("flushed"), 0644))
	resp = doRPC(t, root, rpc.Request{Verb: "flush"})
	require.True(t, resp.OK, "flush failed: %s", resp.Error)
	var fl rpc.Flush
	require.NoError(t, rpc.Decode(resp.Payload, &fl))
	assert.False(t, fl.NoChange)
	assert.NotEmpty(t, fl.CheckpointID)
}

func TestDaemonSingleton(t *testing.T) {
	root, _ := startDaemon(t)

	d2, err := New(root)
	require.NoError(t, err)
	err = d2.Run(context.Background())
	require.Error(t, err, "second daemon must fail on the lock")
}

func TestDaemonStopVerb(t *testing.T) {
	root, d := startDaemon(t)
	resp := doRPC(t, root, rpc.Request{Verb: "stop"})
	require.True(t, resp.OK)
	require.Eventually(t, func() bool {
		select {
		case <-d.stopCh:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
