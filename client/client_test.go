package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/rpc"
)

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	r, err := repo.Init(root, repo.DefaultConfig())
	require.NoError(t, err)
	r.Close()
	return root
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
}

func exec(t *testing.T, root string, req rpc.Request) *rpc.Response {
	t.Helper()
	resp, err := Execute(root, req)
	require.NoError(t, err)
	return resp
}

func TestDirectFlushAndLog(t *testing.T) {
	root := initRepo(t)
	write(t, root, "a.txt", "hello")

	resp := exec(t, root, rpc.Request{Verb: "flush"})
	require.True(t, resp.OK, resp.Error)
	var fl rpc.Flush
	require.NoError(t, rpc.Decode(resp.Payload, &fl))
	assert.False(t, fl.NoChange)

	// a second flush with nothing new
	resp = exec(t, root, rpc.Request{Verb: "flush"})
	require.True(t, resp.OK, resp.Error)
	require.NoError(t, rpc.Decode(resp.Payload, &fl))
	assert.True(t, fl.NoChange)

	resp = exec(t, root, rpc.Request{Verb: "log", N: 5})
	require.True(t, resp.OK, resp.Error)
	var lg rpc.Log
	require.NoError(t, rpc.Decode(resp.Payload, &lg))
	require.Len(t, lg.Entries, 1)
	assert.Equal(t, "manual", lg.Entries[0].Trigger)
	assert.Contains(t, lg.Entries[0].Touched, "a.txt")
}

func TestDirectStatusUninitialized(t *testing.T) {
	_, err := Execute(t.TempDir(), rpc.Request{Verb: "status"})
	require.Error(t, err)
}

func TestDirectPinRestoreDiffGC(t *testing.T) {
	root := initRepo(t)
	write(t, root, "a.txt", "v1")
	exec(t, root, rpc.Request{Verb: "flush"})
	write(t, root, "a.txt", "v2")
	write(t, root, "b.txt", "new")
	exec(t, root, rpc.Request{Verb: "flush"})

	resp := exec(t, root, rpc.Request{Verb: "pin", Ref: "HEAD~1", Name: "before"})
	require.True(t, resp.OK, resp.Error)

	resp = exec(t, root, rpc.Request{Verb: "diff", Ref: "before", Ref2: "HEAD"})
	require.True(t, resp.OK, resp.Error)
	var d rpc.Diff
	require.NoError(t, rpc.Decode(resp.Payload, &d))
	assert.Equal(t, []string{"b.txt"}, d.Added)
	assert.Equal(t, []string{"a.txt"}, d.Modified)

	resp = exec(t, root, rpc.Request{Verb: "restore", Ref: "before"})
	require.True(t, resp.OK, resp.Error)
	raw, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(raw))
	_, serr := os.Stat(filepath.Join(root, "b.txt"))
	assert.True(t, os.IsNotExist(serr))

	resp = exec(t, root, rpc.Request{Verb: "gc", DryRun: true})
	require.True(t, resp.OK, resp.Error)
	var gc rpc.GC
	require.NoError(t, rpc.Decode(resp.Payload, &gc))
	assert.True(t, gc.DryRun)

	resp = exec(t, root, rpc.Request{Verb: "unpin", Name: "before"})
	require.True(t, resp.OK, resp.Error)
}

func TestDirectShowAndInfo(t *testing.T) {
	root := initRepo(t)
	write(t, root, "x.txt", "data")
	exec(t, root, rpc.Request{Verb: "flush"})

	resp := exec(t, root, rpc.Request{Verb: "show", Ref: "HEAD"})
	require.True(t, resp.OK, resp.Error)
	var e rpc.LogEntry
	require.NoError(t, rpc.Decode(resp.Payload, &e))
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.Root)

	resp = exec(t, root, rpc.Request{Verb: "info"})
	require.True(t, resp.OK, resp.Error)
	var info rpc.Info
	require.NoError(t, rpc.Decode(resp.Payload, &info))
	assert.Equal(t, "sha1", info.HashAlgo)
	assert.Greater(t, info.Objects, 0)
}

func TestUnknownVerb(t *testing.T) {
	root := initRepo(t)
	_, err := Execute(root, rpc.Request{Verb: "frobnicate"})
	require.Error(t, err)
}

func TestStopWithoutDaemon(t *testing.T) {
	root := initRepo(t)
	_, err := Execute(root, rpc.Request{Verb: "stop"})
	require.Error(t, err)
}
