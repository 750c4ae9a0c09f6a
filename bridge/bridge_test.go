package bridge

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
)

func TestMappingRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.map")
	m, err := loadMapping(path)
	require.NoError(t, err)
	assert.Empty(t, m.ByCheckpoint)

	m.ByCheckpoint["01ARZ3"] = "deadbeef"
	m.ByCommit["deadbeef"] = "01ARZ3"
	require.NoError(t, m.save(path))

	back, err := loadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", back.ByCheckpoint["01ARZ3"])
	assert.Equal(t, "01ARZ3", back.ByCommit["deadbeef"])
}

func TestInjectObjectWritesLooseFormat(t *testing.T) {
	gitDir := t.TempDir()
	canonical := []byte("blob 5\x00hello")
	require.NoError(t, injectObject(gitDir, func() ([]byte, error) { return canonical, nil }))

	h := object.SHA1.New()
	h.Write(canonical)
	hx := object.Hash(h.Sum(nil)).Hex()
	raw, err := os.ReadFile(filepath.Join(gitDir, "objects", hx[:2], hx[2:]))
	require.NoError(t, err)

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	back, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, canonical, back, "loose object must decompress to the canonical bytes")
}

func TestWriteCommitFormat(t *testing.T) {
	gitDir := t.TempDir()
	now := time.Now()
	c := &journal.Checkpoint{
		ID:        journal.NewID(now),
		Root:      object.HashTreeBody(object.SHA1, nil),
		CreatedNS: now.UnixNano(),
		Trigger:   journal.TriggerManual,
	}
	commit, err := writeCommit(gitDir, c, "", "test message")
	require.NoError(t, err)
	assert.Len(t, commit, 40)

	raw, err := os.ReadFile(filepath.Join(gitDir, "objects", commit[:2], commit[2:]))
	require.NoError(t, err)
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tree "+c.Root.Hex())
	assert.Contains(t, string(body), "test message")
	assert.NotContains(t, string(body), "parent", "rootless commit must have no parent line")

	// a child commit carries the parent line
	child, err := writeCommit(gitDir, c, commit, "child")
	require.NoError(t, err)
	assert.NotEqual(t, commit, child)
}

func TestPublishBlake3RequiresHostGit(t *testing.T) {
	// the exec path needs a host repository just like the inject path
	root := t.TempDir()
	cfg := repo.DefaultConfig()
	cfg.HashAlgo = object.BLAKE3
	r, err := repo.Init(root, cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = Publish(r, journal.NewID(time.Now()), "")
	assert.True(t, errs.Is(err, errs.ConfigInvalid), "got %v", err)
}

func TestPublishRequiresHostGit(t *testing.T) {
	root := t.TempDir()
	r, err := repo.Init(root, repo.DefaultConfig())
	require.NoError(t, err)
	defer r.Close()

	_, err = Publish(r, journal.NewID(time.Now()), "")
	assert.True(t, errs.Is(err, errs.ConfigInvalid), "got %v", err)
}
