package retain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/update"
	"github.com/saint0x/timelapse/watch"
)

type fixture struct {
	repo    *repo.Repository
	updater *update.Updater
	cache   *watch.StatCache
}

func setup(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	r, err := repo.Init(root, repo.DefaultConfig())
	require.NoError(t, err)
	rules, err := watch.NewRuleset(repo.EngineDir, nil)
	require.NoError(t, err)
	cache, err := watch.OpenStatCache(r.WatchStatePath())
	require.NoError(t, err)
	u, err := update.New(r, rules, cache)
	require.NoError(t, err)
	t.Cleanup(func() {
		cache.Close()
		r.Close()
	})
	return &fixture{repo: r, updater: u, cache: cache}
}

func (f *fixture) checkpoint(t *testing.T, rel, content string) *journal.Checkpoint {
	t.Helper()
	abs := filepath.Join(f.repo.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	c, err := f.updater.Apply(watch.Batch{Paths: []string{rel}}, journal.TriggerFsBatch)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

// verifyClosure asserts every object reachable from a checkpoint
// still reads back and hash-verifies.
func verifyClosure(t *testing.T, r *repo.Repository, c *journal.Checkpoint) {
	t.Helper()
	err := object.WalkTree(r.Store, c.Root, func(_ string, e object.TreeEntry) error {
		if e.IsDir() {
			_, gerr := r.Store.GetTree(e.Hash)
			return gerr
		}
		_, gerr := r.Store.GetBlob(e.Hash)
		return gerr
	})
	require.NoError(t, err)
}

func TestLiveSetUnion(t *testing.T) {
	f := setup(t)
	var cs []*journal.Checkpoint
	for i := 0; i < 5; i++ {
		cs = append(cs, f.checkpoint(t, "a.txt", string(rune('a'+i))))
	}
	require.NoError(t, f.repo.Pin("keep", cs[0].ID))
	pins, err := f.repo.Pins()
	require.NoError(t, err)

	// keep last 2 by count, nothing by age
	live, err := LiveSet(f.repo.Journal, pins, 2, 0, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, live[cs[0].ID], "pinned")
	assert.False(t, live[cs[1].ID])
	assert.False(t, live[cs[2].ID])
	assert.True(t, live[cs[3].ID])
	assert.True(t, live[cs[4].ID])

	// everything is young enough when the window is wide
	live, err = LiveSet(f.repo.Journal, pins, 0, 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Len(t, live, 5)
}

// pin protection: retention keeps last 1, the pinned 2nd checkpoint
// and the newest survive with their objects intact (S6)
func TestPinProtection(t *testing.T) {
	f := setup(t)
	var cs []*journal.Checkpoint
	for i := 0; i < 5; i++ {
		cs = append(cs, f.checkpoint(t, "a.txt", string(rune('0'+i))+"-content"))
	}
	require.NoError(t, f.repo.Pin("keep", cs[1].ID))
	f.repo.Config.Retention.KeepCount = 1
	f.repo.Config.Retention.KeepDuration = 0

	res, err := Run(f.repo, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.LiveCheckpoints)
	assert.Equal(t, 3, res.PrunedCheckpoints)
	assert.Greater(t, res.ObjectsDeleted, 0)

	assert.True(t, f.repo.Journal.Has(cs[1].ID))
	assert.True(t, f.repo.Journal.Has(cs[4].ID))
	assert.False(t, f.repo.Journal.Has(cs[0].ID))
	assert.False(t, f.repo.Journal.Has(cs[2].ID))

	verifyClosure(t, f.repo, cs[1])
	verifyClosure(t, f.repo, cs[4])
}

// orphan objects from a crash between blob write and journal fsync
// are swept (S5)
func TestOrphanSweep(t *testing.T) {
	f := setup(t)
	c := f.checkpoint(t, "a.txt", "kept")

	orphan, err := f.repo.Store.PutBlob([]byte("never referenced by any tree"))
	require.NoError(t, err)
	require.True(t, f.repo.Store.HasBlob(orphan))

	res, err := Run(f.repo, false)
	require.NoError(t, err)
	// the orphan plus the empty tree stored at init, which no live
	// checkpoint references
	assert.Equal(t, 2, res.ObjectsDeleted)
	assert.False(t, f.repo.Store.HasBlob(orphan))
	verifyClosure(t, f.repo, c)
}

func TestDryRunDeletesNothing(t *testing.T) {
	f := setup(t)
	f.checkpoint(t, "a.txt", "one")
	orphan, err := f.repo.Store.PutBlob([]byte("orphan"))
	require.NoError(t, err)

	before := f.repo.Journal.Len()
	res, err := Run(f.repo, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	// orphan plus the unreferenced init-time empty tree
	assert.Equal(t, 2, res.ObjectsDeleted, "dry run must still count")
	assert.True(t, f.repo.Store.HasBlob(orphan), "dry run must not delete")
	assert.Equal(t, before, f.repo.Journal.Len())
}

// two checkpoints sharing a root share objects; pruning one must not
// damage the other
func TestSharedObjectsSurvive(t *testing.T) {
	f := setup(t)
	c1 := f.checkpoint(t, "a.txt", "shared-content")
	c2 := f.checkpoint(t, "b.txt", "other")
	// back to only a.txt with identical content: same blob as c1
	require.NoError(t, os.Remove(filepath.Join(f.repo.Root, "b.txt")))
	c3, err := f.updater.Apply(watch.Batch{Paths: []string{"b.txt"}}, journal.TriggerFsBatch)
	require.NoError(t, err)
	require.NotNil(t, c3)
	assert.Equal(t, c1.Root, c3.Root, "dedup by root tree")

	f.repo.Config.Retention.KeepCount = 1
	f.repo.Config.Retention.KeepDuration = 0
	_, err = Run(f.repo, false)
	require.NoError(t, err)

	assert.False(t, f.repo.Journal.Has(c1.ID))
	assert.False(t, f.repo.Journal.Has(c2.ID))
	verifyClosure(t, f.repo, c3)
}

func TestGCLockExcluded(t *testing.T) {
	f := setup(t)
	f.checkpoint(t, "a.txt", "x")
	lock, err := repo.AcquireLock(f.repo.GCLock())
	require.NoError(t, err)
	defer lock.Release()
	_, err = Run(f.repo, false)
	require.Error(t, err)
}
