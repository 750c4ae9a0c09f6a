package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/object"
)

func openTestJournal(t *testing.T, dir string) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(dir, "log"), filepath.Join(dir, "log.idx"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func mkCheckpoint(parent ulid.ULID, content string, trigger Trigger) *Checkpoint {
	now := time.Now()
	return &Checkpoint{
		ID:        NewID(now),
		Parent:    parent,
		Root:      object.HashTreeBody(object.SHA1, []byte(content)),
		CreatedNS: now.UnixNano(),
		Trigger:   trigger,
		Touched:   []string{"a.txt"},
		Stats:     Stats{Added: 1, BytesWritten: 6},
	}
}

func TestAppendGetLatest(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)

	c1 := mkCheckpoint(ulid.ULID{}, "r1", TriggerFsBatch)
	require.NoError(t, j.Append(c1))
	c2 := mkCheckpoint(c1.ID, "r2", TriggerManual)
	require.NoError(t, j.Append(c2))

	got, err := j.Get(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.Root, got.Root)
	assert.False(t, got.HasParent())
	assert.Equal(t, TriggerFsBatch, got.Trigger)
	assert.Equal(t, []string{"a.txt"}, got.Touched)
	assert.Equal(t, 1, got.Stats.Added)

	head, err := j.Latest()
	require.NoError(t, err)
	assert.Equal(t, c2.ID, head.ID)
	assert.Equal(t, c1.ID, head.Parent)
	assert.True(t, head.HasParent())
}

func TestIDsAreMonotone(t *testing.T) {
	now := time.Now()
	a := NewID(now)
	b := NewID(now)
	assert.Equal(t, -1, a.Compare(b), "ids within one millisecond must still sort")
}

func TestReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	var parent ulid.ULID
	var ids []ulid.ULID
	for i := 0; i < 5; i++ {
		c := mkCheckpoint(parent, string(rune('a'+i)), TriggerFsBatch)
		require.NoError(t, j.Append(c))
		parent = c.ID
		ids = append(ids, c.ID)
	}
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, dir)
	assert.Equal(t, 5, j2.Len())
	assert.Equal(t, ids, j2.IDs())
	assert.False(t, j2.Truncated())
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	c1 := mkCheckpoint(ulid.ULID{}, "good", TriggerFsBatch)
	require.NoError(t, j.Append(c1))
	require.NoError(t, j.Close())

	// simulate a crash mid-append: half a record at the tail
	logPath := filepath.Join(dir, "log")
	fh, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = fh.Write([]byte("TLJ1\x01\x00\x00\x10"))
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	before, err := os.Stat(logPath)
	require.NoError(t, err)

	j2 := openTestJournal(t, dir)
	assert.True(t, j2.Truncated())
	assert.Equal(t, 1, j2.Len())
	got, err := j2.Get(c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.Root, got.Root)

	after, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size(), "torn bytes must be cut off")

	// appends keep working after recovery
	c2 := mkCheckpoint(c1.ID, "next", TriggerFsBatch)
	require.NoError(t, j2.Append(c2))
	assert.Equal(t, 2, j2.Len())
}

func TestCorruptPayloadTruncates(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	c1 := mkCheckpoint(ulid.ULID{}, "one", TriggerFsBatch)
	require.NoError(t, j.Append(c1))
	c2 := mkCheckpoint(c1.ID, "two", TriggerFsBatch)
	require.NoError(t, j.Append(c2))
	off := j.index[c2.ID]
	require.NoError(t, j.Close())

	// flip one payload byte of the second record
	raw, err := os.ReadFile(filepath.Join(dir, "log"))
	require.NoError(t, err)
	raw[off+headerLen] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log"), raw, 0644))
	// the side index would skip past the damage; force a full scan
	require.NoError(t, os.Remove(filepath.Join(dir, "log.idx")))

	j2 := openTestJournal(t, dir)
	assert.True(t, j2.Truncated())
	assert.Equal(t, 1, j2.Len())
}

func TestLastNSinceIter(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	var parent ulid.ULID
	var all []*Checkpoint
	for i := 0; i < 4; i++ {
		c := mkCheckpoint(parent, string(rune('a'+i)), TriggerFsBatch)
		require.NoError(t, j.Append(c))
		parent = c.ID
		all = append(all, c)
	}

	last2, err := j.LastN(2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, all[2].ID, last2[0].ID)
	assert.Equal(t, all[3].ID, last2[1].ID)

	since, err := j.Since(all[2].CreatedNS)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(since), 2)

	n := 0
	require.NoError(t, j.Iter(func(*Checkpoint) error { n++; return nil }))
	assert.Equal(t, 4, n)
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	var parent ulid.ULID
	var all []*Checkpoint
	for i := 0; i < 5; i++ {
		c := mkCheckpoint(parent, string(rune('a'+i)), TriggerFsBatch)
		require.NoError(t, j.Append(c))
		parent = c.ID
		all = append(all, c)
	}

	keep := map[ulid.ULID]bool{all[3].ID: true, all[4].ID: true}
	pruned, err := j.Compact(func(id ulid.ULID) bool { return keep[id] })
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)
	assert.Equal(t, 2, j.Len())
	assert.False(t, j.Has(all[0].ID))

	// survives a reopen
	require.NoError(t, j.Close())
	j2 := openTestJournal(t, dir)
	assert.Equal(t, 2, j2.Len())
	got, err := j2.Get(all[3].ID)
	require.NoError(t, err)
	// records keep their original parent ids even when pruned
	assert.Equal(t, all[2].ID, got.Parent)
}

func TestGetMissing(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)
	_, err := j.Get(NewID(time.Now()))
	assert.Error(t, err)
}
