package pathmap

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saint0x/timelapse/object"
)

func entry(kind object.Kind, content string) Entry {
	return Entry{Kind: kind, Mode: kind.Mode(), Hash: object.HashBlob(object.SHA1, []byte(content))}
}

func TestMapOps(t *testing.T) {
	m := New(object.SHA1)
	require.NoError(t, m.Put("b.txt", entry(object.KindFile, "b")))
	require.NoError(t, m.Put("a.txt", entry(object.KindFile, "a")))
	require.NoError(t, m.Put("sub/c.sh", entry(object.KindExec, "c")))

	assert.Equal(t, 3, m.Len())
	e, ok := m.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, object.KindFile, e.Kind)

	assert.Equal(t, []string{"a.txt", "b.txt", "sub/c.sh"}, m.Paths())

	m.Remove("b.txt")
	assert.Equal(t, 2, m.Len())
	_, ok = m.Get("b.txt")
	assert.False(t, ok)

	// removing a missing path is a no-op
	m.Remove("b.txt")
	assert.Equal(t, 2, m.Len())
}

func TestIterSortedOrder(t *testing.T) {
	m := New(object.SHA1)
	for _, p := range []string{"z", "m/x", "a", "m/a"} {
		require.NoError(t, m.Put(p, entry(object.KindFile, p)))
	}
	var got []string
	require.NoError(t, m.IterSorted(func(p string, _ Entry) error {
		got = append(got, p)
		return nil
	}))
	assert.Equal(t, []string{"a", "m/a", "m/x", "z"}, got)
}

func TestSnapshotRoundtrip(t *testing.T) {
	m := New(object.SHA1)
	require.NoError(t, m.Put("a.txt", entry(object.KindFile, "a")))
	require.NoError(t, m.Put("link", entry(object.KindSymlink, "target")))
	m.SetAnchor(object.HashTreeBody(object.SHA1, nil))

	var buf bytes.Buffer
	require.NoError(t, m.Snapshot(&buf))

	back, err := Load(bytes.NewReader(buf.Bytes()), object.SHA1)
	require.NoError(t, err)
	assert.Equal(t, m.Anchor(), back.Anchor())
	assert.Equal(t, m.Len(), back.Len())
	e, ok := back.Get("link")
	require.True(t, ok)
	assert.Equal(t, object.KindSymlink, e.Kind)
	assert.Equal(t, object.ModeSymlink, e.Mode)
}

func TestSnapshotFileRoundtrip(t *testing.T) {
	m := New(object.SHA1)
	require.NoError(t, m.Put("x", entry(object.KindFile, "x")))
	m.SetAnchor(object.HashTreeBody(object.SHA1, []byte("fake")))

	path := filepath.Join(t.TempDir(), "pathmap.bin")
	require.NoError(t, m.WriteFile(path))

	back, err := LoadFile(path, object.SHA1)
	require.NoError(t, err)
	assert.Equal(t, 1, back.Len())
	assert.Equal(t, m.Anchor(), back.Anchor())
}

func TestLoadFileMissing(t *testing.T) {
	m, err := LoadFile(filepath.Join(t.TempDir(), "nope.bin"), object.SHA1)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.True(t, m.Anchor().IsZero())
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("XXXX\x01garbage")), object.SHA1)
	assert.Error(t, err)
}

func TestPutRejectsOversizedPath(t *testing.T) {
	m := New(object.SHA1)
	err := m.Put(strings.Repeat("p", 0x10000), entry(object.KindFile, "x"))
	assert.Error(t, err)
}
