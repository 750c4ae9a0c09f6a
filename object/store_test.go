package object

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/saint0x/timelapse/errs"
)

func TestPutGetBlob(t *testing.T) {
	s := setupStore(t, SHA1)

	content := []byte("hello\n")
	h, err := s.PutBlob(content)
	tassert(t, err == nil, "PutBlob err %v", err)
	tassert(t, h.Hex() == "ce013625030ba8dba906f756967f9e9ca394464a", "hash %s", h.Hex())

	got, err := s.GetBlob(h)
	tassert(t, err == nil, "GetBlob err %v", err)
	tassert(t, bytes.Equal(got, content), "content mismatch: %q", got)
}

func TestPutBlobIdempotent(t *testing.T) {
	s := setupStore(t, SHA1)

	h1, err := s.PutBlob([]byte("same"))
	tassert(t, err == nil, "err %v", err)
	p := s.objectPath(classBlob, h1)
	before, err := os.Stat(p)
	tassert(t, err == nil, "stat err %v", err)

	h2, err := s.PutBlob([]byte("same"))
	tassert(t, err == nil, "err %v", err)
	tassert(t, h1 == h2, "hashes differ")
	after, err := os.Stat(p)
	tassert(t, err == nil, "stat err %v", err)
	tassert(t, before.ModTime().Equal(after.ModTime()), "object rewritten")
}

func TestGetBlobNotFound(t *testing.T) {
	s := setupStore(t, SHA1)
	_, err := s.GetBlob(HashBlob(SHA1, []byte("never stored")))
	tassert(t, errs.Is(err, errs.NotFound), "want NotFound, got %v", err)
}

func TestGetBlobCorrupt(t *testing.T) {
	s := setupStore(t, SHA1)
	h, err := s.PutBlob([]byte("pristine"))
	tassert(t, err == nil, "err %v", err)

	// flip stored bytes behind the store's back
	p := s.objectPath(classBlob, h)
	err = os.WriteFile(p, []byte("blob 8\x00tampered"), 0644)
	tassert(t, err == nil, "tamper err %v", err)

	_, err = s.GetBlob(h)
	tassert(t, errs.Is(err, errs.Corrupt), "want Corrupt, got %v", err)
}

func TestCompressionTransparent(t *testing.T) {
	// threshold 8: the big blob compresses on disk, the small one
	// stays raw; identity is unaffected either way
	dir := t.TempDir()
	s, err := NewStore(dir, SHA1, 6, 8)
	tassert(t, err == nil, "err %v", err)

	big := bytes.Repeat([]byte("abcdef\n"), 1000)
	h, err := s.PutBlob(big)
	tassert(t, err == nil, "err %v", err)
	tassert(t, h == HashBlob(SHA1, big), "identity depends on storage form")

	info, err := os.Stat(s.objectPath(classBlob, h))
	tassert(t, err == nil, "stat err %v", err)
	tassert(t, info.Size() < int64(len(big)), "expected compressed storage, size %d", info.Size())

	got, err := s.GetBlob(h)
	tassert(t, err == nil, "err %v", err)
	tassert(t, bytes.Equal(got, big), "roundtrip mismatch")

	small := []byte("tiny")
	hs, err := s.PutBlob(small)
	tassert(t, err == nil, "err %v", err)
	raw, err := os.ReadFile(s.objectPath(classBlob, hs))
	tassert(t, err == nil, "err %v", err)
	tassert(t, bytes.HasPrefix(raw, []byte("blob 4\x00")), "small blob should be stored raw")
}

func TestPutGetTree(t *testing.T) {
	s := setupStore(t, SHA1)

	bh, err := s.PutBlob([]byte("hello\n"))
	tassert(t, err == nil, "err %v", err)
	entries := []TreeEntry{
		{Name: "a.txt", Mode: ModeFile, Hash: bh},
		{Name: "run.sh", Mode: ModeExec, Hash: bh},
	}
	th, err := s.PutTree(entries)
	tassert(t, err == nil, "err %v", err)

	got, err := s.GetTree(th)
	tassert(t, err == nil, "err %v", err)
	tassert(t, len(got) == 2, "entry count %d", len(got))
	tassert(t, got[0].Name == "a.txt" && got[0].Mode == ModeFile, "entry 0: %+v", got[0])
	tassert(t, got[1].Name == "run.sh" && got[1].Mode == ModeExec, "entry 1: %+v", got[1])
}

func TestDeleteAndWalk(t *testing.T) {
	s := setupStore(t, SHA1)
	h1, err := s.PutBlob([]byte("one"))
	tassert(t, err == nil, "err %v", err)
	h2, err := s.PutBlob([]byte("two"))
	tassert(t, err == nil, "err %v", err)
	th, err := s.PutTree([]TreeEntry{{Name: "one", Mode: ModeFile, Hash: h1}})
	tassert(t, err == nil, "err %v", err)

	seen := map[string]bool{}
	err = s.Walk(func(info ObjectInfo) error {
		seen[info.Hash.Hex()] = info.Tree
		return nil
	})
	tassert(t, err == nil, "Walk err %v", err)
	tassert(t, len(seen) == 3, "walked %d objects", len(seen))
	tassert(t, seen[th.Hex()], "tree not flagged")

	err = s.Delete(h2)
	tassert(t, err == nil, "Delete err %v", err)
	tassert(t, !s.Has(h2), "deleted object still present")
	tassert(t, s.Has(h1), "wrong object deleted")

	err = s.Delete(h2)
	tassert(t, errs.Is(err, errs.NotFound), "double delete: want NotFound, got %v", err)
}

func TestObjectPathFanout(t *testing.T) {
	s := setupStore(t, SHA1)
	h, err := s.PutBlob([]byte("fanout"))
	tassert(t, err == nil, "err %v", err)
	hx := h.Hex()
	want := filepath.Join(s.dir, "blobs", hx[:2], hx[2:])
	tassert(t, s.objectPath(classBlob, h) == want, "path %s", s.objectPath(classBlob, h))
	tassert(t, exists(want), "object file missing")
}
