package object

import (
	"os"
	"testing"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func setupStore(t *testing.T, algo Algo) *Store {
	t.Helper()
	dir := t.TempDir()
	if os.Getenv("DEBUG") == "1" {
		t.Log(dir)
	}
	s, err := NewStore(dir, algo, 6, 4096)
	tassert(t, err == nil, "NewStore err %v", err)
	return s
}

func TestHashBlobGitVectors(t *testing.T) {
	// git hash-object agrees on these
	h := HashBlob(SHA1, []byte("hello\n"))
	expect := "ce013625030ba8dba906f756967f9e9ca394464a"
	tassert(t, h.Hex() == expect, "expected %q got %q", expect, h.Hex())

	h = HashBlob(SHA1, nil)
	expect = "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"
	tassert(t, h.Hex() == expect, "empty blob: expected %q got %q", expect, h.Hex())
}

func TestHashEmptyTree(t *testing.T) {
	h := HashTreeBody(SHA1, nil)
	expect := "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	tassert(t, h.Hex() == expect, "empty tree: expected %q got %q", expect, h.Hex())
}

func TestHashBlobBlake3(t *testing.T) {
	a := HashBlob(BLAKE3, []byte("hello\n"))
	b := HashBlob(BLAKE3, []byte("hello\n"))
	c := HashBlob(BLAKE3, []byte("hello"))
	tassert(t, len(a) == 32, "digest width %d", len(a))
	tassert(t, a == b, "blake3 not deterministic")
	tassert(t, a != c, "distinct content must hash differently")
}

func TestAlgoSize(t *testing.T) {
	tassert(t, SHA1.Size() == 20, "sha1 size")
	tassert(t, BLAKE3.Size() == 32, "blake3 size")
	tassert(t, !Algo("md5").Valid(), "md5 must be rejected")
}

func TestHashFromHex(t *testing.T) {
	h := HashBlob(SHA1, []byte("x"))
	back, err := HashFromHex(SHA1, h.Hex())
	tassert(t, err == nil, "HashFromHex err %v", err)
	tassert(t, back == h, "roundtrip mismatch")

	_, err = HashFromHex(SHA1, "zz")
	tassert(t, err != nil, "bad hex accepted")
	_, err = HashFromHex(SHA1, "abcd")
	tassert(t, err != nil, "short id accepted")
}
