package object

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/saint0x/timelapse/errs"
)

// Algo names the hash algorithm a repository was created with.  It is
// fixed at init and identical across every object in the repository.
type Algo string

const (
	// SHA1 produces 20-byte digests over the Git object envelope,
	// making blobs and trees byte-compatible with a Git object
	// database.
	SHA1 Algo = "sha1"
	// BLAKE3 produces 32-byte digests.  The envelope strings are
	// unchanged, but direct Git interop is lost.
	BLAKE3 Algo = "blake3"
)

func (a Algo) Valid() bool {
	return a == SHA1 || a == BLAKE3
}

// Size is the digest width in bytes.
func (a Algo) Size() int {
	switch a {
	case SHA1:
		return 20
	case BLAKE3:
		return 32
	}
	panic(fmt.Sprintf("unknown hash algo %q", a))
}

func (a Algo) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case BLAKE3:
		return blake3.New()
	}
	panic(fmt.Sprintf("unknown hash algo %q", a))
}

// Hash is a raw digest.  The empty string means "no hash".
type Hash string

func (h Hash) IsZero() bool { return len(h) == 0 }

func (h Hash) Hex() string { return hex.EncodeToString([]byte(h)) }

// Short is the abbreviated display form.
func (h Hash) Short() string {
	s := h.Hex()
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func HashFromHex(a Algo, s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", errs.Wrap(errs.NotFound, err, "bad object id %q", s)
	}
	if len(raw) != a.Size() {
		return "", errs.New(errs.NotFound, "object id %q: want %d bytes, got %d", s, a.Size(), len(raw))
	}
	return Hash(raw), nil
}

// blobHeader is the canonical Git blob envelope prefix.
func blobHeader(size int) []byte {
	return []byte("blob " + strconv.Itoa(size) + "\x00")
}

// treeHeader is the canonical Git tree envelope prefix.
func treeHeader(size int) []byte {
	return []byte("tree " + strconv.Itoa(size) + "\x00")
}

// HashBlob computes the identity of content: the digest of
// "blob <decimal-size>\0" followed by the raw bytes.  The hash never
// depends on the storage form.
func HashBlob(a Algo, content []byte) Hash {
	h := a.New()
	h.Write(blobHeader(len(content)))
	h.Write(content)
	return Hash(h.Sum(nil))
}

// HashTreeBody computes a tree's identity from its serialized entry
// bytes (see EncodeTree), wrapped in the "tree <size>\0" envelope.
func HashTreeBody(a Algo, body []byte) Hash {
	h := a.New()
	h.Write(treeHeader(len(body)))
	h.Write(body)
	return Hash(h.Sum(nil))
}
