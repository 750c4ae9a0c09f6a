// Package journal implements the append-only checkpoint log: length-
// prefixed, checksummed records holding checkpoint metadata, with an
// in-memory id index and crash-safe truncation recovery.
package journal

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
)

// Trigger records why a checkpoint was taken.
type Trigger uint8

const (
	TriggerFsBatch Trigger = iota
	TriggerManual
	TriggerRestore
	TriggerPublish
	TriggerGCCompact
)

func (tr Trigger) String() string {
	switch tr {
	case TriggerFsBatch:
		return "fs_batch"
	case TriggerManual:
		return "manual"
	case TriggerRestore:
		return "restore"
	case TriggerPublish:
		return "publish"
	case TriggerGCCompact:
		return "gc_compact"
	}
	return "unknown"
}

// Stats summarizes what a checkpoint changed.
type Stats struct {
	Added        int   `msgpack:"added"`
	Modified     int   `msgpack:"modified"`
	Removed      int   `msgpack:"removed"`
	BytesWritten int64 `msgpack:"bytes_written"`
}

// Checkpoint is one immutable journal record.  A zero Parent means
// the checkpoint has no ancestor.
type Checkpoint struct {
	ID        ulid.ULID
	Parent    ulid.ULID
	Root      object.Hash
	CreatedNS int64
	Trigger   Trigger
	Touched   []string
	Stats     Stats
}

func (c *Checkpoint) HasParent() bool {
	return c.Parent != (ulid.ULID{})
}

// IDString is the canonical text form (26-char Crockford base32)
// used in HEAD, pins, and CLI output.
func IDString(id ulid.ULID) string {
	return id.String()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh checkpoint id: 128 bits, millisecond
// timestamp prefix, monotone within the process.
func NewID(now time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy)
}

// ParseID parses the canonical text form.  Crockford base32 decoding
// is case-insensitive.
func ParseID(s string) (ulid.ULID, error) {
	if len(s) != ulid.EncodedSize {
		return ulid.ULID{}, errs.New(errs.NotFound, "bad checkpoint id %q", s)
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, errs.Wrap(errs.NotFound, err, "bad checkpoint id %q", s)
	}
	return id, nil
}

// wire is the deterministic msgpack payload layout.  Field order is
// fixed; never reorder.
type wire struct {
	ID        []byte   `msgpack:"id"`
	Parent    []byte   `msgpack:"parent"`
	Root      []byte   `msgpack:"root"`
	CreatedNS int64    `msgpack:"created_ns"`
	Trigger   uint8    `msgpack:"trigger"`
	Touched   []string `msgpack:"touched"`
	Stats     Stats    `msgpack:"stats"`
}

func (c *Checkpoint) encode() ([]byte, error) {
	w := wire{
		ID:        c.ID[:],
		Root:      []byte(c.Root),
		CreatedNS: c.CreatedNS,
		Trigger:   uint8(c.Trigger),
		Touched:   c.Touched,
		Stats:     c.Stats,
	}
	if c.HasParent() {
		w.Parent = c.Parent[:]
	}
	return msgpack.Marshal(&w)
}

func decode(payload []byte) (*Checkpoint, error) {
	var w wire
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, errs.Wrap(errs.Corrupt, err, "journal payload")
	}
	c := &Checkpoint{
		Root:      object.Hash(w.Root),
		CreatedNS: w.CreatedNS,
		Trigger:   Trigger(w.Trigger),
		Touched:   w.Touched,
		Stats:     w.Stats,
	}
	if len(w.ID) != len(c.ID) {
		return nil, errs.New(errs.Corrupt, "journal payload: bad id width %d", len(w.ID))
	}
	copy(c.ID[:], w.ID)
	if len(w.Parent) > 0 {
		if len(w.Parent) != len(c.Parent) {
			return nil, errs.New(errs.Corrupt, "journal payload: bad parent width %d", len(w.Parent))
		}
		copy(c.Parent[:], w.Parent)
	}
	return c, nil
}
