// Package rpc defines the length-prefixed msgpack protocol spoken
// over the daemon's unix socket, and the payload shapes shared by the
// daemon, the client, and the CLI renderer.
package rpc

import (
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack"

	"github.com/saint0x/timelapse/errs"
)

// MaxMsgLen bounds a single frame; nothing the protocol carries
// should come near it.
const MaxMsgLen = 16 << 20

// Request is the single request shape for every verb.
type Request struct {
	Verb    string `msgpack:"verb"`
	Ref     string `msgpack:"ref"`
	Ref2    string `msgpack:"ref2"`
	Name    string `msgpack:"name"`
	N       int    `msgpack:"n"`
	DryRun  bool   `msgpack:"dry_run"`
	Message string `msgpack:"message"`
}

// Response wraps a verb-specific msgpack payload.  Kind carries the
// stable error kind string on failure.
type Response struct {
	OK      bool   `msgpack:"ok"`
	Kind    string `msgpack:"kind"`
	Error   string `msgpack:"error"`
	Payload []byte `msgpack:"payload"`
}

// verb payloads

type Status struct {
	DaemonRunning  bool   `msgpack:"daemon_running"`
	HeadID         string `msgpack:"head_id"`
	TrackedPaths   int    `msgpack:"tracked_paths"`
	PendingPaths   int    `msgpack:"pending_paths"`
	LastCheckpoint int64  `msgpack:"last_checkpoint_ns"`
	Checkpoints    int    `msgpack:"checkpoints"`
}

type LogEntry struct {
	ID        string   `msgpack:"id"`
	Parent    string   `msgpack:"parent"`
	Root      string   `msgpack:"root"`
	CreatedNS int64    `msgpack:"created_ns"`
	Trigger   string   `msgpack:"trigger"`
	Touched   []string `msgpack:"touched"`
	Added     int      `msgpack:"added"`
	Modified  int      `msgpack:"modified"`
	Removed   int      `msgpack:"removed"`
}

type Log struct {
	Entries []LogEntry `msgpack:"entries"`
}

type Info struct {
	Root        string            `msgpack:"root"`
	HashAlgo    string            `msgpack:"hash_algo"`
	DebounceMS  int               `msgpack:"debounce_ms"`
	Checkpoints int               `msgpack:"checkpoints"`
	Objects     int               `msgpack:"objects"`
	StoreBytes  int64             `msgpack:"store_bytes"`
	Pins        map[string]string `msgpack:"pins"`
}

type Flush struct {
	CheckpointID string `msgpack:"checkpoint_id"`
	NoChange     bool   `msgpack:"no_change"`
}

type Restore struct {
	RestoredTo   string `msgpack:"restored_to"`
	CheckpointID string `msgpack:"checkpoint_id"`
	NoChange     bool   `msgpack:"no_change"`
}

type Diff struct {
	Added    []string `msgpack:"added"`
	Removed  []string `msgpack:"removed"`
	Modified []string `msgpack:"modified"`
}

type GC struct {
	LiveCheckpoints   int   `msgpack:"live_checkpoints"`
	PrunedCheckpoints int   `msgpack:"pruned_checkpoints"`
	ObjectsDeleted    int   `msgpack:"objects_deleted"`
	BytesReclaimed    int64 `msgpack:"bytes_reclaimed"`
	DryRun            bool  `msgpack:"dry_run"`
}

type Publish struct {
	Commit string `msgpack:"commit"`
	Branch string `msgpack:"branch"`
}

type CmdOutput struct {
	Output string `msgpack:"output"`
}

// WriteMsg frames v as u32be length plus msgpack body.
func WriteMsg(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encoding message")
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return errs.Wrap(errs.IoError, err, "writing message")
	}
	if _, err := w.Write(body); err != nil {
		return errs.Wrap(errs.IoError, err, "writing message")
	}
	return nil
}

// ReadMsg reads one frame into v.
func ReadMsg(r io.Reader, v interface{}) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return errs.Wrap(errs.IoError, err, "reading message header")
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > MaxMsgLen {
		return errs.New(errs.Corrupt, "message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return errs.Wrap(errs.IoError, err, "reading message body")
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return errs.Wrap(errs.Corrupt, err, "decoding message")
	}
	return nil
}

// Encode packs a payload struct for Response.Payload.
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode unpacks Response.Payload.
func Decode(raw []byte, v interface{}) error {
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.Corrupt, err, "decoding payload")
	}
	return nil
}
