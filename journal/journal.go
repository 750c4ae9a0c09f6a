package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
)

// record framing: magic(4) | version(1) | payload_len(4) | crc32(4) |
// payload.  Integers big-endian; crc is IEEE over the payload.
var recordMagic = []byte("TLJ1")

const (
	recordVersion = 1
	headerLen     = 13
	// idxEntryLen is one row of log.idx: raw id + file offset.
	idxEntryLen = 16 + 8
)

// Journal is the append-only checkpoint log plus its in-memory id
// index.  Appends fsync before acknowledging; a partially written
// tail record is detected and truncated at open.
type Journal struct {
	mu        sync.Mutex
	path      string
	idxPath   string
	fh        *os.File
	index     map[ulid.ULID]int64
	order     []ulid.ULID
	truncated bool
}

// Open scans the log at path, recovering from a torn tail write, and
// rebuilds the id index.  The side index at idxPath accelerates the
// scan when it is intact; it is advisory and rebuilt when stale.
func Open(path, idxPath string) (j *Journal, err error) {
	defer Return(&err)
	err = os.MkdirAll(filepath.Dir(path), 0755)
	Ck(err)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	Ck(err)
	j = &Journal{
		path:    path,
		idxPath: idxPath,
		fh:      fh,
		index:   map[ulid.ULID]int64{},
	}
	err = j.scan()
	if err != nil {
		fh.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fh.Close()
}

// Truncated reports whether open had to discard a torn tail record.
func (j *Journal) Truncated() bool { return j.truncated }

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order)
}

// scan reads records from the start offset suggested by the side
// index (0 when the index is unusable), truncating the file at the
// first malformed record.
func (j *Journal) scan() (err error) {
	defer Return(&err)
	start := j.loadIdx()
	off := start
	for {
		c, next, rerr := j.readRecordAt(off)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			log.Warnf("journal: truncating torn record at offset %d: %v", off, rerr)
			err = j.fh.Truncate(off)
			Ck(err)
			err = j.fh.Sync()
			Ck(err)
			j.truncated = true
			break
		}
		j.index[c.ID] = off
		j.order = append(j.order, c.ID)
		off = next
	}
	if start != 0 || j.truncated {
		// keep the side index consistent with what survived
		j.rewriteIdx()
	}
	return nil
}

// loadIdx loads the advisory side index.  Returns the offset to
// continue scanning from; 0 means ignore the index entirely.  Any
// inconsistency falls back to a full scan.
func (j *Journal) loadIdx() int64 {
	raw, err := os.ReadFile(j.idxPath)
	if err != nil || len(raw) == 0 || len(raw)%idxEntryLen != 0 {
		return 0
	}
	n := len(raw) / idxEntryLen
	last := raw[(n-1)*idxEntryLen:]
	lastOff := int64(binary.BigEndian.Uint64(last[16:]))
	// the last indexed record must verify before anything is trusted
	c, next, rerr := j.readRecordAt(lastOff)
	if rerr != nil {
		return 0
	}
	var lastID ulid.ULID
	copy(lastID[:], last[:16])
	if c.ID != lastID {
		return 0
	}
	for i := 0; i < n; i++ {
		row := raw[i*idxEntryLen:]
		var id ulid.ULID
		copy(id[:], row[:16])
		off := int64(binary.BigEndian.Uint64(row[16:24]))
		j.index[id] = off
		j.order = append(j.order, id)
	}
	return next
}

func (j *Journal) rewriteIdx() {
	var buf bytes.Buffer
	for _, id := range j.order {
		buf.Write(id[:])
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], uint64(j.index[id]))
		buf.Write(off[:])
	}
	if err := renameio.WriteFile(j.idxPath, buf.Bytes(), 0644); err != nil {
		log.Warnf("journal: rewriting side index: %v", err)
	}
}

// readRecordAt decodes one record.  io.EOF means a clean end of log.
func (j *Journal) readRecordAt(off int64) (c *Checkpoint, next int64, err error) {
	end, serr := j.fh.Seek(0, io.SeekEnd)
	if serr != nil {
		return nil, 0, serr
	}
	if off == end {
		return nil, 0, io.EOF
	}
	if off > end || end-off < headerLen {
		return nil, 0, errs.New(errs.TruncatedJournal, "short header at %d", off)
	}
	header := make([]byte, headerLen)
	if _, rerr := j.fh.ReadAt(header, off); rerr != nil {
		return nil, 0, rerr
	}
	if !bytes.Equal(header[:4], recordMagic) {
		return nil, 0, errs.New(errs.TruncatedJournal, "bad magic at %d", off)
	}
	if header[4] != recordVersion {
		return nil, 0, errs.New(errs.TruncatedJournal, "unsupported version %d at %d", header[4], off)
	}
	plen := int64(binary.BigEndian.Uint32(header[5:9]))
	crc := binary.BigEndian.Uint32(header[9:13])
	if off+headerLen+plen > end {
		return nil, 0, errs.New(errs.TruncatedJournal, "payload overruns file at %d", off)
	}
	payload := make([]byte, plen)
	if _, rerr := j.fh.ReadAt(payload, off+headerLen); rerr != nil {
		return nil, 0, rerr
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, 0, errs.New(errs.TruncatedJournal, "crc mismatch at %d", off)
	}
	c, derr := decode(payload)
	if derr != nil {
		return nil, 0, derr
	}
	return c, off + headerLen + plen, nil
}

// Append frames, writes, and fsyncs one record.  The in-memory index
// is updated only after the fsync succeeds; the record is then
// durable and acknowledged.
func (j *Journal) Append(c *Checkpoint) (err error) {
	defer Return(&err)
	j.mu.Lock()
	defer j.mu.Unlock()

	payload, err := c.encode()
	Ck(err)
	off, err := j.fh.Seek(0, io.SeekEnd)
	Ck(err)

	frame := make([]byte, headerLen+len(payload))
	copy(frame, recordMagic)
	frame[4] = recordVersion
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[9:13], crc32.ChecksumIEEE(payload))
	copy(frame[headerLen:], payload)

	_, err = j.fh.Write(frame)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "journal append")
	}
	err = j.fh.Sync()
	if err != nil {
		return errs.Wrap(errs.IoError, err, "journal fsync")
	}

	j.index[c.ID] = off
	j.order = append(j.order, c.ID)
	j.appendIdx(c.ID, off)
	log.Debugf("journal: appended %s trigger=%s root=%s", c.ID, c.Trigger, c.Root.Short())
	return nil
}

// appendIdx is best-effort; the side index is advisory.
func (j *Journal) appendIdx(id ulid.ULID, off int64) {
	fh, err := os.OpenFile(j.idxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warnf("journal: side index append: %v", err)
		return
	}
	defer fh.Close()
	row := make([]byte, idxEntryLen)
	copy(row, id[:])
	binary.BigEndian.PutUint64(row[16:], uint64(off))
	if _, err := fh.Write(row); err != nil {
		log.Warnf("journal: side index append: %v", err)
	}
}

// Get returns the checkpoint for id.
func (j *Journal) Get(id ulid.ULID) (*Checkpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	off, ok := j.index[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "checkpoint %s", IDString(id))
	}
	c, _, err := j.readRecordAt(off)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, err, "checkpoint %s", IDString(id))
	}
	return c, nil
}

// Latest returns the most recently appended checkpoint, or nil for an
// empty journal.
func (j *Journal) Latest() (*Checkpoint, error) {
	j.mu.Lock()
	n := len(j.order)
	var id ulid.ULID
	if n > 0 {
		id = j.order[n-1]
	}
	j.mu.Unlock()
	if n == 0 {
		return nil, nil
	}
	return j.Get(id)
}

// LastN returns up to n checkpoints, newest last.
func (j *Journal) LastN(n int) (out []*Checkpoint, err error) {
	ids := j.IDs()
	if n < len(ids) {
		ids = ids[len(ids)-n:]
	}
	for _, id := range ids {
		c, gerr := j.Get(id)
		if gerr != nil {
			return nil, gerr
		}
		out = append(out, c)
	}
	return out, nil
}

// Since returns checkpoints created at or after tsNS, in append order.
func (j *Journal) Since(tsNS int64) (out []*Checkpoint, err error) {
	err = j.Iter(func(c *Checkpoint) error {
		if c.CreatedNS >= tsNS {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// Iter visits every record in append order.
func (j *Journal) Iter(fn func(*Checkpoint) error) error {
	for _, id := range j.IDs() {
		c, err := j.Get(id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// IDs returns the record ids in append order.
func (j *Journal) IDs() []ulid.ULID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ulid.ULID(nil), j.order...)
}

// Has reports whether id is present.
func (j *Journal) Has(id ulid.ULID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.index[id]
	return ok
}

// Compact rewrites the log keeping only records for which live
// returns true.  GC only, under the GC lock.  The new log and side
// index replace the old ones atomically.
func (j *Journal) Compact(live func(ulid.ULID) bool) (pruned int, err error) {
	defer Return(&err)
	j.mu.Lock()
	defer j.mu.Unlock()

	t, err := renameio.TempFile("", j.path)
	Ck(err)
	defer t.Cleanup()

	var kept []*Checkpoint
	for _, id := range j.order {
		c, _, rerr := j.readRecordAt(j.index[id])
		Ck(rerr)
		if live(id) {
			kept = append(kept, c)
		} else {
			pruned++
		}
	}
	for _, c := range kept {
		payload, perr := c.encode()
		Ck(perr)
		frame := make([]byte, headerLen+len(payload))
		copy(frame, recordMagic)
		frame[4] = recordVersion
		binary.BigEndian.PutUint32(frame[5:9], uint32(len(payload)))
		binary.BigEndian.PutUint32(frame[9:13], crc32.ChecksumIEEE(payload))
		copy(frame[headerLen:], payload)
		_, err = t.Write(frame)
		Ck(err)
	}
	err = t.CloseAtomicallyReplace()
	if err != nil {
		return 0, errs.Wrap(errs.IoError, err, "journal compact")
	}

	// reopen and rebuild in-memory state from the compacted log
	err = j.fh.Close()
	Ck(err)
	j.fh, err = os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0644)
	Ck(err)
	j.index = map[ulid.ULID]int64{}
	j.order = nil
	off := int64(0)
	for {
		c, next, rerr := j.readRecordAt(off)
		if rerr == io.EOF {
			break
		}
		Ck(rerr)
		j.index[c.ID] = off
		j.order = append(j.order, c.ID)
		off = next
	}
	j.rewriteIdx()
	log.Debugf("journal: compacted, pruned %d records, %d kept", pruned, len(j.order))
	return pruned, nil
}
