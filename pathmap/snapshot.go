package pathmap

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
)

// snapshot format: magic, version byte, anchor hash, entry count,
// then sorted entries (u16 path_len, path bytes, u8 kind, u32 mode,
// digest bytes).  All integers big-endian.
var snapshotMagic = []byte("PMV2")

const snapshotVersion = 1

// Snapshot writes the map to w in the PMV2 format.
func (m *Map) Snapshot(w io.Writer) (err error) {
	defer Return(&err)
	bw := bufio.NewWriter(w)
	_, err = bw.Write(snapshotMagic)
	Ck(err)
	err = bw.WriteByte(snapshotVersion)
	Ck(err)
	_, err = bw.Write([]byte(m.anchor))
	Ck(err)
	err = binary.Write(bw, binary.BigEndian, uint32(len(m.entries)))
	Ck(err)
	err = m.IterSorted(func(path string, e Entry) error {
		if werr := binary.Write(bw, binary.BigEndian, uint16(len(path))); werr != nil {
			return werr
		}
		if _, werr := bw.WriteString(path); werr != nil {
			return werr
		}
		if werr := bw.WriteByte(byte(e.Kind)); werr != nil {
			return werr
		}
		if werr := binary.Write(bw, binary.BigEndian, e.Mode); werr != nil {
			return werr
		}
		_, werr := bw.Write([]byte(e.Hash))
		return werr
	})
	Ck(err)
	return bw.Flush()
}

// Load reads a PMV2 snapshot.  The caller still has to verify the
// anchor against the serialized entries before trusting the map.
func Load(r io.Reader, algo object.Algo) (m *Map, err error) {
	defer Return(&err)
	br := bufio.NewReader(r)

	head := make([]byte, len(snapshotMagic)+1)
	if _, rerr := io.ReadFull(br, head); rerr != nil {
		return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: short header")
	}
	if string(head[:4]) != string(snapshotMagic) {
		return nil, errs.New(errs.Corrupt, "pathmap snapshot: bad magic %q", head[:4])
	}
	if head[4] != snapshotVersion {
		return nil, errs.New(errs.Corrupt, "pathmap snapshot: unsupported version %d", head[4])
	}

	anchor := make([]byte, algo.Size())
	if _, rerr := io.ReadFull(br, anchor); rerr != nil {
		return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: short anchor")
	}
	var count uint32
	if rerr := binary.Read(br, binary.BigEndian, &count); rerr != nil {
		return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: short count")
	}

	m = New(algo)
	m.anchor = object.Hash(anchor)
	digest := make([]byte, algo.Size())
	for i := uint32(0); i < count; i++ {
		var plen uint16
		if rerr := binary.Read(br, binary.BigEndian, &plen); rerr != nil {
			return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: entry %d", i)
		}
		pbuf := make([]byte, plen)
		if _, rerr := io.ReadFull(br, pbuf); rerr != nil {
			return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: entry %d path", i)
		}
		kind, rerr := br.ReadByte()
		if rerr != nil {
			return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: entry %d kind", i)
		}
		var mode uint32
		if rerr := binary.Read(br, binary.BigEndian, &mode); rerr != nil {
			return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: entry %d mode", i)
		}
		if _, rerr := io.ReadFull(br, digest); rerr != nil {
			return nil, errs.Wrap(errs.Corrupt, rerr, "pathmap snapshot: entry %d hash", i)
		}
		m.entries[string(pbuf)] = Entry{
			Kind: object.Kind(kind),
			Mode: mode,
			Hash: object.Hash(string(digest)),
		}
	}
	return m, nil
}

// WriteFile snapshots the map to path with the atomic temp-rename-
// fsync discipline.
func (m *Map) WriteFile(path string) (err error) {
	defer Return(&err)
	t, err := renameio.TempFile("", path)
	Ck(err)
	defer t.Cleanup()
	err = m.Snapshot(t)
	Ck(err)
	err = t.CloseAtomicallyReplace()
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing pathmap snapshot")
	}
	err = syncDir(filepath.Dir(path))
	Ck(err)
	log.Debugf("pathmap snapshot: %d entries, anchor %s", len(m.entries), m.anchor.Short())
	return nil
}

// LoadFile reads the snapshot at path.  A missing file yields an
// empty map anchored at the zero hash; the caller treats that as a
// rebuild trigger.
func LoadFile(path string, algo object.Algo) (m *Map, err error) {
	fh, oerr := os.Open(path)
	if os.IsNotExist(oerr) {
		return New(algo), nil
	}
	if oerr != nil {
		return nil, errs.Wrap(errs.IoError, oerr, "opening pathmap snapshot")
	}
	defer fh.Close()
	return Load(fh, algo)
}

func syncDir(dir string) error {
	fh, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}
