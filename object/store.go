package object

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zlib"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
)

// object classes on disk
const (
	classBlob = "blobs"
	classTree = "trees"
)

// Store is the content-addressed object store.  Objects live under
// <dir>/{blobs,trees}/<hh>/<rest> where <hh> is the first two hex
// characters of the digest.  Writes go through create-temp-in-same-
// directory, fsync, rename, fsync-parent; concurrent writers of the
// same hash race safely because the content is identical by
// construction.
type Store struct {
	dir       string
	algo      Algo
	level     int // zlib compression level
	threshold int // objects below this stored uncompressed
}

func NewStore(dir string, algo Algo, level, threshold int) (s *Store, err error) {
	defer Return(&err)
	Assert(algo.Valid(), "bad algo %q", algo)
	for _, class := range []string{classBlob, classTree} {
		err = os.MkdirAll(filepath.Join(dir, class), 0755)
		Ck(err)
	}
	return &Store{dir: dir, algo: algo, level: level, threshold: threshold}, nil
}

func (s *Store) Algo() Algo { return s.algo }

func (s *Store) objectPath(class string, h Hash) string {
	hx := h.Hex()
	return filepath.Join(s.dir, class, hx[:2], hx[2:])
}

// PutBlob stores content and returns its identity.  Idempotent: if
// the object already exists nothing is rewritten.
func (s *Store) PutBlob(content []byte) (h Hash, err error) {
	defer Return(&err)
	h = HashBlob(s.algo, content)
	canonical := append(blobHeader(len(content)), content...)
	err = s.writeObject(classBlob, h, canonical)
	Ck(err)
	return h, nil
}

// GetBlob retrieves the raw content for h, verifying the stored bytes
// hash back to the requested identity.
func (s *Store) GetBlob(h Hash) (content []byte, err error) {
	canonical, err := s.readObject(classBlob, h)
	if err != nil {
		return nil, err
	}
	nul := bytes.IndexByte(canonical, 0)
	return canonical[nul+1:], nil
}

// PutTree serializes entries and stores the resulting tree object.
func (s *Store) PutTree(entries []TreeEntry) (h Hash, err error) {
	defer Return(&err)
	body := EncodeTree(entries)
	return s.PutTreeBody(body)
}

// PutTreeBody stores an already-serialized tree body.
func (s *Store) PutTreeBody(body []byte) (h Hash, err error) {
	defer Return(&err)
	h = HashTreeBody(s.algo, body)
	canonical := append(treeHeader(len(body)), body...)
	err = s.writeObject(classTree, h, canonical)
	Ck(err)
	return h, nil
}

func (s *Store) GetTree(h Hash) (entries []TreeEntry, err error) {
	canonical, err := s.readObject(classTree, h)
	if err != nil {
		return nil, err
	}
	nul := bytes.IndexByte(canonical, 0)
	return DecodeTree(s.algo, canonical[nul+1:])
}

// GetTreeBody returns the serialized entry bytes of a stored tree.
func (s *Store) GetTreeBody(h Hash) (body []byte, err error) {
	canonical, err := s.readObject(classTree, h)
	if err != nil {
		return nil, err
	}
	nul := bytes.IndexByte(canonical, 0)
	return canonical[nul+1:], nil
}

func (s *Store) HasBlob(h Hash) bool { return exists(s.objectPath(classBlob, h)) }
func (s *Store) HasTree(h Hash) bool { return exists(s.objectPath(classTree, h)) }

func (s *Store) Has(h Hash) bool {
	return s.HasBlob(h) || s.HasTree(h)
}

// Delete removes an object.  GC only, under the GC lock.
func (s *Store) Delete(h Hash) (err error) {
	defer Return(&err)
	removed := false
	for _, class := range []string{classBlob, classTree} {
		p := s.objectPath(class, h)
		if exists(p) {
			err = os.Remove(p)
			Ck(err)
			removed = true
		}
	}
	if !removed {
		return errs.New(errs.NotFound, "object %s", h.Hex())
	}
	return nil
}

// ObjectInfo is one row of a Walk.
type ObjectInfo struct {
	Hash Hash
	Tree bool
	Size int64 // stored (possibly compressed) size on disk
}

// Walk visits every object on disk.  Used by the GC sweep.
func (s *Store) Walk(fn func(ObjectInfo) error) (err error) {
	defer Return(&err)
	for _, class := range []string{classBlob, classTree} {
		root := filepath.Join(s.dir, class)
		subdirs, err := os.ReadDir(root)
		Ck(err)
		for _, sub := range subdirs {
			if !sub.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(root, sub.Name()))
			Ck(err)
			for _, f := range files {
				raw, herr := hexDecode(sub.Name() + f.Name())
				if herr != nil || len(raw) != s.algo.Size() {
					log.Warnf("skipping stray object file %s/%s", sub.Name(), f.Name())
					continue
				}
				info, err := f.Info()
				Ck(err)
				err = fn(ObjectInfo{Hash: Hash(raw), Tree: class == classTree, Size: info.Size()})
				Ck(err)
			}
		}
	}
	return nil
}

// writeObject persists canonical bytes for h, compressing when the
// object's content (the bytes after the envelope header) is at or
// above the store threshold.
func (s *Store) writeObject(class string, h Hash, canonical []byte) (err error) {
	defer Return(&err)
	target := s.objectPath(class, h)
	if exists(target) {
		log.Debugf("object %s exists, skipping write", h.Short())
		return nil
	}
	stored := canonical
	if len(canonical)-bytes.IndexByte(canonical, 0)-1 >= s.threshold {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, s.level)
		Ck(err)
		_, err = zw.Write(canonical)
		Ck(err)
		err = zw.Close()
		Ck(err)
		stored = buf.Bytes()
	}
	err = os.MkdirAll(filepath.Dir(target), 0755)
	Ck(err)
	t, err := renameio.TempFile("", target)
	Ck(err)
	defer t.Cleanup()
	_, err = t.Write(stored)
	Ck(err)
	err = t.CloseAtomicallyReplace()
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing object %s", h.Hex())
	}
	err = syncDir(filepath.Dir(target))
	Ck(err)
	return nil
}

// readObject loads the canonical (uncompressed, enveloped) bytes for
// h and verifies them against the requested identity.  Readers never
// see partial or corrupt data.
func (s *Store) readObject(class string, h Hash) (canonical []byte, err error) {
	target := s.objectPath(class, h)
	stored, rerr := os.ReadFile(target)
	if os.IsNotExist(rerr) {
		return nil, errs.New(errs.NotFound, "object %s", h.Hex())
	}
	if rerr != nil {
		return nil, errs.Wrap(errs.IoError, rerr, "reading object %s", h.Hex())
	}
	canonical = stored
	if !rawEnvelope(stored) {
		zr, zerr := zlib.NewReader(bytes.NewReader(stored))
		if zerr != nil {
			return nil, errs.Wrap(errs.Corrupt, zerr, "object %s: bad storage form", h.Hex())
		}
		canonical, zerr = io.ReadAll(zr)
		if zerr != nil {
			return nil, errs.Wrap(errs.Corrupt, zerr, "object %s: bad zlib stream", h.Hex())
		}
		zr.Close()
	}
	nul := bytes.IndexByte(canonical, 0)
	if nul < 0 {
		return nil, errs.New(errs.Corrupt, "object %s: missing envelope", h.Hex())
	}
	hh := s.algo.New()
	hh.Write(canonical)
	if Hash(hh.Sum(nil)) != h {
		return nil, errs.New(errs.Corrupt, "object %s: content hash mismatch", h.Hex())
	}
	return canonical, nil
}

// rawEnvelope reports whether stored bytes begin with an uncompressed
// object envelope rather than a zlib stream.
func rawEnvelope(stored []byte) bool {
	return bytes.HasPrefix(stored, []byte("blob ")) || bytes.HasPrefix(stored, []byte("tree "))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// syncDir fsyncs a directory so a completed rename survives a crash.
func syncDir(dir string) (err error) {
	fh, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Sync()
}
