package watch

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/saint0x/timelapse/errs"
)

var statBucket = []byte("stat")

// Sig is the cheap change signature of one path as of the last
// acknowledged checkpoint.
type Sig struct {
	Size    int64
	MtimeNS int64
}

// StatCache persists per-path signatures in state/watcher.state.  The
// overflow reconcile compares the filesystem against it, and the
// optional fast path uses it to skip re-reads.  It is a cache: losing
// it only costs extra hashing.
type StatCache struct {
	db *bolt.DB
}

func OpenStatCache(path string) (*StatCache, error) {
	db, err := bolt.Open(path, 0644, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "opening stat cache")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(statBucket)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IoError, err, "initializing stat cache")
	}
	return &StatCache{db: db}, nil
}

func (c *StatCache) Close() error { return c.db.Close() }

func encodeSig(s Sig) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(s.Size))
	binary.BigEndian.PutUint64(buf[8:], uint64(s.MtimeNS))
	return buf
}

func decodeSig(raw []byte) (Sig, bool) {
	if len(raw) != 16 {
		return Sig{}, false
	}
	return Sig{
		Size:    int64(binary.BigEndian.Uint64(raw[:8])),
		MtimeNS: int64(binary.BigEndian.Uint64(raw[8:])),
	}, true
}

func (c *StatCache) Get(path string) (sig Sig, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(statBucket).Get([]byte(path))
		if raw == nil {
			return nil
		}
		sig, ok = decodeSig(raw)
		return nil
	})
	if err != nil {
		return Sig{}, false, errs.Wrap(errs.IoError, err, "stat cache get")
	}
	return sig, ok, nil
}

// Update applies one batch of signature changes: puts for paths that
// now exist, deletes for paths that are gone.
func (c *StatCache) Update(puts map[string]Sig, deletes []string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statBucket)
		for p, s := range puts {
			if perr := b.Put([]byte(p), encodeSig(s)); perr != nil {
				return perr
			}
		}
		for _, p := range deletes {
			if derr := b.Delete([]byte(p)); derr != nil {
				return derr
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.IoError, err, "stat cache update")
	}
	return nil
}

// Replace swaps the whole cache for sigs.  Used after restore, when
// every tracked path was rewritten.
func (c *StatCache) Replace(sigs map[string]Sig) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		if derr := tx.DeleteBucket(statBucket); derr != nil {
			return derr
		}
		b, berr := tx.CreateBucket(statBucket)
		if berr != nil {
			return berr
		}
		for p, s := range sigs {
			if perr := b.Put([]byte(p), encodeSig(s)); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.IoError, err, "stat cache replace")
	}
	return nil
}

// Each visits every cached path.
func (c *StatCache) Each(fn func(path string, sig Sig) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(statBucket).ForEach(func(k, v []byte) error {
			sig, ok := decodeSig(v)
			if !ok {
				return nil
			}
			return fn(string(k), sig)
		})
	})
}
