package update

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/pathmap"
	"github.com/saint0x/timelapse/watch"
)

type op uint8

const (
	opNone op = iota // no real change
	opPut
	opRemove
	opDefer // unstable, requeue for the next batch
)

// result is one path's reconciliation outcome.
type result struct {
	path    string
	op      op
	entry   pathmap.Entry
	content []byte // blob bytes for opPut
	sig     watch.Sig
	err     error // fatal I/O error; aborts the batch
}

// reconcile fans candidate paths over a bounded worker pool.  Each
// worker lstats its path, reads and hashes content with the stable-
// read guard, and compares against the PathMap to decide whether
// anything really changed.  Results fan back in before the commit
// region.
func (u *Updater) reconcile(paths []string) []result {
	jobs := make(chan string)
	results := make(chan result, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < u.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				results <- u.reconcileOne(p)
			}
		}()
	}
	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]result, 0, len(paths))
	for r := range results {
		out = append(out, r)
	}
	return out
}

// reconcileOne classifies a single candidate path, bounded by the
// per-file timeout: a read that exceeds it is treated as unstable and
// requeued.
func (u *Updater) reconcileOne(path string) result {
	done := make(chan result, 1)
	go func() { done <- u.classify(path) }()
	select {
	case r := <-done:
		return r
	case <-time.After(u.FileTimeout):
		log.Warnf("reconcile of %s timed out, deferring", path)
		return result{path: path, op: opDefer}
	}
}

func (u *Updater) classify(path string) result {
	abs := filepath.Join(u.repo.Root, filepath.FromSlash(path))
	algo := u.repo.Config.HashAlgo

	fi, serr := os.Lstat(abs)
	switch {
	case os.IsNotExist(serr):
		if _, tracked := u.repo.PathMap.Get(path); tracked {
			return result{path: path, op: opRemove}
		}
		return result{path: path, op: opNone}
	case serr != nil:
		return result{path: path, err: errs.Wrap(errs.IoError, serr, "lstat %s", path)}
	}

	if fi.IsDir() {
		// directories are implied by child paths
		return result{path: path, op: opNone}
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(abs)
		if rerr != nil {
			return result{path: path, err: errs.Wrap(errs.IoError, rerr, "readlink %s", path)}
		}
		content := []byte(target)
		entry := pathmap.Entry{
			Kind: object.KindSymlink,
			Mode: object.ModeSymlink,
			Hash: object.HashBlob(algo, content),
		}
		if cur, ok := u.repo.PathMap.Get(path); ok && cur == entry {
			return result{path: path, op: opNone}
		}
		sig := watch.Sig{Size: fi.Size(), MtimeNS: fi.ModTime().UnixNano()}
		return result{path: path, op: opPut, entry: entry, content: content, sig: sig}
	}

	if !fi.Mode().IsRegular() {
		// sockets, fifos, devices: not representable, not tracked
		log.Debugf("skipping irregular file %s (%s)", path, fi.Mode())
		if _, tracked := u.repo.PathMap.Get(path); tracked {
			return result{path: path, op: opRemove}
		}
		return result{path: path, op: opNone}
	}

	// optional fast path: identical size+mtime as the cached stat
	// means skip the read; off by default because mtime granularity
	// can hide rapid rewrites
	if u.repo.Config.FastPath {
		if cur, tracked := u.repo.PathMap.Get(path); tracked {
			sig := watch.Sig{Size: fi.Size(), MtimeNS: fi.ModTime().UnixNano()}
			if cached, ok, _ := u.cache.Get(path); ok && cached == sig && cur.Kind != object.KindSymlink {
				return result{path: path, op: opNone}
			}
		}
	}

	content, sig, fmode, rerr := readStable(abs, u.Retries)
	if errs.Is(rerr, errs.UnstableFile) {
		return result{path: path, op: opDefer}
	}
	if os.IsNotExist(rerr) {
		// deleted between lstat and read
		if _, tracked := u.repo.PathMap.Get(path); tracked {
			return result{path: path, op: opRemove}
		}
		return result{path: path, op: opNone}
	}
	if rerr != nil {
		return result{path: path, err: errs.Wrap(errs.IoError, rerr, "reading %s", path)}
	}

	kind := object.KindFile
	if fmode&0o111 != 0 {
		kind = object.KindExec
	}
	entry := pathmap.Entry{Kind: kind, Mode: kind.Mode(), Hash: object.HashBlob(algo, content)}
	if cur, ok := u.repo.PathMap.Get(path); ok && cur == entry {
		return result{path: path, op: opNone}
	}
	return result{path: path, op: opPut, entry: entry, content: content, sig: sig}
}
