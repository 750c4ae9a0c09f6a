package repo

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/saint0x/timelapse/errs"
)

// FileLock is an advisory flock-based lock.  The daemon lock makes
// the daemon a per-repository singleton; the GC lock excludes the
// updater and restore for the duration of a sweep.
type FileLock struct {
	path string
	fh   *os.File
}

// AcquireLock takes the lock non-blocking.  A held lock yields
// LockBusy.
func AcquireLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Wrap(errs.IoError, err, "creating lock dir")
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, err, "opening lock %s", path)
	}
	err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		fh.Close()
		return nil, errs.New(errs.LockBusy, "lock %s held by another process", filepath.Base(path))
	}
	if err != nil {
		fh.Close()
		return nil, errs.Wrap(errs.IoError, err, "locking %s", path)
	}
	// pid is informational, for operators poking at the lock dir
	fh.Truncate(0)
	fmt.Fprintf(fh, "%d\n", os.Getpid())
	log.Debugf("acquired lock %s", path)
	return &FileLock{path: path, fh: fh}, nil
}

// Release drops the lock.  Safe to call once.
func (l *FileLock) Release() {
	if l == nil || l.fh == nil {
		return
	}
	unix.Flock(int(l.fh.Fd()), unix.LOCK_UN)
	l.fh.Close()
	l.fh = nil
	log.Debugf("released lock %s", l.path)
}
