// Package update implements the incremental updater: it turns
// batches of candidate dirty paths into new blobs, an updated
// PathMap, a new root tree hash, and an appended checkpoint record.
package update

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/watch"
)

const stableBackoff = 50 * time.Millisecond

// readStable reads a regular file with the double-stat pattern:
// record size+mtime, read, record size+mtime again; a mismatch means
// the file was being rewritten mid-read, so back off exponentially
// and retry.  This is the only guard against capturing a torn write.
func readStable(abs string, retries int) (content []byte, sig watch.Sig, mode os.FileMode, err error) {
	for attempt := 0; attempt < retries; attempt++ {
		fi1, serr := os.Lstat(abs)
		if serr != nil {
			return nil, sig, 0, serr
		}
		content, err = os.ReadFile(abs)
		if err != nil {
			return nil, sig, 0, err
		}
		fi2, serr := os.Lstat(abs)
		if serr != nil {
			return nil, sig, 0, serr
		}
		s1 := watch.Sig{Size: fi1.Size(), MtimeNS: fi1.ModTime().UnixNano()}
		s2 := watch.Sig{Size: fi2.Size(), MtimeNS: fi2.ModTime().UnixNano()}
		if s1 == s2 && int64(len(content)) == s2.Size {
			return content, s2, fi2.Mode(), nil
		}
		log.Debugf("unstable read of %s (attempt %d), backing off", abs, attempt+1)
		time.Sleep(stableBackoff << attempt)
	}
	return nil, sig, 0, errs.New(errs.UnstableFile, "%s kept changing across %d read attempts", abs, retries)
}
