// Package retain implements the retention policy and the
// mark-and-sweep garbage collector.  The object store is the truth;
// GC only ever deletes objects unreachable from the live checkpoint
// set, so a crash mid-sweep can strand garbage but never break
// reachability.
package retain

import (
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
)

// Result reports what a GC pass did (or would do, for a dry run).
type Result struct {
	LiveCheckpoints   int
	PrunedCheckpoints int
	ObjectsDeleted    int
	BytesReclaimed    int64
	DryRun            bool
}

// LiveSet computes the checkpoints that survive: the union of pinned
// ids, the newest keepCount records, and records younger than
// keepDur.
func LiveSet(j *journal.Journal, pins map[string]ulid.ULID, keepCount int, keepDur time.Duration, now time.Time) (live map[ulid.ULID]bool, err error) {
	defer Return(&err)
	live = map[ulid.ULID]bool{}
	for _, id := range pins {
		if j.Has(id) {
			live[id] = true
		}
	}
	recent, err := j.LastN(keepCount)
	Ck(err)
	for _, c := range recent {
		live[c.ID] = true
	}
	cutoff := now.Add(-keepDur).UnixNano()
	err = j.Iter(func(c *journal.Checkpoint) error {
		if c.CreatedNS >= cutoff {
			live[c.ID] = true
		}
		return nil
	})
	Ck(err)
	return live, nil
}

// Run executes one GC pass under the repository GC lock: enumerate
// live checkpoints, mark every object reachable from their root
// trees, sweep the rest, then prune dead journal records.  Deletes
// happen only after marking completes.  The caller is responsible for
// excluding the updater (the daemon wraps Run in the updater lock).
func Run(r *repo.Repository, dry bool) (res *Result, err error) {
	defer Return(&err)
	lock, err := repo.AcquireLock(r.GCLock())
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	res = &Result{DryRun: dry}
	pins, err := r.Pins()
	Ck(err)
	live, err := LiveSet(r.Journal, pins,
		r.Config.Retention.KeepCount,
		time.Duration(r.Config.Retention.KeepDuration),
		time.Now())
	Ck(err)
	res.LiveCheckpoints = len(live)

	// mark
	marked := map[object.Hash]bool{}
	for id := range live {
		c, gerr := r.Journal.Get(id)
		Ck(gerr)
		if marked[c.Root] {
			continue
		}
		marked[c.Root] = true
		err = object.WalkTree(r.Store, c.Root, func(_ string, e object.TreeEntry) error {
			marked[e.Hash] = true
			return nil
		})
		Ck(err)
	}
	log.Debugf("gc: %d live checkpoints, %d live objects", len(live), len(marked))

	// sweep
	var doomed []object.ObjectInfo
	err = r.Store.Walk(func(info object.ObjectInfo) error {
		if !marked[info.Hash] {
			doomed = append(doomed, info)
		}
		return nil
	})
	Ck(err)
	for _, info := range doomed {
		res.ObjectsDeleted++
		res.BytesReclaimed += info.Size
		if dry {
			continue
		}
		err = r.Store.Delete(info.Hash)
		Ck(err)
	}

	// prune dead journal records
	if dry {
		res.PrunedCheckpoints = r.Journal.Len() - len(live)
		return res, nil
	}
	res.PrunedCheckpoints, err = r.Journal.Compact(func(id ulid.ULID) bool { return live[id] })
	Ck(err)

	// HEAD may have pointed at a pruned record
	if head, ok := r.Head(); ok && !r.Journal.Has(head) {
		latest, lerr := r.Journal.Latest()
		Ck(lerr)
		if latest != nil {
			err = r.SetHead(latest.ID)
			Ck(err)
		}
	}
	log.Infof("gc: deleted %d objects (%d bytes), pruned %d checkpoints",
		res.ObjectsDeleted, res.BytesReclaimed, res.PrunedCheckpoints)
	return res, nil
}
