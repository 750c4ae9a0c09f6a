package update

import (
	"sort"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/worktree"
)

// Restore rewinds the working directory to the checkpoint id,
// byte-identically.  Runs under the exclusive updater lock; refuses
// to touch the worktree if any object in the target closure fails its
// integrity check.  A restore that actually changes the tree appends
// a restore-trigger checkpoint on top of the journal.
func (u *Updater) Restore(id ulid.ULID) (c *journal.Checkpoint, err error) {
	u.lock()
	defer u.unlock()
	defer Return(&err)

	target, err := u.repo.Journal.Get(id)
	Ck(err)
	head, err := u.repo.Journal.Latest()
	Ck(err)

	entries, err := worktree.Materialize(u.repo.Store, target.Root, u.repo.Root)
	Ck(err)

	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[e.Path] = true
	}
	removed, err := worktree.RemoveExtra(u.repo.Root, u.repo.PathMap.Paths(), keep)
	Ck(err)

	err = u.ResetState(entries, target.Root)
	Ck(err)

	if head != nil && head.Root == target.Root {
		log.Infof("restore to %s: tree already current", target.ID)
		return nil, nil
	}

	var touched []string
	if head != nil {
		d, derr := worktree.TreeDiff(u.repo.Store, head.Root, target.Root)
		Ck(derr)
		touched = append(touched, d.Added...)
		touched = append(touched, d.Removed...)
		touched = append(touched, d.Modified...)
	} else {
		for _, e := range entries {
			touched = append(touched, e.Path)
		}
	}
	sort.Strings(touched)

	c, err = u.AppendMeta(target.Root, journal.TriggerRestore, touched, journal.Stats{
		Removed: len(removed),
	})
	Ck(err)
	log.Infof("restored to %s (new checkpoint %s, %d paths)", target.ID, c.ID, len(entries))
	return c, nil
}
