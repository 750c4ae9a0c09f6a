// Package client implements the CLI-facing operations twice over:
// once as RPC calls to a running daemon, and once as direct
// filesystem execution for when no daemon is up.  The verb logic
// lives here so both paths behave identically.
package client

import (
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/bridge"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/retain"
	"github.com/saint0x/timelapse/rpc"
	"github.com/saint0x/timelapse/update"
	"github.com/saint0x/timelapse/worktree"
)

// DoStatus gathers the status payload.  pending is the caller's count
// of queued dirty paths (the daemon knows; direct mode reports 0).
func DoStatus(r *repo.Repository, running bool, pending int) (st rpc.Status, err error) {
	defer Return(&err)
	st = rpc.Status{
		DaemonRunning: running,
		TrackedPaths:  r.PathMap.Len(),
		PendingPaths:  pending,
		Checkpoints:   r.Journal.Len(),
	}
	if head, ok := r.Head(); ok {
		st.HeadID = journal.IDString(head)
		c, gerr := r.Journal.Get(head)
		Ck(gerr)
		st.LastCheckpoint = c.CreatedNS
	}
	return st, nil
}

func logEntry(c *journal.Checkpoint) rpc.LogEntry {
	e := rpc.LogEntry{
		ID:        journal.IDString(c.ID),
		Root:      c.Root.Hex(),
		CreatedNS: c.CreatedNS,
		Trigger:   c.Trigger.String(),
		Touched:   c.Touched,
		Added:     c.Stats.Added,
		Modified:  c.Stats.Modified,
		Removed:   c.Stats.Removed,
	}
	if c.HasParent() {
		e.Parent = journal.IDString(c.Parent)
	}
	return e
}

func DoLog(r *repo.Repository, n int) (out rpc.Log, err error) {
	defer Return(&err)
	if n <= 0 {
		n = 10
	}
	cs, err := r.Journal.LastN(n)
	Ck(err)
	for _, c := range cs {
		out.Entries = append(out.Entries, logEntry(c))
	}
	return out, nil
}

// DoShow resolves one ref to its full record.
func DoShow(r *repo.Repository, ref string) (e rpc.LogEntry, err error) {
	defer Return(&err)
	id, err := r.Resolve(ref)
	Ck(err)
	c, err := r.Journal.Get(id)
	Ck(err)
	return logEntry(c), nil
}

func DoInfo(r *repo.Repository) (info rpc.Info, err error) {
	defer Return(&err)
	info = rpc.Info{
		Root:        r.Root,
		HashAlgo:    string(r.Config.HashAlgo),
		DebounceMS:  r.Config.DebounceMS,
		Checkpoints: r.Journal.Len(),
		Pins:        map[string]string{},
	}
	err = r.Store.Walk(func(o object.ObjectInfo) error {
		info.Objects++
		info.StoreBytes += o.Size
		return nil
	})
	Ck(err)
	pins, err := r.Pins()
	Ck(err)
	for name, id := range pins {
		info.Pins[name] = journal.IDString(id)
	}
	return info, nil
}

func DoRestore(r *repo.Repository, u *update.Updater, ref string) (out rpc.Restore, err error) {
	defer Return(&err)
	id, err := r.Resolve(ref)
	if err != nil {
		return out, err
	}
	c, err := u.Restore(id)
	Ck(err)
	out.RestoredTo = journal.IDString(id)
	if c == nil {
		out.NoChange = true
	} else {
		out.CheckpointID = journal.IDString(c.ID)
	}
	return out, nil
}

func DoDiff(r *repo.Repository, refA, refB string) (out rpc.Diff, err error) {
	defer Return(&err)
	if refB == "" {
		refB = "HEAD"
	}
	idA, err := r.Resolve(refA)
	Ck(err)
	idB, err := r.Resolve(refB)
	Ck(err)
	ca, err := r.Journal.Get(idA)
	Ck(err)
	cb, err := r.Journal.Get(idB)
	Ck(err)
	d, err := worktree.TreeDiff(r.Store, ca.Root, cb.Root)
	Ck(err)
	return rpc.Diff{Added: d.Added, Removed: d.Removed, Modified: d.Modified}, nil
}

func DoPin(r *repo.Repository, ref, name string) (err error) {
	defer Return(&err)
	id, err := r.Resolve(ref)
	Ck(err)
	return r.Pin(name, id)
}

func DoUnpin(r *repo.Repository, name string) error {
	return r.Unpin(name)
}

// DoGC runs retention under both the GC lock and the updater lock,
// then journals a gc_compact marker (non-dry runs only).
func DoGC(r *repo.Repository, u *update.Updater, dry bool) (out rpc.GC, err error) {
	defer Return(&err)
	var res *retain.Result
	err = u.WithLock(func() error {
		var rerr error
		res, rerr = retain.Run(r, dry)
		if rerr != nil {
			return rerr
		}
		if !dry {
			if head, lerr := r.Journal.Latest(); lerr == nil && head != nil {
				_, aerr := u.AppendMeta(head.Root, journal.TriggerGCCompact, nil, journal.Stats{})
				return aerr
			}
		}
		return nil
	})
	Ck(err)
	return rpc.GC{
		LiveCheckpoints:   res.LiveCheckpoints,
		PrunedCheckpoints: res.PrunedCheckpoints,
		ObjectsDeleted:    res.ObjectsDeleted,
		BytesReclaimed:    res.BytesReclaimed,
		DryRun:            res.DryRun,
	}, nil
}

func DoPublish(r *repo.Repository, ref, msg string) (out rpc.Publish, err error) {
	defer Return(&err)
	if ref == "" {
		ref = "HEAD"
	}
	id, err := r.Resolve(ref)
	Ck(err)
	commit, err := bridge.Publish(r, id, msg)
	Ck(err)
	return rpc.Publish{Commit: commit, Branch: r.Config.Bridge.Branch}, nil
}

func DoPush(r *repo.Repository) (rpc.CmdOutput, error) {
	out, err := bridge.Push(r)
	return rpc.CmdOutput{Output: out}, err
}

// DoPull runs the configured pull command, then captures whatever it
// changed as a publish-trigger checkpoint via flush.
func DoPull(r *repo.Repository, flush func(journal.Trigger) (*journal.Checkpoint, error)) (rpc.CmdOutput, error) {
	out, err := bridge.Pull(r)
	if err != nil {
		return rpc.CmdOutput{Output: out}, err
	}
	if _, ferr := flush(journal.TriggerPublish); ferr != nil {
		return rpc.CmdOutput{Output: out}, ferr
	}
	return rpc.CmdOutput{Output: out}, nil
}
