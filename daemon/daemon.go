// Package daemon runs the always-on checkpoint engine: one watcher
// task feeding debounced batches, one updater task committing them,
// a periodic reconcile tick, and the IPC server.  Exactly one daemon
// runs per repository, enforced by the daemon file lock.
package daemon

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/update"
	"github.com/saint0x/timelapse/watch"
)

type flushReq struct {
	trigger journal.Trigger
	reply   chan flushReply
}

type flushReply struct {
	c   *journal.Checkpoint
	err error
}

// Daemon wires the tasks together around one Repository handle.
type Daemon struct {
	Repo    *repo.Repository
	updater *update.Updater
	watcher *watch.Watcher
	rules   *watch.Ruleset
	cache   *watch.StatCache

	flushCh chan flushReq
	stopCh  chan struct{}
}

func New(root string) (d *Daemon, err error) {
	defer Return(&err)
	r, err := repo.Open(root)
	Ck(err)
	d = &Daemon{
		Repo:    r,
		flushCh: make(chan flushReq),
		stopCh:  make(chan struct{}),
	}
	d.rules, err = watch.NewRuleset(repo.EngineDir, r.Config.IgnorePatterns)
	Ck(err)
	d.cache, err = watch.OpenStatCache(r.WatchStatePath())
	Ck(err)
	d.updater, err = update.New(r, d.rules, d.cache)
	Ck(err)
	d.watcher, err = watch.New(r.Root, d.rules, r.Config.DebounceMS)
	Ck(err)
	return d, nil
}

// Stop asks the daemon loop to shut down.  Safe from any goroutine.
func (d *Daemon) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// Run blocks until ctx is cancelled or Stop is called.  Shutdown is
// honored between batches; a batch in flight runs to completion so
// the journal never sees half a commit.
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer Return(&err)

	lock, err := repo.AcquireLock(d.Repo.DaemonLock())
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// catch anything that happened while no daemon was watching
	if _, serr := d.scanApply(journal.TriggerFsBatch); serr != nil {
		log.Warnf("startup reconcile: %v", serr)
	}

	err = d.watcher.Start(ctx)
	Ck(err)
	defer d.watcher.Close()

	stopIPC, err := d.serveIPC()
	Ck(err)
	defer stopIPC()

	interval := time.Duration(d.Repo.Config.ReconcileIntervalSecs) * time.Second
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	log.Infof("daemon running on %s (debounce %dms)", d.Repo.Root, d.Repo.Config.DebounceMS)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.stopCh:
			return d.shutdown()
		case b, ok := <-d.watcher.Batches():
			if !ok {
				return d.shutdown()
			}
			d.applyBatch(b)
		case <-tick:
			if _, serr := d.scanApply(journal.TriggerFsBatch); serr != nil {
				log.Warnf("periodic reconcile: %v", serr)
			}
		case fr := <-d.flushCh:
			fr.reply <- d.flushNow(fr.trigger)
		}
	}
}

func (d *Daemon) shutdown() error {
	log.Infof("daemon shutting down")
	if err := d.updater.SnapshotNow(); err != nil {
		log.Warnf("final pathmap snapshot: %v", err)
	}
	d.cache.Close()
	os.Remove(d.Repo.SockPath())
	d.Repo.Close()
	return nil
}

// applyBatch commits one debounced batch.  Overflow batches widen to
// a full reconcile scan first.
func (d *Daemon) applyBatch(b watch.Batch) {
	if b.Overflow {
		scanned, serr := watch.Scan(d.Repo.Root, d.rules, d.cache, d.Repo.PathMap.Paths())
		if serr != nil {
			log.Errorf("overflow reconcile: %v", serr)
		} else {
			b.Paths = append(b.Paths, scanned...)
		}
	}
	if _, err := d.updater.Apply(b, journal.TriggerFsBatch); err != nil {
		// the batch stays dirty inside the updater and retries next tick
		log.Errorf("batch failed: %v", err)
	}
}

// scanApply runs a reconcile scan and commits the result.
func (d *Daemon) scanApply(trigger journal.Trigger) (*journal.Checkpoint, error) {
	paths, err := watch.Scan(d.Repo.Root, d.rules, d.cache, d.Repo.PathMap.Paths())
	if err != nil {
		return nil, err
	}
	return d.updater.Apply(watch.Batch{Paths: paths, Overflow: true}, trigger)
}

// flushNow forces the debouncer empty, drains whatever batches fall
// out, and commits them as one.
func (d *Daemon) flushNow(trigger journal.Trigger) flushReply {
	d.watcher.Flush()
	merged := watch.Batch{}
	deadline := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case b := <-d.watcher.Batches():
			merged.Paths = append(merged.Paths, b.Paths...)
			merged.Overflow = merged.Overflow || b.Overflow
		case <-time.After(50 * time.Millisecond):
			break drain
		case <-deadline:
			break drain
		}
	}
	if merged.Overflow {
		scanned, serr := watch.Scan(d.Repo.Root, d.rules, d.cache, d.Repo.PathMap.Paths())
		if serr == nil {
			merged.Paths = append(merged.Paths, scanned...)
		}
	}
	c, err := d.updater.Apply(merged, trigger)
	return flushReply{c: c, err: err}
}

// Flush is the IPC entry point for the flush verb; it round-trips
// through the main loop so batch draining cannot race it.
func (d *Daemon) Flush(trigger journal.Trigger) (*journal.Checkpoint, error) {
	fr := flushReq{trigger: trigger, reply: make(chan flushReply, 1)}
	select {
	case d.flushCh <- fr:
	case <-d.stopCh:
		return nil, nil
	}
	r := <-fr.reply
	return r.c, r.err
}
