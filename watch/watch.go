package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Watcher turns kernel notifications for the repository root into
// debounced batches of repo-relative candidate paths.  Delivery is
// at-least-once at batch granularity with no ordering inside a batch.
type Watcher struct {
	root  string
	rules *Ruleset
	deb   *Debouncer
	fsw   *fsnotify.Watcher
	out   chan Batch
}

func New(root string, rules *Ruleset, window int) (w *Watcher, err error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fs watcher")
	}
	return &Watcher{
		root:  root,
		rules: rules,
		deb:   NewDebouncer(msToDuration(window)),
		fsw:   fsw,
		out:   make(chan Batch, 16),
	}, nil
}

// Batches is the watcher's single output stream.
func (w *Watcher) Batches() <-chan Batch { return w.out }

// Flush forces every pending path out immediately.
func (w *Watcher) Flush() { w.deb.Flush() }

// InjectReconcile feeds scan results in as an overflow batch, used by
// the periodic reconcile tick.
func (w *Watcher) InjectReconcile(paths []string) {
	for _, p := range paths {
		w.deb.Mark(p)
	}
	w.deb.MarkOverflow()
}

// Start begins watching.  It returns once the initial recursive watch
// set is installed; capture and debounce run until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) (err error) {
	err = w.addRecursive(w.root)
	if err != nil {
		return err
	}
	go w.deb.Run(ctx)
	go w.pump(ctx)
	go w.forward(ctx)
	return nil
}

func (w *Watcher) Close() error { return w.fsw.Close() }

// addRecursive installs watches on dir and every non-ignored
// directory below it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, werr error) error {
		if werr != nil {
			// a directory may vanish mid-walk; that's an event, not an error
			log.Debugf("watch walk: %v", werr)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.rel(p)
		if rel != "" && w.rules.Ignored(rel) {
			return filepath.SkipDir
		}
		if aerr := w.fsw.Add(p); aerr != nil {
			log.Warnf("watch add %s: %v", p, aerr)
		}
		return nil
	})
}

func (w *Watcher) rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// pump drains kernel events into the debouncer.
func (w *Watcher) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case werr, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				log.Warnf("kernel event overflow, scheduling reconcile")
				w.deb.MarkOverflow()
				continue
			}
			log.Errorf("fs watcher: %v", werr)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel := w.rel(ev.Name)
	if rel == "" || w.rules.Ignored(rel) {
		return
	}
	log.Debugf("event %s %s", ev.Op, rel)
	// new directories need their own watches; files already inside
	// them produced no events
	if ev.Op&fsnotify.Create != 0 {
		if fi, serr := os.Lstat(ev.Name); serr == nil && fi.IsDir() {
			if werr := w.addRecursive(ev.Name); werr != nil {
				log.Warnf("watching new dir %s: %v", rel, werr)
			}
		}
	}
	w.deb.Mark(rel)
}

// forward applies the coalescing rules to released batches: dedupe,
// and expand directory paths to their direct children present on
// disk.
func (w *Watcher) forward(ctx context.Context) {
	defer close(w.out)
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-w.deb.Batches():
			if !ok {
				return
			}
			b.Paths = w.expand(b.Paths)
			select {
			case w.out <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) expand(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] && !w.rules.Ignored(p) {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		abs := filepath.Join(w.root, filepath.FromSlash(p))
		fi, serr := os.Lstat(abs)
		if serr == nil && fi.IsDir() {
			// a directory event stands for its direct children; the
			// directory itself is never a tree entry
			children, rerr := os.ReadDir(abs)
			if rerr != nil {
				add(p)
				continue
			}
			add(p)
			for _, c := range children {
				add(p + "/" + c.Name())
			}
			continue
		}
		add(p)
	}
	return out
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
