// Package repo ties the engine's on-disk pieces together: the
// .timelapse/ layout, configuration, locks, HEAD, pins, and reference
// resolution.  Everything else takes a *Repository handle; there is
// no ambient global state.
package repo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/pathmap"
)

// EngineDir is the metadata directory under the repository root.
const EngineDir = ".timelapse"

// Repository is the per-repo handle.  Open loads every rebuildable
// structure and repairs what a crash may have left behind: the object
// store is the truth, everything else is an index over it.
type Repository struct {
	Root   string // working directory root
	Dir    string // <Root>/.timelapse
	Config Config

	Store   *object.Store
	Journal *journal.Journal
	PathMap *pathmap.Map
}

// layout accessors
func (r *Repository) ConfigPath() string { return filepath.Join(r.Dir, "config") }

func (r *Repository) HeadPath() string { return filepath.Join(r.Dir, "HEAD") }

func (r *Repository) DaemonLock() string { return filepath.Join(r.Dir, "locks", "daemon") }

func (r *Repository) GCLock() string { return filepath.Join(r.Dir, "locks", "gc") }

func (r *Repository) JournalPath() string { return filepath.Join(r.Dir, "journal", "log") }

func (r *Repository) JournalIdx() string { return filepath.Join(r.Dir, "journal", "log.idx") }

func (r *Repository) ObjectsDir() string { return filepath.Join(r.Dir, "objects") }

func (r *Repository) PinsDir() string { return filepath.Join(r.Dir, "refs", "pins") }

func (r *Repository) PathMapPath() string { return filepath.Join(r.Dir, "state", "pathmap.bin") }

func (r *Repository) WatchStatePath() string { return filepath.Join(r.Dir, "state", "watcher.state") }

func (r *Repository) SockPath() string { return filepath.Join(r.Dir, "state", "daemon.sock") }

func (r *Repository) BridgeMapPath() string { return filepath.Join(r.Dir, "state", "bridge.map") }

func (r *Repository) TmpDir() string { return filepath.Join(r.Dir, "tmp") }

// Init creates the engine directory, writes the config, and anchors
// an empty PathMap at the empty tree.
func Init(root string, cfg Config) (r *Repository, err error) {
	defer Return(&err)
	err = cfg.Validate()
	Ck(err)

	dir := filepath.Join(root, EngineDir)
	if _, serr := os.Stat(filepath.Join(dir, "config")); serr == nil {
		return nil, errs.New(errs.AlreadyInitialized, "%s", dir)
	}
	for _, d := range []string{
		dir,
		filepath.Join(dir, "locks"),
		filepath.Join(dir, "journal"),
		filepath.Join(dir, "refs", "pins"),
		filepath.Join(dir, "state"),
		filepath.Join(dir, "tmp"),
	} {
		err = os.MkdirAll(d, 0755)
		Ck(err)
	}

	r = &Repository{Root: root, Dir: dir, Config: cfg}
	raw, err := cfg.Marshal()
	Ck(err)
	err = renameio.WriteFile(r.ConfigPath(), raw, 0644)
	Ck(err)

	r.Store, err = object.NewStore(r.ObjectsDir(), cfg.HashAlgo, cfg.CompressionLevel, cfg.CompressionThresholdBytes)
	Ck(err)
	r.Journal, err = journal.Open(r.JournalPath(), r.JournalIdx())
	Ck(err)

	// anchor the empty map at the (stored) empty tree so the anchor
	// invariant holds from the first moment
	emptyRoot, err := r.Store.PutTreeBody(nil)
	Ck(err)
	r.PathMap = pathmap.New(cfg.HashAlgo)
	r.PathMap.SetAnchor(emptyRoot)
	err = r.PathMap.WriteFile(r.PathMapPath())
	Ck(err)

	log.Infof("initialized %s (hash_algo=%s)", dir, cfg.HashAlgo)
	return r, nil
}

// Open loads an existing repository.  It verifies the PathMap anchor
// and rebuilds the map from the journal head's tree when the cache is
// stale or damaged, and repairs a HEAD left behind by a crash.
func Open(root string) (r *Repository, err error) {
	defer Return(&err)
	dir := filepath.Join(root, EngineDir)
	raw, rerr := os.ReadFile(filepath.Join(dir, "config"))
	if os.IsNotExist(rerr) {
		return nil, errs.New(errs.NotInitialized, "%s is not a timelapse repository", root)
	}
	Ck(rerr)
	cfg, err := ParseConfig(raw)
	Ck(err)

	r = &Repository{Root: root, Dir: dir, Config: cfg}
	r.Store, err = object.NewStore(r.ObjectsDir(), cfg.HashAlgo, cfg.CompressionLevel, cfg.CompressionThresholdBytes)
	Ck(err)
	r.Journal, err = journal.Open(r.JournalPath(), r.JournalIdx())
	Ck(err)
	if r.Journal.Truncated() {
		log.Warnf("journal had a torn tail record; truncated and recovered")
	}

	pm, perr := pathmap.LoadFile(r.PathMapPath(), cfg.HashAlgo)
	if perr != nil {
		log.Warnf("pathmap snapshot unreadable (%v), rebuilding", perr)
		pm = nil
	}
	r.PathMap, err = r.adoptPathMap(pm)
	Ck(err)

	err = r.repairHead()
	Ck(err)
	return r, nil
}

// adoptPathMap verifies that the snapshot's entries really serialize
// to its anchor; on any mismatch the map is rebuilt from the journal
// head's root tree.
func (r *Repository) adoptPathMap(pm *pathmap.Map) (out *pathmap.Map, err error) {
	defer Return(&err)
	head, err := r.Journal.Latest()
	Ck(err)

	if pm != nil {
		verifier := object.NewTreeBuilder(r.Store, false)
		computed, verr := verifier.Reset(pm.PathEntries())
		if verr == nil && computed == pm.Anchor() {
			if head == nil || head.Root == pm.Anchor() {
				return pm, nil
			}
			log.Warnf("pathmap anchor %s behind journal head %s, rebuilding",
				pm.Anchor().Short(), head.Root.Short())
		} else {
			log.Warnf("pathmap anchor mismatch, rebuilding")
		}
	}

	out = pathmap.New(r.Config.HashAlgo)
	if head == nil {
		out.SetAnchor(object.HashTreeBody(r.Config.HashAlgo, nil))
		return out, nil
	}
	entries, err := object.FlattenTree(r.Store, head.Root)
	Ck(err)
	for _, e := range entries {
		err = out.Put(e.Path, pathmap.Entry{Kind: e.Kind, Mode: e.Kind.Mode(), Hash: e.Hash})
		Ck(err)
	}
	out.SetAnchor(head.Root)
	err = out.WriteFile(r.PathMapPath())
	Ck(err)
	log.Infof("pathmap rebuilt from checkpoint %s (%d paths)", head.ID, out.Len())
	return out, nil
}

// repairHead makes the HEAD file agree with the journal after a crash
// between append and HEAD update.
func (r *Repository) repairHead() (err error) {
	defer Return(&err)
	head, err := r.Journal.Latest()
	Ck(err)
	if head == nil {
		return nil
	}
	cur, ok := r.Head()
	if !ok || cur != head.ID {
		err = r.SetHead(head.ID)
		Ck(err)
	}
	return nil
}

// Head returns the current checkpoint id; ok is false before the
// first checkpoint.
func (r *Repository) Head() (id ulid.ULID, ok bool) {
	raw, err := os.ReadFile(r.HeadPath())
	if err != nil {
		return id, false
	}
	id, perr := journal.ParseID(strings.TrimSpace(string(raw)))
	if perr != nil {
		return ulid.ULID{}, false
	}
	return id, true
}

func (r *Repository) SetHead(id ulid.ULID) error {
	err := renameio.WriteFile(r.HeadPath(), []byte(journal.IDString(id)+"\n"), 0644)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing HEAD")
	}
	return nil
}

// SaveConfig rewrites the config file.  A running daemon keeps its
// loaded copy; edits take effect at the next daemon start.
func (r *Repository) SaveConfig(cfg Config) (err error) {
	defer Return(&err)
	err = cfg.Validate()
	Ck(err)
	raw, err := cfg.Marshal()
	Ck(err)
	err = renameio.WriteFile(r.ConfigPath(), raw, 0644)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing config")
	}
	r.Config = cfg
	return nil
}

func (r *Repository) Close() {
	if r.Journal != nil {
		r.Journal.Close()
	}
}

// FindRoot walks upward from start looking for an initialized
// repository.
func FindRoot(start string) (root string, err error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", errs.Wrap(errs.IoError, err, "resolving %s", start)
	}
	for {
		if _, serr := os.Stat(filepath.Join(dir, EngineDir, "config")); serr == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errs.New(errs.NotInitialized, "no %s found above %s", EngineDir, start)
		}
		dir = parent
	}
}
