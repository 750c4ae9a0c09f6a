// Package bridge is the publication adapter onto a host Git
// repository.  With sha1 repositories the engine's blobs and trees
// are byte-identical to Git objects, so publish injects the object
// closure straight into .git/objects, writes a commit object, and
// moves a branch ref.  With blake3 repositories publish instead
// materializes the checkpoint into a temporary worktree and drives
// the configured git command over it.  A bidirectional
// checkpoint<->commit mapping is kept in state/bridge.map.
package bridge

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/google/shlex"
	"github.com/klauspost/compress/zlib"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/worktree"
)

const committerIdent = "timelapse <timelapse@localhost>"

// Mapping is the persisted checkpoint<->commit correspondence.
type Mapping struct {
	ByCheckpoint map[string]string `msgpack:"by_checkpoint"`
	ByCommit     map[string]string `msgpack:"by_commit"`
}

func loadMapping(path string) (m *Mapping, err error) {
	m = &Mapping{ByCheckpoint: map[string]string{}, ByCommit: map[string]string{}}
	raw, rerr := os.ReadFile(path)
	if os.IsNotExist(rerr) {
		return m, nil
	}
	if rerr != nil {
		return nil, errs.Wrap(errs.IoError, rerr, "reading bridge map")
	}
	if uerr := msgpack.Unmarshal(raw, m); uerr != nil {
		return nil, errs.Wrap(errs.Corrupt, uerr, "bridge map")
	}
	return m, nil
}

func (m *Mapping) save(path string) error {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "encoding bridge map")
	}
	if err := renameio.WriteFile(path, raw, 0644); err != nil {
		return errs.Wrap(errs.IoError, err, "writing bridge map")
	}
	return nil
}

// CommitFor returns the commit already published for a checkpoint.
func CommitFor(r *repo.Repository, id ulid.ULID) (commit string, ok bool) {
	m, err := loadMapping(r.BridgeMapPath())
	if err != nil {
		return "", false
	}
	commit, ok = m.ByCheckpoint[journal.IDString(id)]
	return commit, ok
}

// Publish materializes checkpoint id as a commit on the configured
// branch of the host Git repository.  sha1 repositories inject the
// object closure directly (identical hashes mean identical bytes);
// other algorithms materialize a temporary worktree and drive the
// configured git command over it.  Idempotent per checkpoint: a
// second publish returns the recorded commit.
func Publish(r *repo.Repository, id ulid.ULID, msg string) (commit string, err error) {
	defer Return(&err)
	gitDir := filepath.Join(r.Root, ".git")
	if _, serr := os.Stat(gitDir); serr != nil {
		return "", errs.New(errs.ConfigInvalid, "no host git repository at %s", gitDir)
	}

	c, err := r.Journal.Get(id)
	Ck(err)

	mapping, err := loadMapping(r.BridgeMapPath())
	Ck(err)
	if existing, ok := mapping.ByCheckpoint[journal.IDString(id)]; ok {
		log.Debugf("checkpoint %s already published as %s", c.ID, existing)
		return existing, nil
	}

	// parent: the published commit of the checkpoint's nearest
	// published ancestor
	parent := ""
	for cur := c; cur.HasParent(); {
		p, gerr := r.Journal.Get(cur.Parent)
		if gerr != nil {
			break // pruned ancestor; publish rootless
		}
		if mapped, ok := mapping.ByCheckpoint[journal.IDString(p.ID)]; ok {
			parent = mapped
			break
		}
		cur = p
	}

	if msg == "" {
		msg = fmt.Sprintf("timelapse checkpoint %s", journal.IDString(c.ID))
	}

	if r.Config.HashAlgo == object.SHA1 {
		commit, err = publishInject(r, gitDir, c, parent, msg)
	} else {
		commit, err = publishExec(r, c, parent, msg)
	}
	Ck(err)

	_, err = runGit(r, "", nil, "update-ref", "refs/heads/"+r.Config.Bridge.Branch, commit)
	Ck(err)

	mapping.ByCheckpoint[journal.IDString(c.ID)] = commit
	mapping.ByCommit[commit] = journal.IDString(c.ID)
	err = mapping.save(r.BridgeMapPath())
	Ck(err)
	log.Infof("published %s as commit %s on %s", c.ID, commit[:12], r.Config.Bridge.Branch)
	return commit, nil
}

// publishInject copies the checkpoint's object closure straight into
// .git/objects and hand-writes the commit object.  Only valid when
// the repository's own objects are git-compatible (sha1).
func publishInject(r *repo.Repository, gitDir string, c *journal.Checkpoint, parent, msg string) (commit string, err error) {
	defer Return(&err)
	err = injectObject(gitDir, treeCanonical(r.Store, c.Root))
	Ck(err)
	err = object.WalkTree(r.Store, c.Root, func(_ string, e object.TreeEntry) error {
		if e.IsDir() {
			return injectObject(gitDir, treeCanonical(r.Store, e.Hash))
		}
		return injectObject(gitDir, blobCanonical(r.Store, e.Hash))
	})
	Ck(err)
	return writeCommit(gitDir, c, parent, msg)
}

// publishExec materializes the checkpoint into a temporary worktree
// under the engine's tmp dir and lets git build the commit itself:
// stage into a throwaway index, write-tree, commit-tree.  This is the
// path for repositories whose objects are not git-compatible
// (blake3); git rehashes the materialized bytes under its own
// algorithm.
func publishExec(r *repo.Repository, c *journal.Checkpoint, parent, msg string) (commit string, err error) {
	defer Return(&err)
	export, err := os.MkdirTemp(r.TmpDir(), "publish-")
	Ck(err)
	defer os.RemoveAll(export)
	_, err = worktree.Materialize(r.Store, c.Root, export)
	Ck(err)

	index := export + ".index"
	defer os.Remove(index)
	env := []string{
		"GIT_DIR=" + filepath.Join(r.Root, ".git"),
		"GIT_WORK_TREE=" + export,
		"GIT_INDEX_FILE=" + index,
		"GIT_AUTHOR_NAME=timelapse",
		"GIT_AUTHOR_EMAIL=timelapse@localhost",
		"GIT_COMMITTER_NAME=timelapse",
		"GIT_COMMITTER_EMAIL=timelapse@localhost",
	}
	_, err = runGit(r, export, env, "add", "-A")
	Ck(err)
	tree, err := runGit(r, export, env, "write-tree")
	Ck(err)
	args := []string{"commit-tree", strings.TrimSpace(tree), "-m", msg}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	out, err := runGit(r, export, env, args...)
	Ck(err)
	return strings.TrimSpace(out), nil
}

type canonicalFn func() ([]byte, error)

func blobCanonical(s *object.Store, h object.Hash) canonicalFn {
	return func() ([]byte, error) {
		content, err := s.GetBlob(h)
		if err != nil {
			return nil, err
		}
		return append([]byte(fmt.Sprintf("blob %d\x00", len(content))), content...), nil
	}
}

func treeCanonical(s *object.Store, h object.Hash) canonicalFn {
	return func() ([]byte, error) {
		body, err := s.GetTreeBody(h)
		if err != nil {
			return nil, err
		}
		return append([]byte(fmt.Sprintf("tree %d\x00", len(body))), body...), nil
	}
}

// injectObject writes one canonical object into .git/objects in git's
// loose format (always zlib).
func injectObject(gitDir string, canonical canonicalFn) (err error) {
	defer Return(&err)
	data, err := canonical()
	Ck(err)
	h := object.SHA1.New()
	h.Write(data)
	hx := object.Hash(h.Sum(nil)).Hex()
	target := filepath.Join(gitDir, "objects", hx[:2], hx[2:])
	if _, serr := os.Stat(target); serr == nil {
		return nil
	}
	err = os.MkdirAll(filepath.Dir(target), 0755)
	Ck(err)
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(data)
	Ck(err)
	err = zw.Close()
	Ck(err)
	err = renameio.WriteFile(target, buf.Bytes(), 0444)
	Ck(err)
	return nil
}

// writeCommit builds and injects a git commit object for c.
func writeCommit(gitDir string, c *journal.Checkpoint, parent, msg string) (commit string, err error) {
	defer Return(&err)
	when := time.Unix(0, c.CreatedNS)
	var body bytes.Buffer
	fmt.Fprintf(&body, "tree %s\n", c.Root.Hex())
	if parent != "" {
		fmt.Fprintf(&body, "parent %s\n", parent)
	}
	ident := fmt.Sprintf("%s %d %s", committerIdent, when.Unix(), when.Format("-0700"))
	fmt.Fprintf(&body, "author %s\n", ident)
	fmt.Fprintf(&body, "committer %s\n", ident)
	fmt.Fprintf(&body, "\n%s\n", msg)

	canonical := append([]byte(fmt.Sprintf("commit %d\x00", body.Len())), body.Bytes()...)
	h := object.SHA1.New()
	h.Write(canonical)
	commit = object.Hash(h.Sum(nil)).Hex()
	err = injectObject(gitDir, func() ([]byte, error) { return canonical, nil })
	Ck(err)
	return commit, nil
}

// Push runs the configured push command in the repository root.
func Push(r *repo.Repository) (out string, err error) {
	return runConfigured(r, r.Config.Bridge.PushCmd)
}

// Pull runs the configured pull command.  The watcher (or the next
// reconcile) picks up whatever files it changes.
func Pull(r *repo.Repository) (out string, err error) {
	return runConfigured(r, r.Config.Bridge.PullCmd)
}

func runConfigured(r *repo.Repository, cmdline string) (out string, err error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return "", errs.Wrap(errs.ConfigInvalid, err, "bridge command %q", cmdline)
	}
	if len(argv) == 0 {
		return "", errs.New(errs.ConfigInvalid, "empty bridge command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.Root
	raw, err := cmd.CombinedOutput()
	if err != nil {
		return string(raw), errs.Wrap(errs.IoError, err, "running %q: %s", cmdline, raw)
	}
	return string(raw), nil
}

// runGit drives the host repository with the configured git command
// (bridge.git_cmd, shlex-split).  dir is the working directory ("" for
// the repository root); env carries a private index or identity when
// the caller needs one.
func runGit(r *repo.Repository, dir string, env []string, args ...string) (out string, err error) {
	base, serr := shlex.Split(r.Config.Bridge.GitCmd)
	if serr != nil || len(base) == 0 {
		return "", errs.New(errs.ConfigInvalid, "bad bridge.git_cmd %q", r.Config.Bridge.GitCmd)
	}
	cmd := exec.Command(base[0], append(base[1:], args...)...)
	if dir == "" {
		dir = r.Root
	}
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	raw, rerr := cmd.CombinedOutput()
	if rerr != nil {
		return string(raw), errs.Wrap(errs.IoError, rerr, "git %s: %s", strings.Join(args, " "), raw)
	}
	return string(raw), nil
}
