package client

import (
	"net"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/rpc"
	"github.com/saint0x/timelapse/update"
	"github.com/saint0x/timelapse/watch"
)

// Conn is an RPC connection to a running daemon.
type Conn struct {
	c net.Conn
}

func Dial(sock string) (*Conn, error) {
	c, err := net.DialTimeout("unix", sock, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

func (c *Conn) Close() { c.c.Close() }

func (c *Conn) Do(req rpc.Request) (*rpc.Response, error) {
	if err := rpc.WriteMsg(c.c, &req); err != nil {
		return nil, err
	}
	var resp rpc.Response
	if err := rpc.ReadMsg(c.c, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session executes verbs in-process when no daemon is running.
// Mutating sessions hold the daemon file lock so they cannot race a
// daemon that starts mid-operation.
type Session struct {
	Repo    *repo.Repository
	Updater *update.Updater
	Rules   *watch.Ruleset
	Cache   *watch.StatCache
	lock    *repo.FileLock
}

func OpenSession(root string, mutating bool) (s *Session, err error) {
	r, err := repo.Open(root)
	if err != nil {
		return nil, err
	}
	s = &Session{Repo: r}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if mutating {
		s.lock, err = repo.AcquireLock(r.DaemonLock())
		if err != nil {
			return nil, err
		}
	}
	s.Rules, err = watch.NewRuleset(repo.EngineDir, r.Config.IgnorePatterns)
	if err != nil {
		return nil, err
	}
	s.Cache, err = watch.OpenStatCache(r.WatchStatePath())
	if err != nil {
		return nil, err
	}
	if mutating {
		s.Updater, err = update.New(r, s.Rules, s.Cache)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) Close() {
	if s.Cache != nil {
		s.Cache.Close()
	}
	if s.lock != nil {
		s.lock.Release()
	}
	if s.Repo != nil {
		s.Repo.Close()
	}
}

// Flush in direct mode has no event stream to drain, so it reconciles
// the whole tree against the stat cache and applies the result.
func (s *Session) Flush(trigger journal.Trigger) (c *journal.Checkpoint, err error) {
	defer Return(&err)
	paths, err := watch.Scan(s.Repo.Root, s.Rules, s.Cache, s.Repo.PathMap.Paths())
	Ck(err)
	return s.Updater.Apply(watch.Batch{Paths: paths, Overflow: true}, trigger)
}

func mutatingVerb(verb string) bool {
	switch verb {
	case "flush", "restore", "gc", "pin", "unpin", "publish", "push", "pull":
		return true
	}
	return false
}

// Execute runs one request: against the daemon socket when one is
// listening, otherwise directly against the filesystem.
func Execute(root string, req rpc.Request) (*rpc.Response, error) {
	sock := filepath.Join(root, repo.EngineDir, "state", "daemon.sock")
	if conn, derr := Dial(sock); derr == nil {
		defer conn.Close()
		log.Debugf("dispatching %s to daemon", req.Verb)
		return conn.Do(req)
	}
	if req.Verb == "stop" {
		return nil, errs.New(errs.NotFound, "no daemon running")
	}
	s, err := OpenSession(root, mutatingVerb(req.Verb))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.execute(req)
}

func (s *Session) execute(req rpc.Request) (*rpc.Response, error) {
	switch req.Verb {
	case "status":
		st, err := DoStatus(s.Repo, false, 0)
		return respond(st, err)
	case "log":
		out, err := DoLog(s.Repo, req.N)
		return respond(out, err)
	case "show":
		out, err := DoShow(s.Repo, req.Ref)
		return respond(out, err)
	case "info":
		out, err := DoInfo(s.Repo)
		return respond(out, err)
	case "flush":
		c, err := s.Flush(journal.TriggerManual)
		if err != nil {
			return respond(nil, err)
		}
		out := rpc.Flush{NoChange: c == nil}
		if c != nil {
			out.CheckpointID = journal.IDString(c.ID)
		}
		return respond(out, nil)
	case "restore":
		out, err := DoRestore(s.Repo, s.Updater, req.Ref)
		return respond(out, err)
	case "diff":
		out, err := DoDiff(s.Repo, req.Ref, req.Ref2)
		return respond(out, err)
	case "pin":
		return respond(struct{}{}, DoPin(s.Repo, req.Ref, req.Name))
	case "unpin":
		return respond(struct{}{}, DoUnpin(s.Repo, req.Name))
	case "gc":
		out, err := DoGC(s.Repo, s.Updater, req.DryRun)
		return respond(out, err)
	case "publish":
		out, err := DoPublish(s.Repo, req.Ref, req.Message)
		return respond(out, err)
	case "push":
		out, err := DoPush(s.Repo)
		return respond(out, err)
	case "pull":
		out, err := DoPull(s.Repo, s.Flush)
		return respond(out, err)
	}
	return nil, errs.New(errs.NotFound, "unknown verb %q", req.Verb)
}

// respond packs a payload-or-error pair into the wire response shape.
// Shared with the daemon's dispatcher.
func respond(payload interface{}, err error) (*rpc.Response, error) {
	if err != nil {
		return &rpc.Response{
			OK:    false,
			Kind:  string(errs.KindOf(err)),
			Error: err.Error(),
		}, nil
	}
	raw, merr := rpc.Encode(payload)
	if merr != nil {
		return nil, merr
	}
	return &rpc.Response{OK: true, Payload: raw}, nil
}

// Respond is the exported form used by the daemon dispatcher.
func Respond(payload interface{}, err error) (*rpc.Response, error) {
	return respond(payload, err)
}

// ResponseError converts a failed Response back into a kinded error.
func ResponseError(resp *rpc.Response) error {
	if resp.OK {
		return nil
	}
	kind := errs.Kind(resp.Kind)
	if kind == "" {
		kind = errs.IoError
	}
	msg := strings.TrimPrefix(resp.Error, string(kind)+": ")
	return errs.New(kind, "%s", msg)
}
