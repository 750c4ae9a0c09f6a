package daemon

import (
	"net"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/saint0x/timelapse/client"
	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
	"github.com/saint0x/timelapse/rpc"
)

// serveIPC listens on the repository socket and dispatches requests.
// Verbs hit the updater directly; its internal lock serializes them
// against the batch loop.  Returns a stop function.
func (d *Daemon) serveIPC() (stop func(), err error) {
	sock := d.Repo.SockPath()
	if merr := os.MkdirAll(filepath.Dir(sock), 0755); merr != nil {
		return nil, errs.Wrap(errs.IoError, merr, "creating socket dir")
	}
	// a previous unclean shutdown leaves a dead socket behind; the
	// daemon lock already proved no one is listening on it
	os.Remove(sock)
	ln, lerr := net.Listen("unix", sock)
	if lerr != nil {
		return nil, errs.Wrap(errs.IoError, lerr, "listening on %s", sock)
	}
	go func() {
		for {
			conn, aerr := ln.Accept()
			if aerr != nil {
				return
			}
			go d.serveConn(conn)
		}
	}()
	return func() { ln.Close() }, nil
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		var req rpc.Request
		if err := rpc.ReadMsg(conn, &req); err != nil {
			return // client hung up
		}
		resp, err := d.dispatch(req)
		if err != nil {
			resp, _ = client.Respond(nil, err)
		}
		if err := rpc.WriteMsg(conn, resp); err != nil {
			log.Debugf("ipc write: %v", err)
			return
		}
	}
}

func (d *Daemon) dispatch(req rpc.Request) (*rpc.Response, error) {
	log.Debugf("ipc: %s", req.Verb)
	r := d.Repo
	switch req.Verb {
	case "status":
		st, err := client.DoStatus(r, true, d.updater.PendingDeferred())
		return client.Respond(st, err)
	case "log":
		out, err := client.DoLog(r, req.N)
		return client.Respond(out, err)
	case "show":
		out, err := client.DoShow(r, req.Ref)
		return client.Respond(out, err)
	case "info":
		out, err := client.DoInfo(r)
		return client.Respond(out, err)
	case "flush":
		c, err := d.Flush(journal.TriggerManual)
		if err != nil {
			return client.Respond(nil, err)
		}
		out := rpc.Flush{NoChange: c == nil}
		if c != nil {
			out.CheckpointID = journal.IDString(c.ID)
		}
		return client.Respond(out, nil)
	case "restore":
		out, err := client.DoRestore(r, d.updater, req.Ref)
		return client.Respond(out, err)
	case "diff":
		out, err := client.DoDiff(r, req.Ref, req.Ref2)
		return client.Respond(out, err)
	case "pin":
		return client.Respond(struct{}{}, client.DoPin(r, req.Ref, req.Name))
	case "unpin":
		return client.Respond(struct{}{}, client.DoUnpin(r, req.Name))
	case "gc":
		out, err := client.DoGC(r, d.updater, req.DryRun)
		return client.Respond(out, err)
	case "publish":
		out, err := client.DoPublish(r, req.Ref, req.Message)
		return client.Respond(out, err)
	case "push":
		out, err := client.DoPush(r)
		return client.Respond(out, err)
	case "pull":
		out, err := client.DoPull(r, d.Flush)
		return client.Respond(out, err)
	case "stop":
		d.Stop()
		return client.Respond(struct{}{}, nil)
	}
	return nil, errs.New(errs.NotFound, "unknown verb %q", req.Verb)
}
