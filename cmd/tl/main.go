package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/saint0x/timelapse/client"
	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/object"
	"github.com/saint0x/timelapse/repo"
	"github.com/saint0x/timelapse/rpc"
)

const usage = `timelapse

Usage:
  tl init [--algo=<algo>] [--ignore=<pattern>]...
  tl start
  tl stop
  tl status
  tl info
  tl config [<key>] [<value>]
  tl log [-n <count>]
  tl show <ref>
  tl flush
  tl restore <ref>
  tl diff <a> [<b>]
  tl pin <ref> <name>
  tl unpin <name>
  tl gc [--dry-run]
  tl publish [<ref>] [-m <msg>]
  tl push
  tl pull

Options:
  -h --help           Show this screen.
  --version           Show version.
  --algo=<algo>       Hash algorithm at init: sha1 or blake3 [default: sha1].
  --ignore=<pattern>  Glob pattern to exclude (repeatable).
  -n <count>          Number of checkpoints to list [default: 10].
  -m <msg>            Commit message for publish.
  --dry-run           Report what gc would delete without deleting.
`

type Opts struct {
	Init    bool
	Start   bool
	Stop    bool
	Status  bool
	Info    bool
	Config  bool
	Log     bool
	Show    bool
	Flush   bool
	Restore bool
	Diff    bool
	Pin     bool
	Unpin   bool
	Gc      bool
	Publish bool
	Push    bool
	Pull    bool

	Algo   string   `docopt:"--algo"`
	Ignore []string `docopt:"--ignore"`
	Count  string   `docopt:"-n"`
	Msg    string   `docopt:"-m"`
	DryRun bool     `docopt:"--dry-run"`
	Ref    string   `docopt:"<ref>"`
	A      string   `docopt:"<a>"`
	B      string   `docopt:"<b>"`
	Name   string   `docopt:"<name>"`
	Key    string   `docopt:"<key>"`
	Value  string   `docopt:"<value>"`
}

func init() {
	// the CLI is quiet unless asked; the daemon is the chatty one
	log.SetLevel(log.WarnLevel)
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	formatter := &logrus.TextFormatter{}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (rc int) {
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, args, "0.1")
	if err != nil {
		return 1
	}
	var opts Opts
	if err := o.Bind(&opts); err != nil {
		log.Error(err)
		return 1
	}

	if opts.Init {
		return cmdInit(opts)
	}

	root, err := repo.FindRoot(".")
	if err != nil {
		return fail(err)
	}

	switch {
	case opts.Start:
		return cmdStart(root)
	case opts.Stop:
		return execVerb(root, rpc.Request{Verb: "stop"}, func(*rpc.Response) {
			fmt.Println("daemon stopped")
		})
	case opts.Status:
		return execVerb(root, rpc.Request{Verb: "status"}, renderStatus)
	case opts.Info:
		return execVerb(root, rpc.Request{Verb: "info"}, renderInfo)
	case opts.Config:
		return cmdConfig(root, opts)
	case opts.Log:
		n, _ := strconv.Atoi(opts.Count)
		return execVerb(root, rpc.Request{Verb: "log", N: n}, renderLog)
	case opts.Show:
		return execVerb(root, rpc.Request{Verb: "show", Ref: opts.Ref}, renderShow)
	case opts.Flush:
		return execVerb(root, rpc.Request{Verb: "flush"}, renderFlush)
	case opts.Restore:
		return execVerb(root, rpc.Request{Verb: "restore", Ref: opts.Ref}, renderRestore)
	case opts.Diff:
		return execVerb(root, rpc.Request{Verb: "diff", Ref: opts.A, Ref2: opts.B}, renderDiff)
	case opts.Pin:
		return execVerb(root, rpc.Request{Verb: "pin", Ref: opts.Ref, Name: opts.Name}, func(*rpc.Response) {
			fmt.Printf("pinned %s as %s\n", opts.Ref, opts.Name)
		})
	case opts.Unpin:
		return execVerb(root, rpc.Request{Verb: "unpin", Name: opts.Name}, func(*rpc.Response) {
			fmt.Printf("unpinned %s\n", opts.Name)
		})
	case opts.Gc:
		return execVerb(root, rpc.Request{Verb: "gc", DryRun: opts.DryRun}, renderGC)
	case opts.Publish:
		return execVerb(root, rpc.Request{Verb: "publish", Ref: opts.Ref, Message: opts.Msg}, renderPublish)
	case opts.Push:
		return execVerb(root, rpc.Request{Verb: "push"}, renderCmdOutput)
	case opts.Pull:
		return execVerb(root, rpc.Request{Verb: "pull"}, renderCmdOutput)
	}
	return 1
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "tl: %v\n", err)
	return errs.ExitCode(err)
}

// execVerb runs one request and renders the payload on success.
func execVerb(root string, req rpc.Request, render func(*rpc.Response)) int {
	resp, err := client.Execute(root, req)
	if err != nil {
		return fail(err)
	}
	if !resp.OK {
		return fail(client.ResponseError(resp))
	}
	render(resp)
	return 0
}

func cmdInit(opts Opts) int {
	cwd, err := os.Getwd()
	if err != nil {
		return fail(err)
	}
	cfg := repo.DefaultConfig()
	if opts.Algo != "" {
		cfg.HashAlgo = object.Algo(opts.Algo)
	}
	cfg.IgnorePatterns = opts.Ignore
	r, err := repo.Init(cwd, cfg)
	if err != nil {
		return fail(err)
	}
	defer r.Close()
	fmt.Printf("initialized timelapse repository in %s\n", filepath.Join(cwd, repo.EngineDir))
	return 0
}

// cmdConfig views or edits the repository configuration.  Edits are
// written to the config file and take effect at the next daemon
// start; the daemon itself never reloads.
func cmdConfig(root string, opts Opts) int {
	r, err := repo.Open(root)
	if err != nil {
		return fail(err)
	}
	defer r.Close()

	switch {
	case opts.Key == "":
		fmt.Println(boldColor.Sprint("repository configuration"))
		fmt.Printf("%s\n\n", dimColor.Sprintf("location: %s", r.ConfigPath()))
		for _, key := range repo.ConfigKeys {
			v, gerr := r.Config.Get(key)
			if gerr != nil {
				return fail(gerr)
			}
			fmt.Printf("  %s = %s\n", modColor.Sprint(key), v)
		}
	case opts.Value == "":
		v, gerr := r.Config.Get(opts.Key)
		if gerr != nil {
			return fail(gerr)
		}
		fmt.Println(v)
	default:
		cfg := r.Config
		if serr := cfg.Set(opts.Key, opts.Value); serr != nil {
			return fail(serr)
		}
		if serr := r.SaveConfig(cfg); serr != nil {
			return fail(serr)
		}
		fmt.Printf("%s = %s\n", modColor.Sprint(opts.Key), opts.Value)
		fmt.Println(dimColor.Sprint("restart the daemon for changes to take effect (tl stop && tl start)"))
	}
	return 0
}

func cmdStart(root string) int {
	// refuse double-start cheaply: the socket answers if a daemon is up
	if conn, err := client.Dial(filepath.Join(root, repo.EngineDir, "state", "daemon.sock")); err == nil {
		conn.Close()
		fmt.Println("daemon already running")
		return 0
	}
	tld, err := exec.LookPath("tld")
	if err != nil {
		// fall back to a tld sitting next to this binary
		if self, serr := os.Executable(); serr == nil {
			tld = filepath.Join(filepath.Dir(self), "tld")
		}
	}
	cmd := exec.Command(tld, root)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fail(errs.Wrap(errs.IoError, err, "starting tld"))
	}
	fmt.Printf("daemon started (pid %d)\n", cmd.Process.Pid)
	return 0
}

// rendering

var (
	idColor   = color.New(color.FgYellow)
	addColor  = color.New(color.FgGreen)
	delColor  = color.New(color.FgRed)
	modColor  = color.New(color.FgCyan)
	dimColor  = color.New(color.Faint)
	boldColor = color.New(color.Bold)
)

func renderStatus(resp *rpc.Response) {
	var st rpc.Status
	if err := rpc.Decode(resp.Payload, &st); err != nil {
		log.Error(err)
		return
	}
	state := "not running"
	if st.DaemonRunning {
		state = "running"
	}
	fmt.Printf("daemon:      %s\n", state)
	if st.HeadID != "" {
		fmt.Printf("HEAD:        %s\n", idColor.Sprint(st.HeadID))
		fmt.Printf("last change: %s ago\n", time.Since(time.Unix(0, st.LastCheckpoint)).Round(time.Second))
	} else {
		fmt.Println("HEAD:        (no checkpoints yet)")
	}
	fmt.Printf("tracked:     %d paths\n", st.TrackedPaths)
	fmt.Printf("checkpoints: %d\n", st.Checkpoints)
	if st.PendingPaths > 0 {
		fmt.Printf("pending:     %d unstable paths\n", st.PendingPaths)
	}
}

func renderInfo(resp *rpc.Response) {
	var info rpc.Info
	if err := rpc.Decode(resp.Payload, &info); err != nil {
		log.Error(err)
		return
	}
	fmt.Printf("root:        %s\n", info.Root)
	fmt.Printf("hash_algo:   %s\n", info.HashAlgo)
	fmt.Printf("debounce:    %dms\n", info.DebounceMS)
	fmt.Printf("checkpoints: %d\n", info.Checkpoints)
	fmt.Printf("objects:     %d (%d bytes)\n", info.Objects, info.StoreBytes)
	for name, id := range info.Pins {
		fmt.Printf("pin %s -> %s\n", boldColor.Sprint(name), idColor.Sprint(id))
	}
}

func renderLog(resp *rpc.Response) {
	var out rpc.Log
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	for i := len(out.Entries) - 1; i >= 0; i-- {
		e := out.Entries[i]
		age := time.Since(time.Unix(0, e.CreatedNS)).Round(time.Second)
		fmt.Printf("%s  %s  %s  +%d ~%d -%d\n",
			idColor.Sprint(e.ID[:10]),
			dimColor.Sprintf("%8s ago", age),
			e.Trigger,
			e.Added, e.Modified, e.Removed)
	}
}

func renderShow(resp *rpc.Response) {
	var e rpc.LogEntry
	if err := rpc.Decode(resp.Payload, &e); err != nil {
		log.Error(err)
		return
	}
	fmt.Printf("checkpoint %s\n", idColor.Sprint(e.ID))
	if e.Parent != "" {
		fmt.Printf("parent     %s\n", e.Parent)
	}
	fmt.Printf("root       %s\n", e.Root)
	fmt.Printf("created    %s\n", time.Unix(0, e.CreatedNS).Format(time.RFC3339Nano))
	fmt.Printf("trigger    %s\n", e.Trigger)
	fmt.Printf("stats      +%d ~%d -%d\n", e.Added, e.Modified, e.Removed)
	for _, p := range e.Touched {
		fmt.Printf("  %s\n", p)
	}
}

func renderFlush(resp *rpc.Response) {
	var out rpc.Flush
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	if out.NoChange {
		fmt.Println("no changes")
		return
	}
	fmt.Printf("checkpoint %s\n", idColor.Sprint(out.CheckpointID))
}

func renderRestore(resp *rpc.Response) {
	var out rpc.Restore
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	if out.NoChange {
		fmt.Printf("already at %s\n", out.RestoredTo)
		return
	}
	fmt.Printf("restored to %s (checkpoint %s)\n",
		idColor.Sprint(out.RestoredTo), out.CheckpointID)
}

func renderDiff(resp *rpc.Response) {
	var out rpc.Diff
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	for _, p := range out.Added {
		addColor.Printf("A %s\n", p)
	}
	for _, p := range out.Removed {
		delColor.Printf("D %s\n", p)
	}
	for _, p := range out.Modified {
		modColor.Printf("M %s\n", p)
	}
}

func renderGC(resp *rpc.Response) {
	var out rpc.GC
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	verb := "deleted"
	if out.DryRun {
		verb = "would delete"
	}
	fmt.Printf("live checkpoints: %d\n", out.LiveCheckpoints)
	fmt.Printf("%s %d objects (%d bytes), pruned %d checkpoints\n",
		verb, out.ObjectsDeleted, out.BytesReclaimed, out.PrunedCheckpoints)
}

func renderPublish(resp *rpc.Response) {
	var out rpc.Publish
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	fmt.Printf("published as %s on %s\n", out.Commit, out.Branch)
}

func renderCmdOutput(resp *rpc.Response) {
	var out rpc.CmdOutput
	if err := rpc.Decode(resp.Payload, &out); err != nil {
		log.Error(err)
		return
	}
	fmt.Print(out.Output)
}

