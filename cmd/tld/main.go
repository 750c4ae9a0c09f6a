package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/saint0x/timelapse/daemon"
	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/repo"
)

const usage = `tld - timelapse daemon

Usage:
  tld [<dir>]

Options:
  -h --help     Show this screen.
  --version     Show version.

Runs the checkpoint engine in the foreground for the repository at
<dir> (default: the repository containing the current directory).
`

type Opts struct {
	Dir string
}

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller trims the working directory off logged file paths.
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, p), f.Line)
	}
}

func main() {
	os.Exit(run())
}

func run() (rc int) {
	parser := &docopt.Parser{OptionsFirst: false}
	o, _ := parser.ParseArgs(usage, os.Args[1:], "0.1")
	var opts Opts
	if err := o.Bind(&opts); err != nil {
		log.Error(err)
		return 1
	}

	start := opts.Dir
	if start == "" {
		start = "."
	}
	root, err := repo.FindRoot(start)
	if err != nil {
		log.Error(err)
		return errs.ExitCode(err)
	}

	d, err := daemon.New(root)
	if err != nil {
		log.Error(err)
		return errs.ExitCode(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("received %v, stopping", s)
		d.Stop()
	}()

	if err := d.Run(ctx); err != nil {
		log.Error(err)
		return errs.ExitCode(err)
	}
	return 0
}
