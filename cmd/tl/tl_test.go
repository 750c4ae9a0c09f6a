package main

import (
	"flag"
	"os"
	"testing"

	"github.com/google/go-cmdtest"
)

var update = flag.Bool("update", false, "update test files with results")

func TestCLI(t *testing.T) {
	ts, err := cmdtest.Read("testdata")
	if err != nil {
		t.Fatal(err)
	}
	ts.Commands["tl"] = cmdtest.InProcessProgram("tl", func() int {
		return run(os.Args[1:])
	})
	ts.Run(t, *update)
}
