package errs

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKindOf(t *testing.T) {
	err := New(NotFound, "checkpoint %s", "abc")
	if KindOf(err) != NotFound {
		t.Fatalf("got %v", KindOf(err))
	}
	if KindOf(nil) != "" {
		t.Fatal("nil must classify to empty kind")
	}
	if KindOf(errors.New("plain")) != IoError {
		t.Fatal("unknown errors default to IoError")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(LockBusy, "daemon")
	wrapped := errors.Wrap(inner, "while starting")
	if KindOf(wrapped) != LockBusy {
		t.Fatalf("kind lost through pkg/errors wrap: %v", KindOf(wrapped))
	}
	double := Wrap(IoError, wrapped, "outer")
	if KindOf(double) != IoError {
		t.Fatal("outermost kind must win")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(IoError, nil, "ignored") != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(NotInitialized, "x"), 2},
		{New(AmbiguousRef, "x"), 3},
		{New(NotFound, "x"), 4},
		{New(LockBusy, "x"), 5},
		{New(Corrupt, "x"), 1},
		{New(ConfigInvalid, "x"), 1},
		{errors.New("anything"), 1},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := New(AmbiguousRef, "%q matches %d checkpoints", "01ab", 3)
	want := `AmbiguousRef: "01ab" matches 3 checkpoints`
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
}
