package watch

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Batch is a set of repo-relative candidate paths released together
// after per-path quiescence.  Overflow marks a batch triggered by
// kernel event loss; its paths come from the reconcile scan.
type Batch struct {
	Paths    []string
	Overflow bool
}

// Debouncer arms a timer per observed path; each new event re-arms
// it.  A path is released only once its timer expires without further
// events — per-path quiescence, not global quiescence.  Expired paths
// are coalesced into one batch per flush tick.
type Debouncer struct {
	window    time.Duration
	out       chan Batch
	marks     chan string
	flushReq  chan chan struct{}
	overflows chan struct{}
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:    window,
		out:       make(chan Batch, 16),
		marks:     make(chan string, 1024),
		flushReq:  make(chan chan struct{}),
		overflows: make(chan struct{}, 1),
	}
}

func (d *Debouncer) Batches() <-chan Batch { return d.out }

// Mark records an event for path, (re)arming its timer.
func (d *Debouncer) Mark(path string) {
	d.marks <- path
}

// MarkOverflow records kernel event loss; the next batch is flagged.
func (d *Debouncer) MarkOverflow() {
	select {
	case d.overflows <- struct{}{}:
	default:
	}
}

// Flush releases every pending path immediately and waits until the
// resulting batch (if any) has been emitted.
func (d *Debouncer) Flush() {
	done := make(chan struct{})
	d.flushReq <- done
	<-done
}

// Run owns the deadline table.  It exits when ctx is cancelled,
// closing the output channel.
func (d *Debouncer) Run(ctx context.Context) {
	defer close(d.out)
	deadlines := map[string]time.Time{}
	overflow := false

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if len(deadlines) == 0 {
			return
		}
		next := time.Time{}
		for _, dl := range deadlines {
			if next.IsZero() || dl.Before(next) {
				next = dl
			}
		}
		timer.Reset(time.Until(next))
	}

	// drain records marks already queued by Mark, so a flush or an
	// overflow arriving right behind them still releases them
	drain := func() {
		for {
			select {
			case p := <-d.marks:
				deadlines[p] = time.Now().Add(d.window)
			default:
				return
			}
		}
	}

	emit := func(now time.Time, all bool) {
		var ready []string
		for p, dl := range deadlines {
			if all || !dl.After(now) {
				ready = append(ready, p)
				delete(deadlines, p)
			}
		}
		if len(ready) == 0 && !overflow {
			return
		}
		sort.Strings(ready)
		b := Batch{Paths: ready, Overflow: overflow}
		overflow = false
		log.Debugf("debounce: releasing batch of %d paths (overflow=%v)", len(b.Paths), b.Overflow)
		select {
		case d.out <- b:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.marks:
			deadlines[p] = time.Now().Add(d.window)
			rearm()
		case <-d.overflows:
			overflow = true
			drain()
			emit(time.Now(), true)
			rearm()
		case done := <-d.flushReq:
			drain()
			emit(time.Now(), true)
			close(done)
			rearm()
		case now := <-timer.C:
			emit(now, false)
			rearm()
		}
	}
}
