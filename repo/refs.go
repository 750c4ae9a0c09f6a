package repo

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/oklog/ulid/v2"
	. "github.com/stevegt/goadapt"

	"github.com/saint0x/timelapse/errs"
	"github.com/saint0x/timelapse/journal"
)

// MinRefPrefix is the shortest accepted checkpoint id prefix.
const MinRefPrefix = 4

func validPinName(name string) bool {
	if name == "" || name == "HEAD" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// Pin protects a checkpoint (and its object closure) from GC under a
// human-readable name.
func (r *Repository) Pin(name string, id ulid.ULID) (err error) {
	defer Return(&err)
	if !validPinName(name) {
		return errs.New(errs.ConfigInvalid, "bad pin name %q", name)
	}
	if !r.Journal.Has(id) {
		return errs.New(errs.NotFound, "checkpoint %s", journal.IDString(id))
	}
	err = os.MkdirAll(r.PinsDir(), 0755)
	Ck(err)
	err = renameio.WriteFile(filepath.Join(r.PinsDir(), name), []byte(journal.IDString(id)+"\n"), 0644)
	if err != nil {
		return errs.Wrap(errs.IoError, err, "writing pin %s", name)
	}
	return nil
}

func (r *Repository) Unpin(name string) error {
	if !validPinName(name) {
		return errs.New(errs.ConfigInvalid, "bad pin name %q", name)
	}
	err := os.Remove(filepath.Join(r.PinsDir(), name))
	if os.IsNotExist(err) {
		return errs.New(errs.NotFound, "pin %s", name)
	}
	if err != nil {
		return errs.Wrap(errs.IoError, err, "removing pin %s", name)
	}
	return nil
}

// Pins returns every pin as name -> checkpoint id.
func (r *Repository) Pins() (pins map[string]ulid.ULID, err error) {
	defer Return(&err)
	pins = map[string]ulid.ULID{}
	files, rerr := os.ReadDir(r.PinsDir())
	if os.IsNotExist(rerr) {
		return pins, nil
	}
	Ck(rerr)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		raw, rerr := os.ReadFile(filepath.Join(r.PinsDir(), f.Name()))
		Ck(rerr)
		id, perr := journal.ParseID(strings.TrimSpace(string(raw)))
		if perr != nil {
			return nil, errs.Wrap(errs.Corrupt, perr, "pin %s", f.Name())
		}
		pins[f.Name()] = id
	}
	return pins, nil
}

// Resolve turns a checkpoint reference into an id.  Accepted forms:
// full id, unambiguous id prefix (>= 4 chars), pin name, HEAD, and
// HEAD~k.
func (r *Repository) Resolve(ref string) (id ulid.ULID, err error) {
	defer Return(&err)
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return id, errs.New(errs.NotFound, "empty reference")
	}

	if ref == "HEAD" {
		return r.resolveHead(0)
	}
	if rest, ok := strings.CutPrefix(ref, "HEAD~"); ok {
		k, aerr := strconv.Atoi(rest)
		if aerr != nil || k < 0 {
			return id, errs.New(errs.NotFound, "bad ancestor reference %q", ref)
		}
		return r.resolveHead(k)
	}

	// pin names shadow id prefixes
	pins, err := r.Pins()
	Ck(err)
	if pinned, ok := pins[ref]; ok {
		return pinned, nil
	}

	if full, perr := journal.ParseID(ref); perr == nil {
		if !r.Journal.Has(full) {
			return id, errs.New(errs.NotFound, "checkpoint %s", ref)
		}
		return full, nil
	}

	return r.resolvePrefix(ref)
}

func (r *Repository) resolveHead(k int) (id ulid.ULID, err error) {
	defer Return(&err)
	head, ok := r.Head()
	if !ok {
		return id, errs.New(errs.NotFound, "no checkpoints yet")
	}
	cur := head
	for i := 0; i < k; i++ {
		c, gerr := r.Journal.Get(cur)
		if gerr != nil {
			return id, errs.Wrap(errs.NotFound, gerr, "HEAD~%d", k)
		}
		if !c.HasParent() {
			return id, errs.New(errs.NotFound, "HEAD~%d walks past the first checkpoint", k)
		}
		cur = c.Parent
	}
	return cur, nil
}

func (r *Repository) resolvePrefix(ref string) (id ulid.ULID, err error) {
	if len(ref) < MinRefPrefix {
		return id, errs.New(errs.NotFound, "reference %q too short (minimum %d chars)", ref, MinRefPrefix)
	}
	upper := strings.ToUpper(ref)
	var matches []ulid.ULID
	for _, cand := range r.Journal.IDs() {
		if strings.HasPrefix(journal.IDString(cand), upper) {
			matches = append(matches, cand)
		}
	}
	switch len(matches) {
	case 0:
		return id, errs.New(errs.NotFound, "no checkpoint matches %q", ref)
	case 1:
		return matches[0], nil
	}
	return id, errs.New(errs.AmbiguousRef, "%q matches %d checkpoints", ref, len(matches))
}
