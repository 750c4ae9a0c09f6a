package object

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/saint0x/timelapse/errs"
)

// Entry kinds, the normalized mode set, and the Git subtree mode.
const (
	ModeFile    uint32 = 0o100644
	ModeExec    uint32 = 0o100755
	ModeSymlink uint32 = 0o120000
	ModeDir     uint32 = 0o040000
)

// Kind tags a tree entry.  Directories never appear in the PathMap;
// KindDir exists only inside serialized tree objects.
type Kind uint8

const (
	KindFile Kind = iota
	KindExec
	KindSymlink
	KindDir
)

func (k Kind) Mode() uint32 {
	switch k {
	case KindFile:
		return ModeFile
	case KindExec:
		return ModeExec
	case KindSymlink:
		return ModeSymlink
	case KindDir:
		return ModeDir
	}
	panic("unhandled entry kind")
}

func KindForMode(mode uint32) (Kind, error) {
	switch mode {
	case ModeFile:
		return KindFile, nil
	case ModeExec:
		return KindExec, nil
	case ModeSymlink:
		return KindSymlink, nil
	case ModeDir:
		return KindDir, nil
	}
	return 0, errs.New(errs.Corrupt, "unrecognized tree entry mode %o", mode)
}

// TreeEntry is one row of a serialized tree object.  Name is a single
// path component, never a slash-separated path.
type TreeEntry struct {
	Name string
	Mode uint32
	Hash Hash
}

func (e TreeEntry) IsDir() bool { return e.Mode == ModeDir }

// sortKey implements Git's tree ordering: directory names compare as
// if suffixed with "/".
func sortKey(e TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// EncodeTree serializes entries into the canonical Git tree body:
// "<octal-mode> <name>\0<raw-hash-bytes>" per entry, sorted by name
// bytes with the directory slash rule.  The envelope is added by
// HashTreeBody / Store.PutTree.
func EncodeTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) < sortKey(sorted[j])
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write([]byte(e.Hash))
	}
	return buf.Bytes()
}

// DecodeTree parses a tree body produced by EncodeTree.
func DecodeTree(a Algo, body []byte) (entries []TreeEntry, err error) {
	width := a.Size()
	rest := body
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, errs.New(errs.Corrupt, "tree entry: missing mode separator")
		}
		mode, perr := strconv.ParseUint(string(rest[:sp]), 8, 32)
		if perr != nil {
			return nil, errs.Wrap(errs.Corrupt, perr, "tree entry: bad mode")
		}
		rest = rest[sp+1:]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, errs.New(errs.Corrupt, "tree entry: missing name terminator")
		}
		name := string(rest[:nul])
		rest = rest[nul+1:]
		if len(rest) < width {
			return nil, errs.New(errs.Corrupt, "tree entry: short hash")
		}
		if _, err = KindForMode(uint32(mode)); err != nil {
			return nil, err
		}
		entries = append(entries, TreeEntry{
			Name: name,
			Mode: uint32(mode),
			Hash: Hash(rest[:width]),
		})
		rest = rest[width:]
	}
	return entries, nil
}
