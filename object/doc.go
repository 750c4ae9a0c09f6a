/*
Package object is the content-addressed store at the bottom of the
engine: blobs and trees on disk, named by the hash of their canonical
form.  Everything above it (PathMap, journal, checkpoints) is a
rebuildable index; the store is the truth.

Vocabulary:

  - blob: an immutable byte sequence; deduplication atom; stored as a
    file under objects/blobs
  - tree: one directory's sorted entry list in the Git tree format;
    stored under objects/trees; entries point at blobs or other trees
  - canonical form: the "blob <size>\0" / "tree <size>\0" envelope
    plus raw bytes; hashes are always taken over this form, never the
    storage form
  - storage form: canonical bytes, optionally zlib-compressed; small
    objects stay raw so they can be inspected with UNIX tools
  - root tree: the tree describing the whole working directory; one
    per checkpoint
  - fanout: the two-hex-character subdirectory level that keeps any
    single directory from accumulating every object

With the sha1 algorithm, blobs and trees here are byte-identical to
the objects a Git repository would produce for the same content, which
is what makes the publication bridge a copy instead of a conversion.
*/
package object
