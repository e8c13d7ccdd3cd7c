// Package relpath maps relation references to and from the fixed,
// on-disk path scheme PostgreSQL uses for table and index segments, and
// classifies arbitrary paths against that scheme. It also carries the
// segment-size arithmetic that both the WAL replayer and the planner need
// to turn a flat block number into a (segment file, in-segment block) pair.
package relpath

import (
	"regexp"
	"strconv"
	"strings"
)

// BlockSize is PostgreSQL's page size in bytes.
const BlockSize = 8192

// SegmentBlocks is the number of blocks in a relation segment before a
// ".N" suffix file is started (1GiB worth of 8KiB blocks).
const SegmentBlocks = 131072

// SegmentBytes is SegmentBlocks*BlockSize, the byte size of a full segment.
const SegmentBytes = SegmentBlocks * BlockSize

// ForkKind identifies which of a relation's parallel data streams a path
// refers to.
type ForkKind uint8

const (
	ForkMain ForkKind = iota
	ForkFSM
	ForkVM
	ForkInit
)

func (f ForkKind) suffix() string {
	switch f {
	case ForkFSM:
		return "_fsm"
	case ForkVM:
		return "_vm"
	case ForkInit:
		return "_init"
	default:
		return ""
	}
}

func forkFromSuffix(s string) (ForkKind, bool) {
	switch s {
	case "":
		return ForkMain, true
	case "_fsm":
		return ForkFSM, true
	case "_vm":
		return ForkVM, true
	case "_init":
		return ForkInit, true
	default:
		return 0, false
	}
}

// RelRef identifies one relation data segment.
type RelRef struct {
	DBOid      uint32 // 0 for shared catalogs under global/
	Tablespace uint32 // 0 for the default tablespace
	// VersionLabel is only meaningful when Tablespace != 0; it is the
	// PG_MAJOR_CATALOGVERSION directory PostgreSQL places under pg_tblspc.
	VersionLabel string
	RelOid       uint32
	Fork         ForkKind
	Segment      int
}

// Path builds the canonical relative path (relative to the data directory
// root) for ref, following the server's three layouts: global/,
// base/<db>/, and pg_tblspc/<ts>/<version>/<db>/.
func (r RelRef) Path() string {
	var b strings.Builder
	switch {
	case r.Tablespace != 0:
		b.WriteString("pg_tblspc/")
		b.WriteString(strconv.FormatUint(uint64(r.Tablespace), 10))
		b.WriteByte('/')
		b.WriteString(r.VersionLabel)
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(r.DBOid), 10))
		b.WriteByte('/')
	case r.DBOid != 0:
		b.WriteString("base/")
		b.WriteString(strconv.FormatUint(uint64(r.DBOid), 10))
		b.WriteByte('/')
	default:
		b.WriteString("global/")
	}
	b.WriteString(strconv.FormatUint(uint64(r.RelOid), 10))
	b.WriteString(r.Fork.suffix())
	if r.Segment > 0 {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(r.Segment))
	}
	return b.String()
}

// relFileRE anchors the three layouts at the end of the path, capturing the
// pieces Classify needs. Matching is deliberately loose on the tablespace
// version label (it has no fixed grammar) and strict on the numeric OIDs
// and fork suffix, like pg_rewind's isRelDataFile.
var relFileRE = regexp.MustCompile(
	`^(?:global|base/(\d+)|pg_tblspc/(\d+)/([^/]+)/(\d+))/(\d+)(_fsm|_vm|_init)?(?:\.(\d+))?$`)

// Classify reports whether path fits the relation-file path shape and, if
// so, decodes it into a RelRef. It does not check that the file actually
// exists or is a regular file; callers combine this with a stat.
func Classify(path string) (RelRef, bool) {
	m := relFileRE.FindStringSubmatch(path)
	if m == nil {
		return RelRef{}, false
	}
	fork, ok := forkFromSuffix(m[6])
	if !ok {
		return RelRef{}, false
	}
	relOid, err := strconv.ParseUint(m[5], 10, 32)
	if err != nil {
		return RelRef{}, false
	}
	ref := RelRef{RelOid: uint32(relOid), Fork: fork}
	switch {
	case m[1] != "": // base/<db>/
		db, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return RelRef{}, false
		}
		ref.DBOid = uint32(db)
	case m[2] != "": // pg_tblspc/<ts>/<label>/<db>/
		ts, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return RelRef{}, false
		}
		db, err := strconv.ParseUint(m[4], 10, 32)
		if err != nil {
			return RelRef{}, false
		}
		ref.Tablespace = uint32(ts)
		ref.VersionLabel = m[3]
		ref.DBOid = uint32(db)
	}
	if m[7] != "" {
		seg, err := strconv.Atoi(m[7])
		if err != nil {
			return RelRef{}, false
		}
		ref.Segment = seg
	}
	return ref, true
}

// IsRelationFile reports whether path matches the relation-file path shape,
// without bothering to decode it. The planner uses this to decide whether a
// type mismatch on path is fatal.
func IsRelationFile(path string) bool {
	return relFileRE.MatchString(path)
}

// IsSpecialFile reports whether path is one of the files the planner always
// ignores regardless of source/target state.
func IsSpecialFile(path string) bool {
	return path == "postmaster.pid" || path == "postmaster.opts"
}

// IsTemporaryFile reports whether path is, or is under, a pgsql_tmp
// scratch directory.
func IsTemporaryFile(path string) bool {
	for _, part := range strings.Split(path, "/") {
		if part == "pgsql_tmp" || strings.HasPrefix(part, "pgsql_tmp") {
			return true
		}
	}
	return false
}

// GlobalBlockToSegment converts a flat block number within a relation into
// the segment index that holds it and the block's offset within that
// segment, using the fixed SegmentBlocks constant.
func GlobalBlockToSegment(globalBlock uint32) (segment int, localBlock uint32) {
	segment = int(globalBlock / SegmentBlocks)
	localBlock = globalBlock % SegmentBlocks
	return
}
