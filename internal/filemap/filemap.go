// Package filemap accumulates the set of files the driver has decided to
// act on and sorts them into the order the executor must apply them in:
// creations and copies before anything is truncated or removed, with
// removals themselves sorted in reverse path order so a directory's
// contents are gone before the directory is.
package filemap

import (
	"sort"
	"strings"

	"github.com/chocapikk/pgresync/internal/pagemap"
)

// FileType classifies what kind of directory entry a path refers to.
type FileType uint8

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// Action is the operation the executor will perform for one entry. The
// numeric order of these constants IS the sort key: lower actions run
// first, so CREATE and COPY variants necessarily precede TRUNCATE/REMOVE.
type Action uint8

const (
	ActionCreate Action = iota
	ActionCopy
	ActionCopyTail
	ActionNone
	ActionTruncate
	ActionRemove
)

// String renders the action the way diagnostics and dry-run plan dumps
// name it. CREATE and REMOVE cover both directories and symlinks (for
// CREATE) or directories and files (for REMOVE); callers that need to
// distinguish dispatch on Entry.Type, not on a separate Action value.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionCopy:
		return "COPY"
	case ActionTruncate:
		return "TRUNCATE"
	case ActionCopyTail:
		return "COPY_TAIL"
	case ActionCreate:
		return "CREATE"
	case ActionRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Entry describes one file, directory or symlink the executor must act on.
type Entry struct {
	Path       string
	Type       FileType
	Action     Action
	OldSize    int64
	NewSize    int64
	LinkTarget string
	Pages      *pagemap.PageMap
}

// FileMap accumulates entries as the source and target trees are compared
// and WAL is parsed, then produces a single execution-ordered sequence.
// The accumulation phase appends to a plain slice, so finalizing only has
// to sort, not restructure.
type FileMap struct {
	byPath  map[string]*Entry
	entries []*Entry
}

// New returns an empty FileMap.
func New() *FileMap {
	return &FileMap{byPath: make(map[string]*Entry)}
}

// Add records a new entry. Callers are expected to add each path at most
// once, during the source/target comparison pass.
func (fm *FileMap) Add(e Entry) {
	if e.Action == ActionNone && e.Type == TypeRegular && e.Pages == nil {
		e.Pages = pagemap.New()
	}
	stored := e
	fm.entries = append(fm.entries, &stored)
	fm.byPath[e.Path] = &stored
}

// Lookup returns the entry for path, if one was recorded, and whether it
// was found. Used by the page-map pass to attach changed blocks to a file
// that has already been classified.
func (fm *FileMap) Lookup(path string) (*Entry, bool) {
	e, ok := fm.byPath[path]
	return e, ok
}

// MarkPage records that block changed in the relation file at path: a
// NONE/COPY_TAIL/TRUNCATE entry whose new size still covers the block gets
// the block added to its page map; COPY and REMOVE entries are getting
// fully (re)written or discarded anyway so the page is ignored; a page
// modification against a CREATE entry means a directory or symlink was
// classified where a relation file lives, which is a bug.
func (fm *FileMap) MarkPage(path string, block uint32, blockEndOffset int64) error {
	entry, ok := fm.byPath[path]
	if !ok {
		// Not tracked: a relation that doesn't exist remotely and was also
		// removed locally. Nothing to do.
		return nil
	}
	switch entry.Action {
	case ActionNone, ActionCopyTail, ActionTruncate:
		if blockEndOffset <= entry.NewSize {
			if entry.Pages == nil {
				entry.Pages = pagemap.New()
			}
			entry.Pages.Add(block)
		}
	case ActionCopy, ActionRemove:
		// whole file is already being (re)written or discarded
	case ActionCreate:
		return errUnexpectedPageModification(path)
	}
	return nil
}

type pageModErr struct{ path string }

func (e pageModErr) Error() string {
	return "unexpected page modification for directory or symbolic link " + e.path
}

func errUnexpectedPageModification(path string) error { return pageModErr{path: path} }

// Finalize sorts the accumulated entries into execution order and returns
// them. The FileMap can still be queried after Finalize; it does not clear
// the accumulated state.
func (fm *FileMap) Finalize() []*Entry {
	sorted := make([]*Entry, len(fm.entries))
	copy(sorted, fm.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		if a.Action == ActionRemove {
			return strings.Compare(a.Path, b.Path) > 0
		}
		return strings.Compare(a.Path, b.Path) < 0
	})
	return sorted
}

// Len reports how many entries have been accumulated so far.
func (fm *FileMap) Len() int { return len(fm.entries) }
