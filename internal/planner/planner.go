// Package planner classifies every path the source and target trees
// disagree on into a filemap.Action, following the decision table of
// pg_rewind's process_remote_file: a three-phase protocol of source
// inventory, target inventory, then page-level change marks, each phase
// gated on the previous one having completed.
package planner

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/chocapikk/pgresync/internal/filemap"
	"github.com/chocapikk/pgresync/internal/relpath"
)

// Stater reports what currently exists at a target-relative path, the
// planner's only dependency on the filesystem (or remote equivalent); kept
// as an interface so tests can supply an in-memory target tree.
type Stater interface {
	// Stat reports whether path exists in the target tree and, if so, its
	// type, size and link target.
	Stat(path string) (exists bool, typ filemap.FileType, size int64, linkTarget string, err error)
}

// Planner accumulates a file action plan across the phases described in
// the package doc. Phase transitions are one-way: once target enumeration
// begins, source entries can no longer be added; once Finalize has run,
// OnPageChange can no longer mutate the plan.
type Planner struct {
	target Stater
	fm     *filemap.FileMap

	sourcePaths map[string]struct{}
	phase       phase
	finalized   []*filemap.Entry
}

type phase int

const (
	phaseSource phase = iota
	phaseTarget
	phasePages
	phaseDone
)

// New returns a Planner that will stat the target tree through target.
func New(target Stater) *Planner {
	return &Planner{
		target:      target,
		fm:          filemap.New(),
		sourcePaths: make(map[string]struct{}),
		phase:       phaseSource,
	}
}

func isIgnoredPath(path string) bool {
	return relpath.IsSpecialFile(path) || relpath.IsTemporaryFile(path)
}

// OnSourceEntry classifies one entry observed while walking the source
// tree. It must be called for every source entry before the first call to
// OnTargetEntry.
func (p *Planner) OnSourceEntry(path string, typ filemap.FileType, size int64, linkTarget string) error {
	if p.phase != phaseSource {
		return errors.New("OnSourceEntry called after source enumeration finished")
	}
	if isIgnoredPath(path) {
		return nil
	}

	isRelFile := relpath.IsRelationFile(path)
	existsTarget, targetType, targetSize, _, err := p.target.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "stat target path %q", path)
	}
	if typ != filemap.TypeRegular && isRelFile {
		return errors.Errorf("data file in source %q is not a regular file", path)
	}

	var action filemap.Action
	var oldSize int64

	switch typ {
	case filemap.TypeDirectory:
		if existsTarget && targetType != filemap.TypeDirectory {
			return errors.Errorf("%q is not a directory in target", path)
		}
		if !existsTarget {
			action = filemap.ActionCreate
		} else {
			action = filemap.ActionNone
		}

	case filemap.TypeSymlink:
		if existsTarget && targetType != filemap.TypeSymlink {
			return errors.Errorf("%q is not a symbolic link in target", path)
		}
		if !existsTarget {
			action = filemap.ActionCreate
		} else {
			action = filemap.ActionNone
		}

	case filemap.TypeRegular:
		if existsTarget && targetType != filemap.TypeRegular {
			return errors.Errorf("%q is not a regular file in target", path)
		}
		switch {
		case !existsTarget || !isRelFile:
			if strings.HasSuffix(path, "PG_VERSION") {
				action = filemap.ActionNone
				oldSize = targetSize
			} else {
				action = filemap.ActionCopy
			}
		default:
			oldSize = targetSize
			switch {
			case oldSize < size:
				action = filemap.ActionCopyTail
			case oldSize > size:
				action = filemap.ActionTruncate
			default:
				action = filemap.ActionNone
			}
		}
	}

	p.sourcePaths[path] = struct{}{}
	p.fm.Add(filemap.Entry{
		Path:       path,
		Type:       typ,
		Action:     action,
		OldSize:    oldSize,
		NewSize:    size,
		LinkTarget: linkTarget,
	})
	return nil
}

// TargetEntry is one path observed while walking the target tree; only
// its identity and type matter, sizes were already captured during the
// source pass.
type TargetEntry struct {
	Path string
	Type filemap.FileType
}

// OnTargetEntry records one target-tree entry, scheduling REMOVE for any
// path absent from the source inventory. Must only be called after every
// OnSourceEntry call has completed.
func (p *Planner) OnTargetEntry(entry TargetEntry) error {
	if p.phase == phaseSource {
		p.phase = phaseTarget
	}
	if p.phase != phaseTarget {
		return errors.New("OnTargetEntry called out of order")
	}
	if isIgnoredPath(entry.Path) {
		return nil
	}
	if _, ok := p.sourcePaths[entry.Path]; ok {
		return nil
	}
	p.fm.Add(filemap.Entry{Path: entry.Path, Type: entry.Type, Action: filemap.ActionRemove})
	return nil
}

// OnPageChange records that block of the relation ref changed after the
// fork point. Must only be called after BeginPageChanges, once target
// enumeration has completed.
func (p *Planner) OnPageChange(ref relpath.RelRef, block uint32) error {
	if p.phase != phasePages {
		return errors.New("OnPageChange called outside the page-change phase")
	}
	seg, localBlock := relpath.GlobalBlockToSegment(block)
	ref.Segment = seg
	path := ref.Path()
	blockEnd := (int64(localBlock) + 1) * relpath.BlockSize
	return p.fm.MarkPage(path, localBlock, blockEnd)
}

// BeginPageChanges transitions the planner from target enumeration to
// page-change marking. Call once after the last OnTargetEntry.
func (p *Planner) BeginPageChanges() error {
	if p.phase != phaseTarget && p.phase != phaseSource {
		return errors.New("BeginPageChanges called out of order")
	}
	p.phase = phasePages
	return nil
}

// Finalize sorts the accumulated plan into execution order. After
// Finalize, OnPageChange no longer accepts calls.
func (p *Planner) Finalize() []*filemap.Entry {
	p.finalized = p.fm.Finalize()
	p.phase = phaseDone
	return p.finalized
}
