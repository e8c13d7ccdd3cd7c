// Package executor applies a finalized filemap plan to a target directory,
// fetching content through a backend.FetchBackend and writing it through a
// TargetWriter that reuses one open destination file descriptor across
// consecutive writes to the same path, the way a single pg_rewind run
// never has more than one destination fd open at once.
package executor

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/chocapikk/pgresync/internal/backend"
	"github.com/chocapikk/pgresync/internal/filemap"
	"github.com/chocapikk/pgresync/internal/pgcontrol"
	"github.com/chocapikk/pgresync/internal/relpath"
)

// TargetWriter owns at most one destination file descriptor and performs
// positioned writes against it, retrying short writes the way
// unix.Pwrite callers must.
type TargetWriter struct {
	root   string
	dryRun bool

	openPath string
	file     *os.File
}

// NewTargetWriter returns a TargetWriter rooted at root. When dryRun is
// true every mutating call becomes a no-op.
func NewTargetWriter(root string, dryRun bool) *TargetWriter {
	return &TargetWriter{root: root, dryRun: dryRun}
}

// Close releases the currently-open destination file descriptor, if any.
func (w *TargetWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.openPath = ""
	return err
}

// openForWrite ensures path is the currently open destination, truncating
// and reopening it fresh when truncate is true or a different path was
// previously open.
func (w *TargetWriter) openForWrite(path string, truncate bool) error {
	if w.openPath == path && w.file != nil && !truncate {
		return nil
	}
	if err := w.Close(); err != nil {
		return err
	}
	full := filepath.Join(w.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(full, flags, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.openPath = path
	return nil
}

// WriteAt writes data at offset into path, retrying on short writes.
func (w *TargetWriter) WriteAt(path string, offset int64, data []byte) error {
	if w.dryRun {
		return nil
	}
	if err := w.openForWrite(path, false); err != nil {
		return errors.Wrapf(err, "opening %q for write", path)
	}
	fd := int(w.file.Fd())
	for len(data) > 0 {
		n, err := unix.Pwrite(fd, data, offset)
		if err != nil {
			return errors.Wrapf(err, "pwrite %q at offset %d", path, offset)
		}
		if n == 0 {
			return errors.Errorf("pwrite %q at offset %d wrote zero bytes", path, offset)
		}
		data = data[n:]
		offset += int64(n)
	}
	return nil
}

// Truncate closes any open destination and truncates path to newSize: to 0
// before the caller writes a full replacement (the COPY action), or to the
// final size when no further writes follow (the TRUNCATE action).
func (w *TargetWriter) Truncate(path string, newSize int64) error {
	if w.dryRun {
		return nil
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Truncate(filepath.Join(w.root, path), newSize)
}

// Mkdir creates a directory at path.
func (w *TargetWriter) Mkdir(path string) error {
	if w.dryRun {
		return nil
	}
	return os.Mkdir(filepath.Join(w.root, path), 0o700)
}

// Symlink creates a symlink at path pointing at target.
func (w *TargetWriter) Symlink(path, target string) error {
	if w.dryRun {
		return nil
	}
	return os.Symlink(target, filepath.Join(w.root, path))
}

// Remove deletes the file or directory at path, tolerating ENOENT.
func (w *TargetWriter) Remove(path string, isDir bool) error {
	if w.dryRun {
		return nil
	}
	full := filepath.Join(w.root, path)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Executor applies a finalized plan, pulling content from source through a
// backend.FetchBackend and writing it to the target root through a
// TargetWriter.
type Executor struct {
	source backend.FetchBackend
	writer *TargetWriter
}

// New returns an Executor that fetches from source and writes through writer.
func New(source backend.FetchBackend, writer *TargetWriter) *Executor {
	return &Executor{source: source, writer: writer}
}

// Execute applies every entry in plan, in order.
func (e *Executor) Execute(ctx context.Context, plan []*filemap.Entry) error {
	defer e.writer.Close()

	for _, entry := range plan {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.applyPages(ctx, entry); err != nil {
			return errors.Wrapf(err, "applying page changes for %q", entry.Path)
		}
		if err := e.applyAction(ctx, entry); err != nil {
			return errors.Wrapf(err, "applying %s to %q", entry.Action, entry.Path)
		}
	}
	return nil
}

func (e *Executor) applyPages(ctx context.Context, entry *filemap.Entry) error {
	if entry.Pages == nil || entry.Pages.Empty() {
		return nil
	}
	if fetcher, ok := e.source.(backend.ChunkFetcher); ok {
		return e.applyPagesBulk(ctx, fetcher, entry)
	}

	var outerErr error
	entry.Pages.Iterate(func(block uint32) {
		if outerErr != nil {
			return
		}
		offset := int64(block) * relpath.BlockSize
		data, err := e.source.FetchRange(ctx, entry.Path, offset, relpath.BlockSize)
		if err != nil {
			outerErr = err
			return
		}
		outerErr = e.writer.WriteAt(entry.Path, offset, data)
	})
	return outerErr
}

// applyPagesBulk batches every changed block of entry into one FetchChunks
// round trip instead of one FetchRange per block, the path a RemoteBackend
// source takes.
func (e *Executor) applyPagesBulk(ctx context.Context, fetcher backend.ChunkFetcher, entry *filemap.Entry) error {
	var requests []backend.ChunkRequest
	entry.Pages.Iterate(func(block uint32) {
		requests = append(requests, backend.ChunkRequest{
			Path:   entry.Path,
			Begin:  int64(block) * relpath.BlockSize,
			Length: relpath.BlockSize,
		})
	})

	return fetcher.FetchChunks(ctx, requests, func(res backend.ChunkResult) error {
		if res.Bytes == nil {
			// The file vanished on the source mid-run; drop the target's
			// copy rather than leave a half-updated file behind.
			return e.writer.Remove(res.Path, false)
		}
		return e.writer.WriteAt(res.Path, res.Begin, res.Bytes)
	})
}

func (e *Executor) applyAction(ctx context.Context, entry *filemap.Entry) error {
	switch entry.Action {
	case filemap.ActionNone:
		return nil

	case filemap.ActionCopy:
		data, err := e.source.FetchRange(ctx, entry.Path, 0, entry.NewSize)
		if err != nil {
			return err
		}
		if err := e.writer.Truncate(entry.Path, 0); err != nil && !os.IsNotExist(err) {
			return err
		}
		return e.writer.WriteAt(entry.Path, 0, data)

	case filemap.ActionCopyTail:
		length := entry.NewSize - entry.OldSize
		if length <= 0 {
			return nil
		}
		data, err := e.source.FetchRange(ctx, entry.Path, entry.OldSize, length)
		if err != nil {
			return err
		}
		return e.writer.WriteAt(entry.Path, entry.OldSize, data)

	case filemap.ActionTruncate:
		return e.writer.Truncate(entry.Path, entry.NewSize)

	case filemap.ActionCreate:
		switch entry.Type {
		case filemap.TypeDirectory:
			return e.writer.Mkdir(entry.Path)
		case filemap.TypeSymlink:
			return e.writer.Symlink(entry.Path, entry.LinkTarget)
		default:
			return errors.Errorf("cannot create a regular file via CREATE: %q", entry.Path)
		}

	case filemap.ActionRemove:
		return e.writer.Remove(entry.Path, entry.Type == filemap.TypeDirectory)

	default:
		return errors.Errorf("unhandled action %s for %q", entry.Action, entry.Path)
	}
}

// WriteBackupLabel writes the recovery-anchor file at the target root,
// forcing recovery to begin at the last common checkpoint. now is passed in
// rather than taken from time.Now so callers can keep the function
// deterministic in tests.
func WriteBackupLabel(root string, dryRun bool, startLSN pgcontrol.LogicalPos, startTLI uint32, checkpointLoc pgcontrol.LogicalPos, now string) error {
	if dryRun {
		return nil
	}
	segNo := uint64(startLSN) / relpath.SegmentBytes
	walFileName := walSegmentName(startTLI, segNo)

	content := "START WAL LOCATION: " + startLSN.FormatLSN() + " (file " + walFileName + ")\n" +
		"CHECKPOINT LOCATION: " + checkpointLoc.FormatLSN() + "\n" +
		"BACKUP METHOD: rewound with pg_rewind\n" +
		"BACKUP FROM: master\n" +
		"START TIME: " + now + "\n"

	path := filepath.Join(root, "backup_label")
	return os.WriteFile(path, []byte(content), 0o600)
}

func walSegmentName(tli uint32, segNo uint64) string {
	const digits = "0123456789ABCDEF"
	hex := func(v uint64, width int) []byte {
		buf := make([]byte, width)
		for i := width - 1; i >= 0; i-- {
			buf[i] = digits[v&0xF]
			v >>= 4
		}
		return buf
	}
	out := make([]byte, 0, 24)
	out = append(out, hex(uint64(tli), 8)...)
	out = append(out, hex(segNo>>32, 8)...)
	out = append(out, hex(segNo&0xFFFFFFFF, 8)...)
	return string(out)
}
