// Package backend abstracts the one thing the planner and executor need
// from a cluster: its file list, a way to read ranges of a file, and a way
// to check whether two directories are secretly the same one. Two
// implementations exist: LocalBackend reads a filesystem directory
// directly, RemoteBackend talks to a running server over a pgx.Conn, the
// same split pg_rewind makes between its local-copy and libpq fetch
// modes.
package backend

import (
	"context"

	"github.com/chocapikk/pgresync/internal/filemap"
)

// FileStat describes one entry as reported by a FetchBackend's directory
// listing.
type FileStat struct {
	Path       string
	Type       filemap.FileType
	Size       int64
	LinkTarget string
}

// FetchBackend is the capability surface the driver needs from a source or
// target cluster. Every method takes a context so a SIGINT can cancel an
// in-flight syscall or query.
type FetchBackend interface {
	// ListFiles walks the whole data directory tree rooted at root,
	// invoking visit once per entry in an unspecified order.
	ListFiles(ctx context.Context, visit func(FileStat) error) error

	// FetchFile returns the complete contents of path.
	FetchFile(ctx context.Context, path string) ([]byte, error)

	// FetchRange returns length bytes of path starting at offset, used for
	// both a relation's changed pages and the executor's tail copies.
	FetchRange(ctx context.Context, path string, offset, length int64) ([]byte, error)

	// Identity returns an opaque string identifying the storage this
	// backend is rooted at (device+inode for LocalBackend, the server's
	// data_directory setting for RemoteBackend), used by the driver's
	// same-directory safety check before anything is read or written.
	Identity(ctx context.Context) (string, error)
}

// ChunkRequest names one byte range to fetch, the unit a ChunkFetcher bulk
// request is built from.
type ChunkRequest struct {
	Path   string
	Begin  int64
	Length int64
}

// ChunkFetcher is implemented by backends that can batch many byte-range
// requests into a single round trip. RemoteBackend implements it via a
// staging table and pgx.CopyFrom; LocalBackend does not, since positioned
// reads against an already-open fd are cheap enough on their own.
type ChunkFetcher interface {
	FetchChunks(ctx context.Context, requests []ChunkRequest, onChunk func(ChunkResult) error) error
}

// ChunkResult is one row of the streamed response to a bulk chunk fetch. A
// nil Bytes means the file no longer exists on the source.
type ChunkResult struct {
	Path  string
	Begin int64
	Bytes []byte
}
