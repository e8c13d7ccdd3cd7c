// RemoteBackend talks to a live source cluster over github.com/jackc/pgx/v5,
// the way the pgclone orchestrator drives its single pgx.Conn through
// pgx.Connect/conn.Query/conn.QueryRow. File listing and chunk reads go
// through a small set of server-side helper functions rather than a raw
// filesystem walk, since RemoteBackend never has local access to the
// source's data directory.
package backend

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/chocapikk/pgresync/internal/filemap"
)

// chunkMax bounds a single chunk fetch; larger ranges are split before
// being sent to the server.
const chunkMax = 1_000_000

// Querier is the subset of *pgx.Conn that RemoteBackend depends on, so
// tests can substitute a pgxmock connection.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// RemoteBackend implements FetchBackend against a live server.
type RemoteBackend struct {
	conn Querier
}

// NewRemoteBackend wraps an already-connected session. Connect (via
// pgx.Connect) happens in the driver, which owns the connection's
// lifetime.
func NewRemoteBackend(conn Querier) *RemoteBackend {
	return &RemoteBackend{conn: conn}
}

// Prepare runs the preflight checks and session defaults required before
// any listing or fetch: not in recovery, full-page writes on, and isolating
// session settings from whatever the server's defaults happen to be.
func (b *RemoteBackend) Prepare(ctx context.Context) error {
	var inRecovery bool
	if err := b.conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return errors.Wrap(err, "checking pg_is_in_recovery")
	}
	if inRecovery {
		return errors.New("source server is in recovery, refusing to use it as a rewind source")
	}

	var fullPageWrites string
	if err := b.conn.QueryRow(ctx, "SHOW full_page_writes").Scan(&fullPageWrites); err != nil {
		return errors.Wrap(err, "checking full_page_writes")
	}
	if fullPageWrites != "on" {
		return errors.New("source server must run with full_page_writes = on")
	}

	if _, err := b.conn.Exec(ctx, "SET synchronous_commit = off"); err != nil {
		return errors.Wrap(err, "setting synchronous_commit")
	}
	if _, err := b.conn.Exec(ctx, "SET search_path = ''"); err != nil {
		return errors.Wrap(err, "setting search_path")
	}
	return nil
}

// ListFiles enumerates every file under the server's data directory via
// the installed ls_dir() helper, a recursive listing joined against
// pg_tablespace to resolve symlink targets for tablespaces.
func (b *RemoteBackend) ListFiles(ctx context.Context, visit func(FileStat) error) error {
	rows, err := b.conn.Query(ctx, `SELECT path, size, is_dir, link_target FROM pgresync.ls_dir('.', true)`)
	if err != nil {
		return errors.Wrap(err, "listing source files")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			path       string
			size       int64
			isDir      bool
			linkTarget *string
		)
		if err := rows.Scan(&path, &size, &isDir, &linkTarget); err != nil {
			return errors.Wrap(err, "scanning ls_dir row")
		}
		stat := FileStat{Path: path, Size: size}
		switch {
		case isDir:
			stat.Type = filemap.TypeDirectory
		case linkTarget != nil:
			stat.Type = filemap.TypeSymlink
			stat.LinkTarget = *linkTarget
		default:
			stat.Type = filemap.TypeRegular
		}
		if err := visit(stat); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FetchFile reads the whole of path via read_binary_file, in chunkMax-sized
// pieces.
func (b *RemoteBackend) FetchFile(ctx context.Context, path string) ([]byte, error) {
	var size int64
	var isDir bool
	var linkTarget *string
	if err := b.conn.QueryRow(ctx, `SELECT size, is_dir, link_target FROM pgresync.stat_file($1, true)`, path).
		Scan(&size, &isDir, &linkTarget); err != nil {
		return nil, errors.Wrapf(err, "stat_file(%q)", path)
	}
	return b.FetchRange(ctx, path, 0, size)
}

// FetchRange reads length bytes of path starting at offset, splitting the
// request into chunkMax-sized pieces and issuing each through
// read_binary_file.
func (b *RemoteBackend) FetchRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		n := length
		if n > chunkMax {
			n = chunkMax
		}
		var chunk []byte
		err := b.conn.QueryRow(ctx, `SELECT bytes FROM pgresync.read_binary_file($1, $2, $3, true)`,
			path, offset, n).Scan(&chunk)
		if err != nil {
			return nil, errors.Wrapf(err, "read_binary_file(%q, %d, %d)", path, offset, n)
		}
		out = append(out, chunk...)
		offset += n
		length -= n
	}
	return out, nil
}

// Identity reports the server's data_directory setting, so the driver's
// same-storage safety check has something to compare. A LocalBackend
// identity is a "<dev>:<ino>" pair, never a path, so this value never
// matches a local target's identity, even when the server runs on the same
// host over the target's directory.
func (b *RemoteBackend) Identity(ctx context.Context) (string, error) {
	var dataDir string
	if err := b.conn.QueryRow(ctx, "SHOW data_directory").Scan(&dataDir); err != nil {
		return "", errors.Wrap(err, "reading data_directory")
	}
	return dataDir, nil
}

// chunkRequestSource adapts a slice of ChunkRequest to pgx.CopyFromSource,
// the shape pgx.CopyFrom needs to bulk-load the staging table in one round
// trip instead of one INSERT per requested range.
type chunkRequestSource struct {
	rows []ChunkRequest
	pos  int
}

func (s *chunkRequestSource) Next() bool {
	s.pos++
	return s.pos <= len(s.rows)
}

func (s *chunkRequestSource) Values() ([]interface{}, error) {
	r := s.rows[s.pos-1]
	return []interface{}{r.Path, r.Begin, r.Length}, nil
}

func (s *chunkRequestSource) Err() error { return nil }

// FetchChunks bulk-loads requests into a staging table via pgx.CopyFrom,
// then streams back one row per chunk, calling onChunk for each as it
// arrives rather than collecting the whole result set, so only one
// chunk's bytes are held in memory at a time.
func (b *RemoteBackend) FetchChunks(ctx context.Context, requests []ChunkRequest, onChunk func(ChunkResult) error) error {
	if len(requests) == 0 {
		return nil
	}
	// The session is reused across many bulk fetches; keep one staging
	// table alive and clear it between rounds.
	if _, err := b.conn.Exec(ctx,
		"CREATE TEMPORARY TABLE IF NOT EXISTS pgresync_chunk_requests (path text, begin_off int8, len int8)"); err != nil {
		return errors.Wrap(err, "creating staging table")
	}
	if _, err := b.conn.Exec(ctx, "TRUNCATE pgresync_chunk_requests"); err != nil {
		return errors.Wrap(err, "clearing staging table")
	}

	src := &chunkRequestSource{rows: requests}
	_, err := b.conn.CopyFrom(ctx,
		pgx.Identifier{"pgresync_chunk_requests"},
		[]string{"path", "begin_off", "len"},
		src)
	if err != nil {
		return errors.Wrap(err, "staging chunk requests")
	}

	rows, err := b.conn.Query(ctx, `
		SELECT r.path, r.begin_off, pgresync.read_binary_file(r.path, r.begin_off, r.len, true)
		FROM pgresync_chunk_requests r`)
	if err != nil {
		return errors.Wrap(err, "querying staged chunks")
	}
	defer rows.Close()

	for rows.Next() {
		var res ChunkResult
		if err := rows.Scan(&res.Path, &res.Begin, &res.Bytes); err != nil {
			return errors.Wrap(err, "scanning chunk row")
		}
		if err := onChunk(res); err != nil {
			return err
		}
	}
	return rows.Err()
}
