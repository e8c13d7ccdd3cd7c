package pgresync

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chocapikk/pgresync/internal/backend"
	"github.com/chocapikk/pgresync/internal/filemap"
	"github.com/chocapikk/pgresync/internal/pgcontrol"
	"github.com/chocapikk/pgresync/internal/walreplay"
)

type memBackend struct {
	name  string
	files map[string]backend.FileStat
	data  map[string][]byte
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, files: make(map[string]backend.FileStat), data: make(map[string][]byte)}
}

func (b *memBackend) putFile(path string, content []byte) {
	b.files[path] = backend.FileStat{Path: path, Type: filemap.TypeRegular, Size: int64(len(content))}
	b.data[path] = content
}

func (b *memBackend) ListFiles(ctx context.Context, visit func(backend.FileStat) error) error {
	for _, fs := range b.files {
		if err := visit(fs); err != nil {
			return err
		}
	}
	return nil
}

func (b *memBackend) FetchFile(ctx context.Context, path string) ([]byte, error) {
	return b.data[path], nil
}

func (b *memBackend) FetchRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	data := b.data[path]
	if offset+length > int64(len(data)) {
		length = int64(len(data)) - offset
	}
	if length < 0 {
		length = 0
	}
	return data[offset : offset+length], nil
}

func (b *memBackend) Identity(ctx context.Context) (string, error) { return b.name, nil }

func controlBytes(info pgcontrol.Info) []byte {
	info.ControlVersion = pgcontrol.KnownControlVersion
	info.CatalogVersion = pgcontrol.KnownCatalogVersion
	info.DataChecksumVersion = pgcontrol.KnownDataChecksumVersion()
	info.WALLogHintbits = true
	return pgcontrol.Encode(info)
}

func TestRunSameTimelineIsFatal(t *testing.T) {
	target := newMemBackend("target")
	target.putFile("global/pg_control", controlBytes(pgcontrol.Info{
		SystemID: 42, CurrentTLI: 3, State: pgcontrol.StateShutdownClean}))
	source := newMemBackend("source")
	source.putFile("global/pg_control", controlBytes(pgcontrol.Info{
		SystemID: 42, CurrentTLI: 3, State: pgcontrol.StateShutdownClean}))

	_, err := Run(context.Background(), Config{DryRun: true}, source, target, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "both on timeline")
}

func TestRunRejectsDifferentSystems(t *testing.T) {
	target := newMemBackend("target")
	target.putFile("global/pg_control", controlBytes(pgcontrol.Info{
		SystemID: 1, CurrentTLI: 3, State: pgcontrol.StateShutdownClean}))
	source := newMemBackend("source")
	source.putFile("global/pg_control", controlBytes(pgcontrol.Info{
		SystemID: 2, CurrentTLI: 4, State: pgcontrol.StateShutdownClean}))

	_, err := Run(context.Background(), Config{DryRun: true}, source, target, zap.NewNop())
	require.Error(t, err)
}

func TestRunRejectsSameDirectory(t *testing.T) {
	b := newMemBackend("shared")
	_, err := Run(context.Background(), Config{DryRun: true}, b, b, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "same underlying directory")
}

// WAL fixture builders, mirroring the on-disk record layout the replayer
// parses: 24-byte fixed header, then for a checkpoint record a short
// main-data chunk carrying the redo pointer, for a data record a single
// block reference.

func align8(n int) int { return (n + 7) &^ 7 }

func checkpointRecord(prev, redo uint64) []byte {
	body := make([]byte, 0, 10)
	body = append(body, 0xFF, 8)
	redoBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(redoBuf, redo)
	body = append(body, redoBuf...)

	rec := make([]byte, walreplay.XLogRecordSize+len(body))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint64(rec[8:16], prev)
	rec[16] = 0x00 // shutdown checkpoint
	rec[17] = 0    // XLOG resource manager
	copy(rec[walreplay.XLogRecordSize:], body)
	return rec
}

func blockRecord(prev uint64, db, rel, block uint32) []byte {
	body := make([]byte, 0, 20)
	body = append(body, 0)    // block id
	body = append(body, 0x00) // main fork, no image, no data
	tmp := make([]byte, 4)
	for _, v := range []uint32{0, db, rel, block} {
		binary.LittleEndian.PutUint32(tmp, v)
		body = append(body, tmp...)
	}
	body = append(body, 0xFF, 0)

	rec := make([]byte, walreplay.XLogRecordSize+len(body))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(rec)))
	binary.LittleEndian.PutUint64(rec[8:16], prev)
	rec[17] = 10 // heap resource manager
	copy(rec[walreplay.XLogRecordSize:], body)
	return rec
}

// buildSegment lays records out on one WAL page, returning the page bytes
// and each record's start LSN (segment 0, so offsets are LSNs).
func buildSegment(records ...[]byte) ([]byte, []uint64) {
	page := make([]byte, walreplay.PageSize)
	binary.LittleEndian.PutUint16(page[0:2], 0xD113)
	offsets := make([]uint64, 0, len(records))
	pos := walreplay.ShortHeaderSize
	for _, rec := range records {
		offsets = append(offsets, uint64(pos))
		copy(page[pos:], rec)
		pos = align8(pos + len(rec))
	}
	return page, offsets
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
		require.NoError(t, os.WriteFile(full, content, 0o600))
	}
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// The full pipeline against real directories: the target wrote one data
// page after the fork and then shut down; the source holds a shorter,
// newer copy of the relation, an extra file, and lacks one the target
// still has.
func TestRunRewindsLocalDirectories(t *testing.T) {
	ckpt1 := checkpointRecord(0, uint64(walreplay.ShortHeaderSize))
	ckpt1LSN := uint64(walreplay.ShortHeaderSize)
	dataLSN := uint64(align8(int(ckpt1LSN) + len(ckpt1)))
	dataRec := blockRecord(ckpt1LSN, 16384, 2001, 0)
	ckpt2LSN := uint64(align8(int(dataLSN) + len(dataRec)))
	ckpt2 := checkpointRecord(dataLSN, ckpt2LSN)
	segment, _ := buildSegment(ckpt1, dataRec, ckpt2)

	divergeLSN := dataLSN // source promoted where the target's post-fork write begins

	targetDir := t.TempDir()
	writeTree(t, targetDir, map[string][]byte{
		"global/pg_control": controlBytes(pgcontrol.Info{
			SystemID:           42,
			CurrentTLI:         2,
			LastCheckpoint:     pgcontrol.LogicalPos(ckpt2LSN),
			LastCheckpointRedo: pgcontrol.LogicalPos(ckpt2LSN),
			State:              pgcontrol.StateShutdownClean,
		}),
		"PG_VERSION":                      []byte("9.4\n"),
		"base/16384/2001":                 repeatByte('T', 2*8192),
		"base/16384/9999":                 []byte("stale"),
		"pg_wal/000000020000000000000000": segment,
	})

	sourceDir := t.TempDir()
	writeTree(t, sourceDir, map[string][]byte{
		"global/pg_control": controlBytes(pgcontrol.Info{
			SystemID:           42,
			CurrentTLI:         3,
			LastCheckpoint:     0x200,
			LastCheckpointRedo: 0x200,
			State:              pgcontrol.StateShutdownClean,
		}),
		"PG_VERSION":                []byte("9.4\n"),
		"base/16384/2001":           repeatByte('S', 8192),
		"base/16384/3000":           []byte("NEWFILE"),
		"pg_wal/00000003.history":   []byte("2\t" + pgcontrol.LogicalPos(divergeLSN).FormatLSN() + "\tforked\n"),
	})

	cfg := Config{TargetDataDir: targetDir, SourceDataDir: sourceDir}
	result, err := Run(context.Background(), cfg,
		backend.NewLocalBackend(sourceDir), backend.NewLocalBackend(targetDir), zap.NewNop())
	require.NoError(t, err)
	require.False(t, result.NoOpNeeded)
	require.Greater(t, result.PlanLength, 0)

	got, err := os.ReadFile(filepath.Join(targetDir, "base/16384/2001"))
	require.NoError(t, err)
	require.Equal(t, repeatByte('S', 8192), got, "relation should hold the source's page and be truncated to its size")

	_, err = os.Stat(filepath.Join(targetDir, "base/16384/9999"))
	require.True(t, os.IsNotExist(err), "file absent on the source should be removed")

	newFile, err := os.ReadFile(filepath.Join(targetDir, "base/16384/3000"))
	require.NoError(t, err)
	require.Equal(t, "NEWFILE", string(newFile))

	ctrl, err := os.ReadFile(filepath.Join(targetDir, "global/pg_control"))
	require.NoError(t, err)
	info, err := pgcontrol.Decode(ctrl)
	require.NoError(t, err)
	require.EqualValues(t, 3, info.CurrentTLI, "target should adopt the source's control file")

	label, err := os.ReadFile(filepath.Join(targetDir, "backup_label"))
	require.NoError(t, err)
	want := "START WAL LOCATION: " + pgcontrol.LogicalPos(ckpt1LSN).FormatLSN() +
		" (file 000000020000000000000000)\n" +
		"CHECKPOINT LOCATION: " + pgcontrol.LogicalPos(ckpt1LSN).FormatLSN() + "\n"
	require.Contains(t, string(label), want)
	require.Contains(t, string(label), "BACKUP METHOD: rewound with pg_rewind\n")
	require.Contains(t, string(label), "BACKUP FROM: master\n")
}

// The target stopped writing exactly at the fork: its shutdown checkpoint
// record ends at the divergence point, so nothing needs rewinding.
func TestRunNoRewindWhenTargetIsAncestor(t *testing.T) {
	ckpt := checkpointRecord(0, uint64(walreplay.ShortHeaderSize))
	ckptLSN := uint64(walreplay.ShortHeaderSize)
	walEnd := uint64(align8(int(ckptLSN) + len(ckpt)))
	segment, _ := buildSegment(ckpt)

	targetDir := t.TempDir()
	writeTree(t, targetDir, map[string][]byte{
		"global/pg_control": controlBytes(pgcontrol.Info{
			SystemID:           42,
			CurrentTLI:         2,
			LastCheckpoint:     pgcontrol.LogicalPos(ckptLSN),
			LastCheckpointRedo: pgcontrol.LogicalPos(ckptLSN),
			State:              pgcontrol.StateShutdownClean,
		}),
		"pg_wal/000000020000000000000000": segment,
	})

	sourceDir := t.TempDir()
	writeTree(t, sourceDir, map[string][]byte{
		"global/pg_control": controlBytes(pgcontrol.Info{
			SystemID:       42,
			CurrentTLI:     3,
			LastCheckpoint: 0x200,
			State:          pgcontrol.StateShutdownClean,
		}),
		"pg_wal/00000003.history": []byte("2\t" + pgcontrol.LogicalPos(walEnd).FormatLSN() + "\tforked\n"),
	})

	cfg := Config{TargetDataDir: targetDir, SourceDataDir: sourceDir}
	result, err := Run(context.Background(), cfg,
		backend.NewLocalBackend(sourceDir), backend.NewLocalBackend(targetDir), zap.NewNop())
	require.NoError(t, err)
	require.True(t, result.NoOpNeeded)

	_, err = os.Stat(filepath.Join(targetDir, "backup_label"))
	require.True(t, os.IsNotExist(err), "a declined rewind must not write a backup label")
}
