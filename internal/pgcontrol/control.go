// Package pgcontrol decodes the fixed-size pg_control artifact and runs the
// sanity protocol the driver must pass before planning a rewind. The byte
// layout is a deliberately simplified stand-in for PostgreSQL's
// ControlFileData: a small fixed header of little-endian integers is enough
// to carry every field the planner and timeline code need, without pulling
// in the server's full catalog/pg_control.h layout.
package pgcontrol

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/chocapikk/pgresync/internal/rerrors"
)

// ControlFileSize is the compile-time-fixed byte size of the artifact.
// A pg_control whose size disagrees with this build is foreign and is
// always rejected.
const ControlFileSize = 72

// KnownControlVersion and KnownCatalogVersion are the versions this build
// understands; a real deployment ties these to the server build it targets.
const (
	KnownControlVersion = 13
	KnownCatalogVersion = 202307071
)

// State mirrors DBState from the server: whether the cluster was shut down
// cleanly, is in recovery, or is running.
type State uint32

const (
	StateShutdownClean State = iota
	StateShutdownInRecovery
	StateInRecovery
	StateInProduction
)

// LogicalPos is a 64-bit monotonically increasing position in the WAL
// stream. It is comparable and subtractable like any other integer.
type LogicalPos uint64

// FormatLSN renders pos the way PostgreSQL prints an LSN: "<hi>/<lo>" in hex.
func (pos LogicalPos) FormatLSN() string {
	return formatLSN(uint64(pos))
}

func formatLSN(lsn uint64) string {
	return hex32(uint32(lsn>>32)) + "/" + hex32(uint32(lsn))
}

func hex32(v uint32) string {
	const digits = "0123456789ABCDEF"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}

// Info is a read-only snapshot of one cluster's control file, decoded once.
type Info struct {
	SystemID            uint64
	ControlVersion      uint32
	CatalogVersion      uint32
	CurrentTLI          uint32
	LastCheckpoint      LogicalPos
	LastCheckpointRedo  LogicalPos
	State               State
	DataChecksumVersion uint32
	WALLogHintbits      bool
}

// field byte offsets within the fixed control-file layout.
const (
	offSystemID       = 0
	offControlVersion = 8
	offCatalogVersion = 12
	offCurrentTLI     = 16
	offCheckpoint     = 20
	offCheckpointRedo = 28
	offState          = 36
	offChecksumVer    = 40
	offHintbits       = 44
)

// Decode parses a raw pg_control byte blob into an Info, rejecting any
// input whose length does not exactly equal ControlFileSize.
func Decode(data []byte) (Info, error) {
	if len(data) != ControlFileSize {
		return Info{}, errors.Errorf("control file is %d bytes, expected %d", len(data), ControlFileSize)
	}
	var info Info
	info.SystemID = binary.LittleEndian.Uint64(data[offSystemID:])
	info.ControlVersion = binary.LittleEndian.Uint32(data[offControlVersion:])
	info.CatalogVersion = binary.LittleEndian.Uint32(data[offCatalogVersion:])
	info.CurrentTLI = binary.LittleEndian.Uint32(data[offCurrentTLI:])
	info.LastCheckpoint = LogicalPos(binary.LittleEndian.Uint64(data[offCheckpoint:]))
	info.LastCheckpointRedo = LogicalPos(binary.LittleEndian.Uint64(data[offCheckpointRedo:]))
	info.State = State(binary.LittleEndian.Uint32(data[offState:]))
	info.DataChecksumVersion = binary.LittleEndian.Uint32(data[offChecksumVer:])
	info.WALLogHintbits = data[offHintbits] != 0
	return info, nil
}

// Encode is the inverse of Decode; primarily useful for tests that need to
// construct a synthetic pg_control.
func Encode(info Info) []byte {
	data := make([]byte, ControlFileSize)
	binary.LittleEndian.PutUint64(data[offSystemID:], info.SystemID)
	binary.LittleEndian.PutUint32(data[offControlVersion:], info.ControlVersion)
	binary.LittleEndian.PutUint32(data[offCatalogVersion:], info.CatalogVersion)
	binary.LittleEndian.PutUint32(data[offCurrentTLI:], info.CurrentTLI)
	binary.LittleEndian.PutUint64(data[offCheckpoint:], uint64(info.LastCheckpoint))
	binary.LittleEndian.PutUint64(data[offCheckpointRedo:], uint64(info.LastCheckpointRedo))
	binary.LittleEndian.PutUint32(data[offState:], uint32(info.State))
	binary.LittleEndian.PutUint32(data[offChecksumVer:], info.DataChecksumVersion)
	if info.WALLogHintbits {
		data[offHintbits] = 1
	}
	return data
}

// Sanity runs the mandatory pre-planning checks against a target/source
// pair, in the same order and with the same fatal conditions as
// pg_rewind's sanityChecks(). A nil return means planning may proceed.
// Two clusters already on the same timeline have nothing to rewind
// between them, and asking for one is treated as an operator error
// rather than a silent success.
func Sanity(target, source Info) error {
	if target.SystemID != source.SystemID {
		return rerrors.Environmentf("sanity-check", "global/pg_control",
			"target and source clusters are from different systems (system id %d vs %d)",
			target.SystemID, source.SystemID)
	}
	if target.ControlVersion != KnownControlVersion || source.ControlVersion != KnownControlVersion ||
		target.CatalogVersion != KnownCatalogVersion || source.CatalogVersion != KnownCatalogVersion {
		return rerrors.Environmentf("sanity-check", "global/pg_control",
			"control or catalog version mismatch: this build understands control version %d, catalog version %d",
			KnownControlVersion, KnownCatalogVersion)
	}
	if target.DataChecksumVersion != KnownDataChecksumVersion() && !target.WALLogHintbits {
		return rerrors.Environmentf("sanity-check", "global/pg_control",
			"target must have data checksums enabled or wal_log_hints on: hint-bit writes can otherwise tear pages undetectably")
	}
	if target.State != StateShutdownClean {
		return rerrors.Environmentf("sanity-check", "global/pg_control",
			"target instance was not shut down cleanly (state=%d)", target.State)
	}
	if target.CurrentTLI == source.CurrentTLI {
		return rerrors.Environmentf("sanity-check", "global/pg_control",
			"source and target cluster are both on timeline %d, nothing to rewind", target.CurrentTLI)
	}
	return nil
}

// KnownDataChecksumVersion is the checksum algorithm version this build
// recognizes. CRC verification of the control file itself is not performed.
func KnownDataChecksumVersion() uint32 { return 1 }
