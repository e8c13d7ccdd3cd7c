// Package walreplay walks WAL records forward from an arbitrary LSN and
// extracts the set of relation blocks each record touched: resume parsing
// at any LSN, across however many segment files it takes, and report each
// record's block references as we go, rather than dumping a whole file.
package walreplay

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/chocapikk/pgresync/internal/pgcontrol"
	"github.com/chocapikk/pgresync/internal/relpath"
)

// Page and record geometry, matching PostgreSQL's on-disk WAL layout.
const (
	PageSize        = 8192
	XLogRecordSize  = 24
	ShortHeaderSize = 24
	LongHeaderSize  = 40
)

const (
	xlpFirstIsContrecord = 0x0001
	xlpLongHeader        = 0x0002
)

// Resource manager IDs the replayer names explicitly. Block references are
// decoded from every record regardless of its resource manager; these IDs
// only identify checkpoint and transaction records.
const (
	rmXLOGID = 0
	rmXactID = 1
	rmSMGRID = 2
)

// xl_info values the XLOG resource manager uses for checkpoint records;
// a checkpoint's own record carries its redo pointer as the first field of
// its main data.
const (
	infoCheckpointShutdown = 0x00
	infoCheckpointOnline   = 0x10
)

// BlockRef is one data-page reference carried by a WAL record: which
// relation, fork and block number it modifies.
type BlockRef struct {
	Rel   relpath.RelRef
	Block uint32
}

// Record is a single decoded WAL record, positioned at its LSN, together
// with the block references it carries. Full payload bytes are not kept:
// the driver only needs to know WHICH pages changed, not what changed in
// them (pg_rewind always copies the whole page from the source).
type Record struct {
	LSN      pgcontrol.LogicalPos
	PrevLSN  pgcontrol.LogicalPos
	RMID     uint8
	Info     uint8
	Blocks   []BlockRef
	MainData []byte
}

// CheckpointRedo reports the redo pointer carried by rec if it is an XLOG
// checkpoint record (shutdown or online), the value findLastCheckpoint
// walks the previous-record chain to find.
func (rec Record) CheckpointRedo() (pgcontrol.LogicalPos, bool) {
	if rec.RMID != rmXLOGID {
		return 0, false
	}
	if rec.Info != infoCheckpointShutdown && rec.Info != infoCheckpointOnline {
		return 0, false
	}
	if len(rec.MainData) < 8 {
		return 0, false
	}
	return pgcontrol.LogicalPos(binary.LittleEndian.Uint64(rec.MainData[:8])), true
}

func align8(n int) int { return (n + 7) &^ 7 }

// pageHeader holds the WAL page header fields the replayer consults;
// the rest of the on-disk header is skipped.
type pageHeader struct {
	Magic  uint16
	Info   uint16
	RemLen uint32
}

func parsePageHeader(data []byte) pageHeader {
	return pageHeader{
		Magic:  binary.LittleEndian.Uint16(data[0:2]),
		Info:   binary.LittleEndian.Uint16(data[2:4]),
		RemLen: binary.LittleEndian.Uint32(data[16:20]),
	}
}

// SegmentReader supplies one WAL segment file's bytes; the replayer stays
// agnostic of whether segments come from a local pg_wal directory or a
// backend.FetchBackend's remote fetch. fileName is the standard 24-hex-digit
// WAL segment filename (timeline + segment number).
type SegmentReader func(fileName string, tli uint32, segNo uint64) ([]byte, error)

const walSegmentBytes = relpath.SegmentBytes

// segmentFileName renders the canonical WAL segment filename, the same
// format util.c's XLogFileName produces.
func segmentFileName(tli uint32, segNo uint64) string {
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

// Replayer walks WAL records forward starting at a given LSN, across
// however many segment files are needed, calling a SegmentReader to fetch
// each segment on demand and caching only the current one.
type Replayer struct {
	tli  uint32
	read SegmentReader

	segNo   uint64
	segData []byte
}

// NewReplayer returns a Replayer that will start reading at startLSN on
// timeline tli.
func NewReplayer(tli uint32, startLSN pgcontrol.LogicalPos, read SegmentReader) *Replayer {
	segNo := uint64(startLSN) / walSegmentBytes
	return &Replayer{tli: tli, read: read, segNo: segNo}
}

func (r *Replayer) ensureSegment(segNo uint64) error {
	if r.segData != nil && r.segNo == segNo {
		return nil
	}
	data, err := r.read(segmentFileName(r.tli, segNo), r.tli, segNo)
	if err != nil {
		return err
	}
	r.segData = data
	r.segNo = segNo
	return nil
}

// ReadRecordsFrom replays every record between startLSN and endLSN
// (exclusive), invoking onRecord for each. It stops cleanly at endLSN; any
// incomplete record found there (WAL still being written when the scan was
// started) is simply not reported.
func (r *Replayer) ReadRecordsFrom(startLSN, endLSN pgcontrol.LogicalPos, onRecord func(Record) error) error {
	lsn := uint64(startLSN)
	end := uint64(endLSN)
	for lsn < end {
		segNo := lsn / walSegmentBytes
		offsetInSeg := lsn % walSegmentBytes
		if err := r.ensureSegment(segNo); err != nil {
			return errors.Wrapf(err, "reading WAL segment %s", segmentFileName(r.tli, segNo))
		}

		pageOffset := (offsetInSeg / PageSize) * PageSize
		if int(pageOffset)+ShortHeaderSize > len(r.segData) {
			return nil
		}
		page := r.segData[pageOffset:]
		hdr := parsePageHeader(page)
		headerSize := ShortHeaderSize
		if hdr.Info&xlpLongHeader != 0 {
			headerSize = LongHeaderSize
		}

		pos := int(offsetInSeg % PageSize)
		if pos < headerSize {
			pos = headerSize
			if hdr.Info&xlpFirstIsContrecord != 0 {
				pos += int(hdr.RemLen)
				pos = align8(pos)
			}
		}

		for pos+XLogRecordSize <= len(page) && pos+int(pageOffset) < len(r.segData) {
			absOffset := int(pageOffset) + pos
			if absOffset+XLogRecordSize > len(r.segData) {
				return nil
			}
			recLSN := segNo*walSegmentBytes + uint64(absOffset)
			if recLSN >= end {
				return nil
			}
			if recLSN < lsn {
				pos += XLogRecordSize
				continue
			}
			rec, consumed := parseXLogRecord(r.segData[absOffset:], recLSN)
			if consumed == 0 {
				return nil
			}
			if rec != nil {
				if err := onRecord(*rec); err != nil {
					return err
				}
			}
			pos += consumed
			pos = align8(pos)
			lsn = recLSN + uint64(consumed)
		}
		// No more complete records fit in this page (or this segment): advance
		// to the start of the next page and let the top of the loop re-derive
		// the segment/page/header for wherever that lands.
		nextPageLSN := segNo*walSegmentBytes + pageOffset + PageSize
		if nextPageLSN <= lsn {
			nextPageLSN = lsn + 1
		}
		lsn = nextPageLSN
	}
	return nil
}

// ReadOneRecord reads exactly one WAL record starting at ptr on timeline
// tli and returns it together with its end LSN: ptr plus the record's
// total length, rounded up to 8-byte alignment the way the server's
// EndRecPtr is, so the result compares equal to a timeline switchpoint.
// ptr must already sit on a record boundary; it does not hunt forward for
// the next valid record the way a continuation-spanning read would. Used
// both by FindLastCheckpoint's backward walk and by the driver, which asks
// whether the record at the target's last checkpoint location ends exactly
// at the divergence point.
func (r *Replayer) ReadOneRecord(ptr pgcontrol.LogicalPos, tli uint32) (Record, pgcontrol.LogicalPos, error) {
	lsn := uint64(ptr)
	segNo := lsn / walSegmentBytes
	offsetInSeg := lsn % walSegmentBytes

	data, err := r.read(segmentFileName(tli, segNo), tli, segNo)
	if err != nil {
		return Record{}, 0, errors.Wrapf(err, "reading WAL segment %s", segmentFileName(tli, segNo))
	}

	pageOffset := (offsetInSeg / PageSize) * PageSize
	if int(pageOffset)+ShortHeaderSize > len(data) {
		return Record{}, 0, errors.Errorf("no record at %s: truncated page", ptr.FormatLSN())
	}
	page := data[pageOffset:]
	hdr := parsePageHeader(page)
	headerSize := ShortHeaderSize
	if hdr.Info&xlpLongHeader != 0 {
		headerSize = LongHeaderSize
	}

	pos := int(offsetInSeg % PageSize)
	if pos < headerSize {
		pos = headerSize
	}
	absOffset := int(pageOffset) + pos
	if absOffset+XLogRecordSize > len(data) {
		return Record{}, 0, errors.Errorf("no complete record at %s", ptr.FormatLSN())
	}

	rec, consumed := parseXLogRecord(data[absOffset:], lsn)
	if consumed == 0 || rec == nil {
		return Record{}, 0, errors.Errorf("no valid record at %s", ptr.FormatLSN())
	}
	endLSN := pgcontrol.LogicalPos(lsn + uint64(align8(consumed)))
	return *rec, endLSN, nil
}

// FindLastCheckpoint scans backward from searchptr along each record's
// xl_prev chain until it reaches a checkpoint record whose redo pointer
// does not lie past searchptr, returning that record's own LSN, the
// timeline it was read on, and the redo pointer it carries: the three
// values the driver needs to know where WAL replay must resume.
func (r *Replayer) FindLastCheckpoint(searchptr pgcontrol.LogicalPos) (recLSN pgcontrol.LogicalPos, tli uint32, redoLSN pgcontrol.LogicalPos, err error) {
	ptr := searchptr
	for {
		rec, _, err := r.ReadOneRecord(ptr, r.tli)
		if err != nil {
			return 0, 0, 0, errors.Wrapf(err, "scanning backward for a checkpoint from %s", searchptr.FormatLSN())
		}
		if redo, ok := rec.CheckpointRedo(); ok && redo <= searchptr {
			return rec.LSN, r.tli, redo, nil
		}
		if rec.PrevLSN == 0 || uint64(rec.PrevLSN) >= uint64(ptr) {
			return 0, 0, 0, errors.Errorf("no checkpoint record found scanning backward from %s", searchptr.FormatLSN())
		}
		ptr = rec.PrevLSN
	}
}

func parseXLogRecord(data []byte, lsn uint64) (*Record, int) {
	if len(data) < XLogRecordSize {
		return nil, 0
	}
	totalLen := binary.LittleEndian.Uint32(data[0:4])
	if totalLen < XLogRecordSize || int(totalLen) > PageSize*2 {
		return nil, 0
	}
	if isZeroPadding(data) {
		return nil, 0
	}

	rec := &Record{
		LSN:     pgcontrol.LogicalPos(lsn),
		PrevLSN: pgcontrol.LogicalPos(binary.LittleEndian.Uint64(data[8:16])),
		Info:    data[16],
		RMID:    data[17],
	}

	if int(totalLen) > XLogRecordSize && int(totalLen) <= len(data) {
		rec.Blocks, rec.MainData = parseBlockRefs(data[XLogRecordSize:totalLen])
	}
	return rec, int(totalLen)
}

func isZeroPadding(data []byte) bool {
	for i := 0; i < 8 && i < len(data); i++ {
		if data[i] != 0 {
			return false
		}
	}
	return true
}

// parseBlockRefs decodes the backup-block and block-reference chunks that
// follow a record's fixed header, down to just relation+block identity (no
// image or FPW payload is retained; the whole page is always re-copied from
// the source regardless of what the WAL image contains). The chunk stream
// ends with a block ID of XLR_BLOCK_ID_DATA_SHORT (0xFF, one-byte length) or
// XLR_BLOCK_ID_DATA_LONG (0xFE, four-byte length) introducing the record's
// main data, which parseBlockRefs returns alongside the decoded blocks since
// a checkpoint record's redo pointer lives there.
func parseBlockRefs(data []byte) ([]BlockRef, []byte) {
	var blocks []BlockRef
	var mainData []byte
	pos := 0
	var lastRel relpath.RelRef
	haveLastRel := false

	for pos < len(data) {
		blockID := data[pos]
		pos++
		if blockID == 0xFF {
			if pos+1 > len(data) {
				break
			}
			n := int(data[pos])
			pos++
			if pos+n <= len(data) {
				mainData = data[pos : pos+n]
			}
			break
		}
		if blockID == 0xFE {
			if pos+4 > len(data) {
				break
			}
			n := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
			pos += 4
			if pos+n <= len(data) {
				mainData = data[pos : pos+n]
			}
			break
		}
		if blockID > 32 {
			break
		}
		if pos+1 > len(data) {
			break
		}
		forkFlags := data[pos]
		pos++

		hasImage := forkFlags&0x10 != 0
		hasData := forkFlags&0x20 != 0
		hasSameRel := forkFlags&0x40 != 0
		forkNum := forkFlags & 0x0F

		var ref relpath.RelRef
		if hasSameRel && haveLastRel {
			ref = lastRel
		} else if pos+12 <= len(data) {
			ref = relpath.RelRef{
				Tablespace: binary.LittleEndian.Uint32(data[pos : pos+4]),
				DBOid:      binary.LittleEndian.Uint32(data[pos+4 : pos+8]),
				RelOid:     binary.LittleEndian.Uint32(data[pos+8 : pos+12]),
			}
			pos += 12
			lastRel = ref
			haveLastRel = true
		} else {
			break
		}
		ref.Fork = forkKindFromWAL(forkNum)

		if pos+4 > len(data) {
			break
		}
		blockNum := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4

		if hasImage {
			if pos+2 > len(data) {
				break
			}
			imgLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			pos += 2 + imgLen
		}
		if hasData {
			if pos+2 > len(data) {
				break
			}
			dataLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			pos += 2 + dataLen
		}

		blocks = append(blocks, BlockRef{Rel: ref, Block: blockNum})
	}
	return blocks, mainData
}

func forkKindFromWAL(forkNum uint8) relpath.ForkKind {
	switch forkNum {
	case 1:
		return relpath.ForkFSM
	case 2:
		return relpath.ForkVM
	case 3:
		return relpath.ForkInit
	default:
		return relpath.ForkMain
	}
}

// IsTransactionCommitOrAbort reports whether rec is a transaction-commit
// or abort record (plain or prepared), as opposed to any other rmgr-XACT
// record.
func IsTransactionCommitOrAbort(rec Record) bool {
	if rec.RMID != rmXactID {
		return false
	}
	switch rec.Info & xactOpMask {
	case xactCommit, xactAbort, xactCommitPrepared, xactAbortPrepared:
		return true
	default:
		return false
	}
}

// xl_info operation codes of the XACT resource manager.
const (
	xactOpMask         = 0x70
	xactCommit         = 0x00
	xactAbort          = 0x20
	xactCommitPrepared = 0x30
	xactAbortPrepared  = 0x40
)
