// Package pgtimeline parses timeline history files and finds the last
// common ancestor timeline between a target and source cluster: walk the
// source's history backwards until an entry's timeline equals the target's
// current timeline.
package pgtimeline

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/chocapikk/pgresync/internal/pgcontrol"
	"github.com/chocapikk/pgresync/internal/rerrors"
)

// Entry is one line of a .history file: the timeline that ended, the LSN
// at which it ended (where a new timeline begins), and the recorded reason.
type Entry struct {
	TLI    uint32
	End    pgcontrol.LogicalPos
	Reason string
}

// HistoryFileName returns the path, relative to the data directory, of
// tli's history file, e.g. pg_wal/00000003.history.
func HistoryFileName(tli uint32) string {
	return "pg_wal/" + padHex8(tli) + ".history"
}

func padHex8(v uint32) string {
	const digits = "0123456789ABCDEF"
	buf := [8]byte{'0', '0', '0', '0', '0', '0', '0', '0'}
	i := 8
	for v > 0 && i > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[:])
}

// Parse reads a .history file's contents into a sequence of Entry values,
// in file order (oldest timeline first), plus a synthetic trailing entry
// for currentTLI itself whose End is unknown: the history file records
// only closed timelines, the current one is still open-ended.
func Parse(data []byte, currentTLI uint32) ([]Entry, error) {
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("malformed history line: %q", line)
		}
		tli, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed timeline ID in history line: %q", line)
		}
		end, err := parseLSN(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed LSN in history line: %q", line)
		}
		reason := ""
		if len(fields) > 2 {
			reason = strings.Join(fields[2:], " ")
		}
		entries = append(entries, Entry{TLI: uint32(tli), End: end, Reason: reason})
	}
	entries = append(entries, Entry{TLI: currentTLI})
	return entries, nil
}

func parseLSN(s string) (pgcontrol.LogicalPos, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, errors.Errorf("LSN %q missing '/'", s)
	}
	hiv, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, err
	}
	lov, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, err
	}
	return pgcontrol.LogicalPos(hiv<<32 | lov), nil
}

// HistoryFetcher retrieves the raw bytes of a source-cluster history file.
// The driver supplies an implementation backed by whichever backend.FetchBackend
// is in use (local read or remote wire fetch); pgtimeline stays agnostic of
// how the bytes were obtained.
type HistoryFetcher func(path string) ([]byte, error)

// FindCommonAncestor determines the timeline and LSN at which the target
// and source clusters' histories diverge. If sourceTLI is 1, there is no
// history file to consult (timeline 1 never forks from anything) and the
// ancestor is simply timeline 1 from the beginning of WAL.
func FindCommonAncestor(targetTLI, sourceTLI uint32, fetch HistoryFetcher) (ancestorTLI uint32, divergeLSN pgcontrol.LogicalPos, err error) {
	var history []Entry
	if sourceTLI == 1 {
		history = []Entry{{TLI: 1}}
	} else {
		path := HistoryFileName(sourceTLI)
		data, ferr := fetch(path)
		if ferr != nil {
			return 0, 0, rerrors.NewRead("fetch-history", path, ferr)
		}
		history, err = Parse(data, sourceTLI)
		if err != nil {
			return 0, 0, rerrors.NewEnvironment("parse-history", path, err)
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TLI == targetTLI {
			return history[i].TLI, history[i].End, nil
		}
	}
	return 0, 0, rerrors.NewEnvironment("find-common-ancestor", "",
		errors.New("could not find a common ancestor between the target and source cluster's timelines"))
}
