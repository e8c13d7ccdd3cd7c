package pgcontrol

import (
	"errors"
	"testing"

	"github.com/chocapikk/pgresync/internal/rerrors"
)

func okInfo() Info {
	return Info{
		SystemID:            123456789,
		ControlVersion:      KnownControlVersion,
		CatalogVersion:      KnownCatalogVersion,
		CurrentTLI:          3,
		LastCheckpoint:      0x01000060,
		LastCheckpointRedo:  0x01000028,
		State:               StateShutdownClean,
		DataChecksumVersion: KnownDataChecksumVersion(),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := okInfo()
	want.WALLogHintbits = true
	got, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode(make([]byte, ControlFileSize-1))
	if err == nil {
		t.Fatal("expected an error for a truncated control file")
	}
}

func TestFormatLSN(t *testing.T) {
	cases := []struct {
		lsn  LogicalPos
		want string
	}{
		{0, "0/0"},
		{0x01000060, "0/1000060"},
		{0x100000000, "1/0"},
	}
	for _, c := range cases {
		if got := c.lsn.FormatLSN(); got != c.want {
			t.Errorf("FormatLSN(%d) = %q, want %q", uint64(c.lsn), got, c.want)
		}
	}
}

func TestSanityDifferentSystems(t *testing.T) {
	target := okInfo()
	source := okInfo()
	source.SystemID = target.SystemID + 1
	source.CurrentTLI = target.CurrentTLI + 1

	err := Sanity(target, source)
	if err == nil {
		t.Fatal("expected an error for mismatched system identifiers")
	}
}

func TestSanityVersionMismatch(t *testing.T) {
	target := okInfo()
	source := okInfo()
	source.CurrentTLI = target.CurrentTLI + 1
	target.ControlVersion++

	if err := Sanity(target, source); err == nil {
		t.Fatal("expected an error for control version mismatch")
	}
}

func TestSanityChecksumsOrHintbitsRequired(t *testing.T) {
	target := okInfo()
	source := okInfo()
	source.CurrentTLI = target.CurrentTLI + 1
	target.DataChecksumVersion = 0
	target.WALLogHintbits = false

	if err := Sanity(target, source); err == nil {
		t.Fatal("expected an error when neither checksums nor hint bit logging are enabled")
	}

	target.WALLogHintbits = true
	if err := Sanity(target, source); err != nil {
		t.Errorf("wal_log_hints should satisfy the checksum precondition, got %v", err)
	}
}

func TestSanityTargetNotShutDownCleanly(t *testing.T) {
	target := okInfo()
	source := okInfo()
	source.CurrentTLI = target.CurrentTLI + 1
	target.State = StateInProduction

	if err := Sanity(target, source); err == nil {
		t.Fatal("expected an error for a target that is not shut down cleanly")
	}
}

func TestSanitySameTimelineIsFatal(t *testing.T) {
	target := okInfo()
	source := okInfo()

	err := Sanity(target, source)
	if err == nil {
		t.Fatal("expected an error when both clusters are on the same timeline")
	}
	var envErr *rerrors.Environment
	if !errors.As(err, &envErr) {
		t.Errorf("got %T, want *rerrors.Environment", err)
	}
}

func TestSanityPasses(t *testing.T) {
	target := okInfo()
	source := okInfo()
	source.CurrentTLI = target.CurrentTLI + 1

	if err := Sanity(target, source); err != nil {
		t.Errorf("expected a clean pass, got %v", err)
	}
}
