package flags

import "testing"

func TestUnknownFlagDefaultsToEnforced(t *testing.T) {
	s := New(nil)
	if !s.Enforced("never_registered") {
		t.Fatal("unknown flag must read as enforced")
	}
}

func TestSetEnforcedFlips(t *testing.T) {
	s := New(map[string]bool{ArchiveBlocking: true})
	if !s.Enforced(ArchiveBlocking) {
		t.Fatal("initial value lost")
	}
	s.SetEnforced(ArchiveBlocking, false)
	if s.Enforced(ArchiveBlocking) {
		t.Fatal("downgrade not visible")
	}
	s.SetEnforced(ArchiveBlocking, true)
	if !s.Enforced(ArchiveBlocking) {
		t.Fatal("re-enforce not visible")
	}
}

func TestKnownOnlyReportsRegisteredFlags(t *testing.T) {
	s := New(map[string]bool{ArchiveBlocking: true})
	if !s.Known(ArchiveBlocking) {
		t.Fatal("registered flag not known")
	}
	if s.Known("never_registered") {
		t.Fatal("unregistered flag reported as known")
	}
}

func TestSnapshotSorted(t *testing.T) {
	s := New(map[string]bool{RedactionFailClosed: true, ArchiveBlocking: false})
	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len %d", len(snap))
	}
	if snap[0].Name != ArchiveBlocking || snap[1].Name != RedactionFailClosed {
		t.Fatalf("snapshot order: %+v", snap)
	}
	if snap[0].Enforced || !snap[1].Enforced {
		t.Fatalf("snapshot values: %+v", snap)
	}
}
