package shm

import "testing"

func TestKeyIsStableAndTagged(t *testing.T) {
	if Key("sitelock") != Key("sitelock") {
		t.Fatal("key must be deterministic")
	}
	if Key("sitelock") == Key("other") {
		t.Fatal("different identifiers should map to different keys")
	}
	if got := Key(DefaultIdentifier) >> 24; got != projectID {
		t.Fatalf("project id byte = %q, want %q", rune(got), rune(projectID))
	}
}

func TestSlotVariables(t *testing.T) {
	seg := make([]byte, segmentSize)

	if hasVar(seg, lockSlot) {
		t.Fatal("fresh segment must be empty")
	}
	if removeVar(seg, lockSlot) {
		t.Fatal("removing a missing variable must report false")
	}

	putVar(seg, lockSlot, "maintenance")
	if !hasVar(seg, lockSlot) || getVar(seg, lockSlot) != "maintenance" {
		t.Fatalf("getVar = %q", getVar(seg, lockSlot))
	}
	if hasVar(seg, 0) || hasVar(seg, 2) {
		t.Fatal("neighbouring slots must stay untouched")
	}

	if !removeVar(seg, lockSlot) || hasVar(seg, lockSlot) {
		t.Fatal("removeVar did not clear the slot")
	}
}
