package folder

import "testing"

func TestLeafInsertAndLookup(t *testing.T) {
	b := newTestBuilder(t, 64)
	lf, err := NewLeaf(b, false)
	if err != nil {
		t.Fatalf("NewLeaf: %v", err)
	}

	if _, err := lf.Insert("a.txt", KindFile, 5); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := lf.Insert("sub", KindFolder, 6); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	info, ok, err := lf.Lookup("a.txt")
	if err != nil || !ok {
		t.Fatalf("Lookup(a.txt) = %v, %v, %v", info, ok, err)
	}
	if info.Kind != KindFile || info.First != 5 {
		t.Fatalf("Lookup(a.txt) = %+v, want Kind=File First=5", info)
	}

	if _, ok, err := lf.Lookup("missing"); err != nil || ok {
		t.Fatalf("Lookup(missing) = %v, %v, want false", ok, err)
	}
}

func TestLeafReopenPreservesEntries(t *testing.T) {
	b := newTestBuilder(t, 64)
	lf, err := NewLeaf(b, false)
	if err != nil {
		t.Fatalf("NewLeaf: %v", err)
	}
	start := lf.Start()
	if _, err := lf.Insert("one", KindFile, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := lf.Insert("two", KindFile, 11); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenLeaf(b, start)
	if err != nil {
		t.Fatalf("OpenLeaf: %v", err)
	}
	entries, err := reopened.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(Entries()) = %d, want 2", len(entries))
	}
}

func TestLeafTombstoneReuseKeepsSlotIndex(t *testing.T) {
	b := newTestBuilder(t, 64)
	lf, err := NewLeaf(b, false)
	if err != nil {
		t.Fatalf("NewLeaf: %v", err)
	}

	first, err := lf.Insert("one", KindFile, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lf.Insert("two", KindFile, 11); err != nil {
		t.Fatal(err)
	}
	if err := lf.Remove("one"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reinserted, err := lf.Insert("three", KindFile, 12)
	if err != nil {
		t.Fatalf("Insert after remove: %v", err)
	}
	if reinserted.RecordIndex != first.RecordIndex {
		t.Fatalf("reinserted record index = %d, want reused tombstone slot %d", reinserted.RecordIndex, first.RecordIndex)
	}

	if _, ok, err := lf.Lookup("one"); err != nil || ok {
		t.Fatalf("Lookup(one) after remove = %v, %v, want false", ok, err)
	}
	live, err := lf.LiveCount()
	if err != nil {
		t.Fatal(err)
	}
	if live != 2 {
		t.Fatalf("LiveCount() = %d, want 2", live)
	}
}

func TestLeafRemoveThenUnlinkReleasesBlocks(t *testing.T) {
	b := newTestBuilder(t, 4)
	lf, err := NewLeaf(b, false)
	if err != nil {
		t.Fatalf("NewLeaf: %v", err)
	}
	if _, err := lf.Insert("a", KindFile, 1); err != nil {
		t.Fatal(err)
	}
	if err := lf.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
}
