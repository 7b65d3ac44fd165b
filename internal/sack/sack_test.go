package sack

import "testing"

func TestInsertNewEntry(t *testing.T) {
	var l List
	if !l.Insert(10, 5) {
		t.Fatalf("Insert failed")
	}
	entries := l.Entries()
	if len(entries) != 1 || entries[0] != (Entry{Offset: 10, Len: 5}) {
		t.Fatalf("Entries() = %+v", entries)
	}
}

func TestInsertMergeOverlapAtEnd(t *testing.T) {
	var l List
	l.Insert(10, 5) // [10,15)
	l.Insert(12, 10) // overlaps, extends to 22

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected merge into 1 entry, got %+v", entries)
	}
	if entries[0].Offset != 10 || entries[0].Len != 12 {
		t.Fatalf("got %+v, want offset=10 len=12", entries[0])
	}
}

func TestInsertMergeOverlapAtStart(t *testing.T) {
	var l List
	l.Insert(10, 5) // [10,15)
	l.Insert(5, 7)  // [5,12) overlaps start -> merge to [5,15)

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected merge into 1 entry, got %+v", entries)
	}
	if entries[0].Offset != 5 || entries[0].Len != 10 {
		t.Fatalf("got %+v, want offset=5 len=10", entries[0])
	}
}

func TestInsertDisjointBefore(t *testing.T) {
	var l List
	l.Insert(20, 5) // [20,25)
	l.Insert(0, 5)  // [0,5) strictly before, disjoint

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Offset != 0 || entries[1].Offset != 20 {
		t.Fatalf("entries not offset-ordered: %+v", entries)
	}
}

func TestInsertFullListRejectsDisjoint(t *testing.T) {
	var l List
	l.Insert(100, 1)
	l.Insert(200, 1)
	l.Insert(300, 1)
	l.Insert(400, 1)
	if !l.Full() {
		t.Fatalf("expected list full")
	}
	if l.Insert(0, 1) {
		t.Fatalf("Insert into full list with disjoint range should fail")
	}
}

func TestConsumeDropsPrecedingEntries(t *testing.T) {
	var l List
	l.Insert(10, 5) // [10,15)
	l.Insert(30, 5) // [30,35)

	l.Consume(20) // advances rcv.nxt past the first entry entirely

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry left, got %+v", entries)
	}
	if entries[0].Offset != 10 || entries[0].Len != 5 {
		t.Fatalf("got %+v, want offset=10 len=5", entries[0])
	}
}

func TestConsumeTrimsStraddlingEntry(t *testing.T) {
	var l List
	l.Insert(0, 10) // [0,10)

	l.Consume(5)

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %+v", entries)
	}
	if entries[0].Offset != 0 || entries[0].Len != 5 {
		t.Fatalf("got %+v, want offset=0 len=5", entries[0])
	}
}

func TestLeadingRun(t *testing.T) {
	var l List
	if l.LeadingRun() != 0 {
		t.Fatalf("LeadingRun() on empty list = %d, want 0", l.LeadingRun())
	}
	l.Insert(0, 7)
	if l.LeadingRun() != 7 {
		t.Fatalf("LeadingRun() = %d, want 7", l.LeadingRun())
	}
	l.Insert(20, 3)
	if l.LeadingRun() != 7 {
		t.Fatalf("LeadingRun() with gap after = %d, want 7", l.LeadingRun())
	}
}

func TestClear(t *testing.T) {
	var l List
	l.Insert(0, 5)
	l.Clear()
	if len(l.Entries()) != 0 {
		t.Fatalf("Entries() after Clear = %+v, want empty", l.Entries())
	}
}
