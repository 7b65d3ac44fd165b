package conntable

import (
	"math/rand"
	"testing"
)

func TestInsertLookupDelete(t *testing.T) {
	tbl := New[string]()

	k1 := Key{Local: 1, Remote: 100}
	k2 := Key{Local: 1, Remote: 50}
	k3 := Key{Local: 2, Remote: 1}

	if !tbl.Insert(k1, "a") {
		t.Fatalf("Insert k1 failed")
	}
	if !tbl.Insert(k2, "b") {
		t.Fatalf("Insert k2 failed")
	}
	if !tbl.Insert(k3, "c") {
		t.Fatalf("Insert k3 failed")
	}

	if tbl.Insert(k1, "dup") {
		t.Fatalf("Insert of duplicate key succeeded")
	}

	if v, ok := tbl.Lookup(k2); !ok || v != "b" {
		t.Fatalf("Lookup(k2) = %q, %v", v, ok)
	}

	var order []Key
	tbl.All(func(k Key, _ string) bool {
		order = append(order, k)
		return true
	})
	for i := 1; i < len(order); i++ {
		if !order[i-1].Less(order[i]) {
			t.Fatalf("table not sorted: %+v before %+v", order[i-1], order[i])
		}
	}

	if !tbl.Delete(k2) {
		t.Fatalf("Delete(k2) failed")
	}
	if tbl.Has(k2) {
		t.Fatalf("k2 still present after delete")
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
}

func TestGrowthAndOrdering(t *testing.T) {
	tbl := New[int]()
	r := rand.New(rand.NewSource(1))

	keys := make([]Key, 0, 200)
	seen := map[Key]bool{}
	for len(keys) < 200 {
		k := Key{Local: uint16(r.Intn(10)), Remote: uint16(r.Intn(1000))}
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	for i, k := range keys {
		if !tbl.Insert(k, i) {
			t.Fatalf("Insert(%v) failed", k)
		}
	}

	if tbl.Len() != len(keys) {
		t.Fatalf("Len() = %d, want %d", tbl.Len(), len(keys))
	}

	for i, k := range keys {
		v, ok := tbl.Lookup(k)
		if !ok || v != i {
			t.Fatalf("Lookup(%v) = %d, %v, want %d, true", k, v, ok, i)
		}
	}

	var prev Key
	first := true
	tbl.All(func(k Key, _ int) bool {
		if !first && !prev.Less(k) {
			t.Fatalf("not strictly ascending at %v -> %v", prev, k)
		}
		prev = k
		first = false
		return true
	})
}

func TestLookupMiss(t *testing.T) {
	tbl := New[int]()
	tbl.Insert(Key{Local: 5, Remote: 5}, 1)

	if _, ok := tbl.Lookup(Key{Local: 5, Remote: 6}); ok {
		t.Fatalf("Lookup found a key never inserted")
	}
	if tbl.Delete(Key{Local: 9, Remote: 9}) {
		t.Fatalf("Delete reported success for absent key")
	}
}
