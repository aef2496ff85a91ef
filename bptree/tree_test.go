package bptree

import (
	"testing"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/storage/memstore"
	"github.com/embedded-index/tupleindex/tuple"
)

type rootVar struct{ id dam.PageID }

func (r *rootVar) Root() dam.PageID     { return r.id }
func (r *rootVar) SetRoot(id dam.PageID) { r.id = id }

func newTestTree(t *testing.T, pageSize int) (*Tree, *memstore.Store) {
	t.Helper()
	store := memstore.New(pageSize)
	var abortErr error
	rootID, rootBuf := store.NewWithWriteLock(1, &abortErr)
	if abortErr != nil {
		t.Fatalf("NewWithWriteLock: %v", abortErr)
	}
	keyDef := tuple.NewDef(tuple.Element{Kind: tuple.KindUint32}, tuple.Element{Kind: tuple.KindUint32})
	def := NewDef(keyDef, 1)
	root := &Node{Buf: rootBuf, PageID: rootID, Def: def}
	InitLeaf(store, 1, root, 0, &abortErr)
	store.Release(1, rootID, 0, &abortErr)

	return &Tree{RootStore: &rootVar{id: rootID}, Def: def, D: store, PMM: store}, store
}

func rec(key, val uint32) []byte {
	return tuple.Encode(tuple.NewDef(tuple.Element{Kind: tuple.KindUint32}, tuple.Element{Kind: tuple.KindUint32}),
		[][]byte{tuple.EncodeUint64(uint64(key), 4), tuple.EncodeUint64(uint64(val), 4)})
}

func insertOnly(old []byte, newRecord *[]byte) {}

func TestInsertAndFind(t *testing.T) {
	tree, _ := newTestTree(t, 512)
	var abortErr error
	for _, k := range []uint32{10, 5, 20, 15} {
		key := rec(k, k*100)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
		if abortErr != nil {
			t.Fatalf("InspectedUpdate(%d): %v", k, abortErr)
		}
	}

	found := tree.Find(1, rec(15, 0), &abortErr)
	if found == nil {
		t.Fatalf("Find(15) = nil, want a record")
	}
	if v := tree.Def.KeyDef.Uint64At(found, 1); v != 1500 {
		t.Fatalf("Find(15) value = %d, want 1500", v)
	}

	if tree.Find(1, rec(999, 0), &abortErr) != nil {
		t.Fatalf("Find(999) should be nil")
	}
}

func TestInsertManyTriggersSplit(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	var abortErr error
	for k := uint32(0); k < 40; k++ {
		key := rec(k, k)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
		if abortErr != nil {
			t.Fatalf("InspectedUpdate(%d): %v", k, abortErr)
		}
	}
	for k := uint32(0); k < 40; k++ {
		if tree.Find(1, rec(k, 0), &abortErr) == nil {
			t.Fatalf("Find(%d) = nil after bulk insert", k)
		}
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	tree, _ := newTestTree(t, 512)
	var abortErr error
	for _, k := range []uint32{1, 2, 3, 4, 5} {
		key := rec(k, k)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
	}
	deleteInspector := func(old []byte, newRecord *[]byte) { *newRecord = nil }
	tree.InspectedUpdate(1, rec(3, 0), nil, deleteInspector, &abortErr)
	if abortErr != nil {
		t.Fatalf("delete: %v", abortErr)
	}
	if tree.Find(1, rec(3, 0), &abortErr) != nil {
		t.Fatalf("Find(3) should be nil after delete")
	}
	if tree.Find(1, rec(4, 0), &abortErr) == nil {
		t.Fatalf("Find(4) should survive deleting 3")
	}
}

func TestIteratorForwardScan(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	var abortErr error
	for _, k := range []uint32{5, 1, 4, 2, 3} {
		key := rec(k, k)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
	}
	it := tree.NewIterator(1, nil, &abortErr)
	if it == nil {
		t.Fatalf("NewIterator returned nil")
	}
	var got []uint32
	for tup := it.Get(); tup != nil; tup = it.Get() {
		got = append(got, uint32(tree.Def.KeyDef.Uint64At(tup, 0)))
		it.Next(&abortErr)
	}
	it.Delete(&abortErr)
	want := []uint32{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("scanned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scanned %v, want %v", got, want)
		}
	}
}

func TestUpdateInPlace(t *testing.T) {
	tree, _ := newTestTree(t, 512)
	var abortErr error
	key := rec(1, 10)
	tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)

	updated := rec(1, 99)
	updateInspector := func(old []byte, newRecord *[]byte) { *newRecord = updated }
	tree.InspectedUpdate(1, rec(1, 0), updated, updateInspector, &abortErr)
	if abortErr != nil {
		t.Fatalf("update: %v", abortErr)
	}
	found := tree.Find(1, rec(1, 0), &abortErr)
	if v := tree.Def.KeyDef.Uint64At(found, 1); v != 99 {
		t.Fatalf("Find(1) value = %d, want 99", v)
	}
}

func TestAdjustToAcrossLeafBoundaries(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	var abortErr error
	// Small page size forces several leaf splits across keys 0..39, so a key
	// in the middle of the range lands on a non-leftmost, non-rightmost leaf.
	for k := uint32(0); k < 40; k += 2 {
		key := rec(k, k)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
		if abortErr != nil {
			t.Fatalf("InspectedUpdate(%d): %v", k, abortErr)
		}
	}

	// GE on an absent (odd) key mid-range must land on the next present key,
	// even when that key sits in a different leaf than the one NewIterator's
	// key-based descent landed on.
	it := tree.NewIterator(1, rec(21, 0), &abortErr)
	if it == nil {
		t.Fatalf("NewIterator returned nil")
	}
	it.AdjustTo(rec(21, 0), 1, GE, &abortErr)
	if abortErr != nil {
		t.Fatalf("AdjustTo GE: %v", abortErr)
	}
	got := it.Get()
	if got == nil {
		t.Fatalf("AdjustTo GE(21) found nothing")
	}
	if v := tree.Def.KeyDef.Uint64At(got, 0); v != 22 {
		t.Fatalf("AdjustTo GE(21) = %d, want 22", v)
	}
	it.Delete(&abortErr)

	// LE on the same absent key must land on the preceding present key.
	it = tree.NewIterator(1, rec(21, 0), &abortErr)
	it.AdjustTo(rec(21, 0), 1, LE, &abortErr)
	if abortErr != nil {
		t.Fatalf("AdjustTo LE: %v", abortErr)
	}
	got = it.Get()
	if got == nil {
		t.Fatalf("AdjustTo LE(21) found nothing")
	}
	if v := tree.Def.KeyDef.Uint64At(got, 0); v != 20 {
		t.Fatalf("AdjustTo LE(21) = %d, want 20", v)
	}
	it.Delete(&abortErr)

	// GT past the last key must report an exhausted cursor, not a stale
	// mid-leaf position.
	it = tree.NewIterator(1, rec(38, 0), &abortErr)
	it.AdjustTo(rec(38, 0), 1, GT, &abortErr)
	if abortErr != nil {
		t.Fatalf("AdjustTo GT: %v", abortErr)
	}
	if it.Get() != nil {
		t.Fatalf("AdjustTo GT(38) should exhaust the chain, got a tuple")
	}
	it.Delete(&abortErr)
}

func TestDeleteMergesWithPreviousSiblingWhenLast(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	var abortErr error
	for k := uint32(0); k < 40; k++ {
		key := rec(k, k)
		tree.InspectedUpdate(1, key, key, insertOnly, &abortErr)
		if abortErr != nil {
			t.Fatalf("InspectedUpdate(%d): %v", k, abortErr)
		}
	}
	deleteInspector := func(old []byte, newRecord *[]byte) { *newRecord = nil }
	// Deleting keys from the high end repeatedly empties the rightmost leaf,
	// which has no next sibling under its parent — only the previous-sibling
	// merge path can fold it away.
	for k := uint32(39); k >= 30; k-- {
		tree.InspectedUpdate(1, rec(k, 0), nil, deleteInspector, &abortErr)
		if abortErr != nil {
			t.Fatalf("delete(%d): %v", k, abortErr)
		}
	}
	for k := uint32(0); k < 30; k++ {
		if tree.Find(1, rec(k, 0), &abortErr) == nil {
			t.Fatalf("Find(%d) should survive trailing deletes", k)
		}
	}
	for k := uint32(30); k < 40; k++ {
		if tree.Find(1, rec(k, 0), &abortErr) != nil {
			t.Fatalf("Find(%d) should be gone", k)
		}
	}
}
