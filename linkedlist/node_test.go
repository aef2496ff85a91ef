package linkedlist

import (
	"testing"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/storage/memstore"
)

func newNode(t *testing.T, store *memstore.Store) *Node {
	t.Helper()
	var abortErr error
	id, buf := store.NewWithWriteLock(1, &abortErr)
	if abortErr != nil {
		t.Fatalf("NewWithWriteLock: %v", abortErr)
	}
	n := Init(store, 1, id, buf, &abortErr)
	if abortErr != nil {
		t.Fatalf("Init: %v", abortErr)
	}
	return n
}

func TestInitIsFreeNode(t *testing.T) {
	store := memstore.New(256)
	n := newNode(t, store)
	if !n.IsFreeNode() {
		t.Fatalf("freshly initialized node should be free")
	}
	if n.IsSingularHead() || n.IsDualNode() {
		t.Fatalf("a free node is neither singular head nor dual")
	}
	if n.State() != StateFree {
		t.Fatalf("State() = %v, want StateFree", n.State())
	}
}

func TestState(t *testing.T) {
	store := memstore.New(256)
	head := makeSingularHead(t, store)
	if head.State() != StateSingularHead {
		t.Fatalf("State() = %v, want StateSingularHead", head.State())
	}

	toIns := newNode(t, store)
	var abortErr error
	if !InsertBetween(head, head, toIns, store, 1, &abortErr) {
		t.Fatalf("InsertBetween failed")
	}
	if head.State() != StateLinked || toIns.State() != StateLinked {
		t.Fatalf("dual nodes should report StateLinked, got head=%v toIns=%v", head.State(), toIns.State())
	}
}

func makeSingularHead(t *testing.T, store *memstore.Store) *Node {
	t.Helper()
	n := newNode(t, store)
	var abortErr error
	n.setNext(store, 1, n.PageID, &abortErr)
	n.setPrev(store, 1, n.PageID, &abortErr)
	return n
}

func TestInsertBetweenOnSingularHeadPromotesToDual(t *testing.T) {
	store := memstore.New(256)
	head := makeSingularHead(t, store)
	toIns := newNode(t, store)

	var abortErr error
	ok := InsertBetween(head, head, toIns, store, 1, &abortErr)
	if !ok || abortErr != nil {
		t.Fatalf("InsertBetween(head,head,toIns) = %v, err %v", ok, abortErr)
	}
	if !head.IsDualNode() {
		t.Fatalf("head should now be a dual node")
	}
	if !toIns.IsDualNode() {
		t.Fatalf("toIns should now be a dual node")
	}
	if !head.IsNextOf(toIns) || !head.IsPrevOf(toIns) {
		t.Fatalf("head's links should both point at toIns")
	}
	if !toIns.IsNextOf(head) || !toIns.IsPrevOf(head) {
		t.Fatalf("toIns's links should both point at head")
	}
}

func TestInsertBetweenGeneralAndRemove(t *testing.T) {
	store := memstore.New(256)
	a := makeSingularHead(t, store)
	b := newNode(t, store)
	c := newNode(t, store)

	var abortErr error
	if !InsertBetween(a, a, b, store, 1, &abortErr) {
		t.Fatalf("InsertBetween(a,a,b) failed")
	}
	// list is now a <-> b (dual). Insert c between a and b.
	if !InsertBetween(a, b, c, store, 1, &abortErr) {
		t.Fatalf("InsertBetween(a,b,c) failed")
	}
	if !a.IsNextOf(c) || !c.IsNextOf(b) || !b.IsNextOf(a) {
		t.Fatalf("expected ring a -> c -> b -> a")
	}

	// remove c, collapsing back to the dual a <-> b.
	if !Remove(a, c, b, store, 1, &abortErr) {
		t.Fatalf("Remove(a,c,b) failed")
	}
	if !c.IsFreeNode() {
		t.Fatalf("removed node should be free")
	}
	if !a.IsDualNode() || !b.IsDualNode() {
		t.Fatalf("a and b should be back to a dual list")
	}

	// remove b, collapsing the dual list down to a's singular head.
	if !Remove(a, b, a, store, 1, &abortErr) {
		t.Fatalf("Remove(a,b,a) failed")
	}
	if !a.IsSingularHead() {
		t.Fatalf("a should be a singular head again")
	}
	if !b.IsFreeNode() {
		t.Fatalf("b should be free after removal")
	}
}

func TestRemoveRejectsSingularHead(t *testing.T) {
	store := memstore.New(256)
	head := makeSingularHead(t, store)
	var abortErr error
	if Remove(head, head, head, store, 1, &abortErr) {
		t.Fatalf("Remove on a singular head should fail")
	}
}

func TestLockAndGetNextPrevOnSingularHead(t *testing.T) {
	store := memstore.New(256)
	head := makeSingularHead(t, store)
	var abortErr error
	h := LockAndGetNext(store, 1, head, dam.LockRead, &abortErr)
	if !h.IsNull() {
		t.Fatalf("LockAndGetNext on a singular head should be Null")
	}
	h = LockAndGetPrev(store, 1, head, dam.LockRead, &abortErr)
	if !h.IsNull() {
		t.Fatalf("LockAndGetPrev on a singular head should be Null")
	}
}
