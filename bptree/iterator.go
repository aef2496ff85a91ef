package bptree

import (
	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
)

// Boundary is the positioning predicate for Iterator.AdjustTo.
type Boundary int

const (
	Min Boundary = iota
	LT
	LE
	GE
	GT
	Max
)

// Iterator is a cursor over a leaf chain: (curr_page_handle, curr_tuple_index)
// plus the definitions and access methods needed to step across page
// boundaries (spec §4.7).
type Iterator struct {
	tree     *Tree
	txnID    uint64
	handle   page.Handle
	node     *Node
	index    int
	deleted  bool
}

func newIterator(t *Tree, txnID uint64, h page.Handle) *Iterator {
	return &Iterator{tree: t, txnID: txnID, handle: h, node: t.nodeFromHandle(h), index: -1}
}

// NewIterator positions a new read-locked iterator at the leaf that would
// hold key, descending via FindChildIndexForKey exactly as Find does; pass a
// nil key for the globally leftmost leaf (via LeastKeysPageID), the starting
// point for Boundary Min. Callers normally follow construction with AdjustTo
// to land on the exact boundary within the returned leaf (spec §4.7).
func (t *Tree) NewIterator(txnID uint64, key []byte, abortErr *error) *Iterator {
	h := page.Acquire(t.D, txnID, t.RootStore.Root(), dam.LockRead, abortErr)
	if h.IsNull() || aborted(abortErr) {
		return nil
	}
	n := t.nodeFromHandle(h)
	for !n.IsLeaf() {
		var childID dam.PageID
		if key == nil {
			childID = n.LeastKeysPageID()
		} else {
			childID = ChildPageIDAt(n, FindChildIndexForKey(n, key))
		}
		hc := page.Acquire(t.D, txnID, childID, dam.LockRead, abortErr)
		h.Release(t.D, txnID, dam.NoneOption, abortErr)
		if hc.IsNull() || aborted(abortErr) {
			return nil
		}
		h = hc
		n = t.nodeFromHandle(h)
	}
	it := newIterator(t, txnID, h)
	if n.Packed().Count() > 0 {
		it.index = 0
	}
	return it
}

// Get returns the current tuple, or nil if the cursor is not on one.
func (it *Iterator) Get() []byte {
	if it == nil || it.deleted || it.node == nil {
		return nil
	}
	pk := it.node.Packed()
	if it.index < 0 || it.index >= pk.Count() {
		return nil
	}
	return append([]byte(nil), pk.GetTuple(it.index)...)
}

// Next advances within the page, crossing into next_page_id and skipping
// empty pages as needed.
func (it *Iterator) Next(abortErr *error) {
	if it.deleted {
		return
	}
	for {
		pk := it.node.Packed()
		if it.index+1 < pk.Count() {
			it.index++
			return
		}
		nextID := it.node.NextPageID()
		if nextID == dam.NullPageID {
			it.index = pk.Count()
			return
		}
		hc := page.Acquire(it.tree.D, it.txnID, nextID, dam.LockRead, abortErr)
		it.handle.Release(it.tree.D, it.txnID, dam.NoneOption, abortErr)
		if hc.IsNull() || aborted(abortErr) {
			it.Delete(abortErr)
			return
		}
		it.handle = hc
		it.node = it.tree.nodeFromHandle(hc)
		it.index = -1
		if it.node.Packed().Count() > 0 {
			it.index = 0
			return
		}
	}
}

// Prev is symmetric to Next, via prev_page_id.
func (it *Iterator) Prev(abortErr *error) {
	if it.deleted {
		return
	}
	for {
		if it.index-1 >= 0 {
			it.index--
			return
		}
		prevID := it.node.PrevPageID()
		if prevID == dam.NullPageID {
			it.index = -1
			return
		}
		hc := page.Acquire(it.tree.D, it.txnID, prevID, dam.LockRead, abortErr)
		it.handle.Release(it.tree.D, it.txnID, dam.NoneOption, abortErr)
		if hc.IsNull() || aborted(abortErr) {
			it.Delete(abortErr)
			return
		}
		it.handle = hc
		it.node = it.tree.nodeFromHandle(hc)
		n := it.node.Packed().Count()
		if n > 0 {
			it.index = n - 1
			return
		}
		it.index = -1
	}
}

// advanceLeaf moves the cursor's held lock to the next leaf in the sibling
// chain, unconditionally (it does not interpret or preserve it.index the way
// Next does) — used by AdjustTo to retry a failed in-leaf search one leaf
// over. No-op if already at the last leaf.
func (it *Iterator) advanceLeaf(abortErr *error) {
	nextID := it.node.NextPageID()
	if nextID == dam.NullPageID {
		return
	}
	hc := page.Acquire(it.tree.D, it.txnID, nextID, dam.LockRead, abortErr)
	it.handle.Release(it.tree.D, it.txnID, dam.NoneOption, abortErr)
	if hc.IsNull() || aborted(abortErr) {
		it.Delete(abortErr)
		return
	}
	it.handle = hc
	it.node = it.tree.nodeFromHandle(hc)
}

// retreatLeaf is advanceLeaf's mirror over prev_page_id.
func (it *Iterator) retreatLeaf(abortErr *error) {
	prevID := it.node.PrevPageID()
	if prevID == dam.NullPageID {
		return
	}
	hc := page.Acquire(it.tree.D, it.txnID, prevID, dam.LockRead, abortErr)
	it.handle.Release(it.tree.D, it.txnID, dam.NoneOption, abortErr)
	if hc.IsNull() || aborted(abortErr) {
		it.Delete(abortErr)
		return
	}
	it.handle = hc
	it.node = it.tree.nodeFromHandle(hc)
}

// AdjustTo positions the cursor inside the leaf it's currently on, stepping
// to the next or previous leaf and retrying the search as needed until the
// boundary predicate is satisfied (spec §4.7) — NewIterator's key-based
// descent only guarantees landing near the boundary, not on the exact leaf
// that holds it.
func (it *Iterator) AdjustTo(key []byte, keysCount int, boundary Boundary, abortErr *error) {
	if boundary == Min {
		for it.node.PrevPageID() != dam.NullPageID {
			it.retreatLeaf(abortErr)
			if it.deleted {
				return
			}
		}
		it.index = 0
		if it.node.Packed().Count() == 0 {
			it.Next(abortErr)
		}
		return
	}
	if boundary == Max {
		for it.node.NextPageID() != dam.NullPageID {
			it.advanceLeaf(abortErr)
			if it.deleted {
				return
			}
		}
		it.index = it.node.Packed().Count() - 1
		return
	}

	ascending := boundary == GE || boundary == GT
	for {
		pk := it.node.Packed()
		var idx int
		switch boundary {
		case LT:
			idx = pk.FindPreceding(key, keysCount)
		case LE:
			idx = pk.FindPrecedingEquals(key, keysCount)
		case GE:
			idx = pk.FindSucceedingEquals(key, keysCount)
		case GT:
			idx = pk.FindSucceeding(key, keysCount)
		}
		if idx != page.NotFound {
			it.index = idx
			return
		}
		if ascending {
			if it.node.NextPageID() == dam.NullPageID {
				it.index = pk.Count()
				return
			}
			it.advanceLeaf(abortErr)
		} else {
			if it.node.PrevPageID() == dam.NullPageID {
				it.index = -1
				return
			}
			it.retreatLeaf(abortErr)
		}
		if it.deleted {
			return
		}
	}
}

// Delete releases the cursor's held lock; the iterator must not be used
// afterward.
func (it *Iterator) Delete(abortErr *error) {
	if it.deleted {
		return
	}
	it.handle.Release(it.tree.D, it.txnID, dam.NoneOption, abortErr)
	it.deleted = true
}
