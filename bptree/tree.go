package bptree

import (
	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
	"github.com/embedded-index/tupleindex/tuple"
)

// RootStore is the caller-owned slot holding the tree's current root page id
// (spec §4.6.5: "the caller's root_page_id is updated only by" root growth
// and shrink).
type RootStore interface {
	Root() dam.PageID
	SetRoot(dam.PageID)
}

// Tree is a B+ tree over tuples ordered by Def.KeyElemCount key columns.
type Tree struct {
	RootStore RootStore
	Def       *Def
	D         dam.DataAccessMethods
	PMM       dam.PageModificationMethods
}

func (t *Tree) nodeFromHandle(h page.Handle) *Node {
	return &Node{Buf: h.Buf, PageID: h.PageID, Def: t.Def}
}

func aborted(abortErr *error) bool { return abortErr != nil && *abortErr != nil }

// Find performs a read-crabbing descent and returns a copy of the matching
// record, or nil if absent (spec §4.6.1).
func (t *Tree) Find(txnID uint64, key []byte, abortErr *error) []byte {
	h := page.Acquire(t.D, txnID, t.RootStore.Root(), dam.LockRead, abortErr)
	if h.IsNull() || aborted(abortErr) {
		return nil
	}
	n := t.nodeFromHandle(h)
	for !n.IsLeaf() {
		idx := FindChildIndexForKey(n, key)
		childID := ChildPageIDAt(n, idx)
		hc := page.Acquire(t.D, txnID, childID, dam.LockRead, abortErr)
		h.Release(t.D, txnID, dam.NoneOption, abortErr)
		if hc.IsNull() || aborted(abortErr) {
			return nil
		}
		h = hc
		n = t.nodeFromHandle(h)
	}
	pk := n.Packed()
	idx := pk.Search(key, t.Def.KeyElemCount)
	var result []byte
	if idx != page.NotFound {
		src := pk.GetTuple(idx)
		result = append([]byte(nil), src...)
	}
	h.Release(t.D, txnID, dam.NoneOption, abortErr)
	return result
}

// Inspector is invoked at the leaf with the existing record (nil if absent)
// and a pointer to the proposed new record (nil means delete/no-insert); it
// may approve, cancel, transform, or convert between insert/update/delete by
// mutating *newRecord (spec §4.6.2).
type Inspector func(old []byte, newRecord *[]byte)

// frame is one level of the write-crabbing descent.
type frame struct {
	handle     page.Handle
	node       *Node
	childIndex int
	safeSplit  bool
	safeMerge  bool
}

// InspectedUpdate is the umbrella insert/update/delete operation (spec
// §4.6.2). newRecord is the caller's proposed record (nil to probe/delete);
// it returns the record actually applied (possibly transformed by inspector,
// or nil if the net effect was a no-op or delete).
func (t *Tree) InspectedUpdate(txnID uint64, key []byte, newRecord []byte, inspector Inspector, abortErr *error) []byte {
	root := page.Acquire(t.D, txnID, t.RootStore.Root(), dam.LockWrite, abortErr)
	if root.IsNull() || aborted(abortErr) {
		return nil
	}
	rootNode := t.nodeFromHandle(root)
	frames := []frame{{handle: root, node: rootNode, childIndex: -1,
		safeSplit: rootNode.Packed().Capacity().MoreThanHalfFull(),
		safeMerge: rootNode.Packed().Capacity().MoreOrEqualHalfFull()}}

	for !frames[len(frames)-1].node.IsLeaf() {
		cur := frames[len(frames)-1]
		idx := FindChildIndexForKey(cur.node, key)
		childID := ChildPageIDAt(cur.node, idx)
		hc := page.Acquire(t.D, txnID, childID, dam.LockWrite, abortErr)
		if hc.IsNull() || aborted(abortErr) {
			unwind(t, txnID, frames, abortErr)
			return nil
		}
		childNode := t.nodeFromHandle(hc)
		cap := childNode.Packed().Capacity()
		frames = append(frames, frame{handle: hc, node: childNode, childIndex: idx,
			safeSplit: cap.MoreThanHalfFull(),
			safeMerge: cap.MoreOrEqualHalfFull()})
	}

	leafFrame := frames[len(frames)-1]
	leaf := leafFrame.node
	pk := leaf.Packed()
	idx := pk.Search(key, t.Def.KeyElemCount)
	var old []byte
	if idx != page.NotFound {
		old = append([]byte(nil), pk.GetTuple(idx)...)
	}
	proposed := newRecord
	inspector(old, &proposed)

	switch {
	case old == nil && proposed == nil:
		unwind(t, txnID, frames, abortErr)
		return nil

	case old == nil && proposed != nil:
		releaseSafeAncestors(t, txnID, frames, true, abortErr)
		insIdx := pk.FindInsertionPoint(proposed, t.Def.KeyElemCount)
		if pk.InsertAt(t.PMM, txnID, proposed, insIdx, abortErr) {
			releaseRemaining(t, txnID, frames, abortErr)
			return proposed
		}
		parentEntry := SplitInsertLeaf(leaf, proposed, insIdx, t.D, t.PMM, txnID, abortErr)
		splitInsertAndUnlockPagesUp(t, txnID, frames, parentEntry, abortErr)
		return proposed

	case old != nil && proposed == nil:
		releaseSafeAncestors(t, txnID, frames, false, abortErr)
		if !pk.DeleteAt(t.PMM, txnID, idx, abortErr) {
			panic("bptree: delete at a known-valid index failed")
		}
		mergeAndUnlockPagesUp(t, txnID, frames, abortErr)
		return nil

	default: // old != nil && proposed != nil: update
		if tuple.ComparePrefix(old, proposed, t.Def.KeyDef, t.Def.KeyElemCount) != 0 {
			panic("bptree: inspector changed the key of an update")
		}
		if pk.UpdateAt(t.PMM, txnID, idx, proposed, abortErr) {
			releaseRemaining(t, txnID, frames, abortErr)
			return proposed
		}
		if len(proposed) > len(old) {
			if !pk.DeleteAt(t.PMM, txnID, idx, abortErr) {
				panic("bptree: update-as-delete failed at a known-valid index")
			}
			insIdx := pk.FindInsertionPoint(proposed, t.Def.KeyElemCount)
			if pk.InsertAt(t.PMM, txnID, proposed, insIdx, abortErr) {
				releaseRemaining(t, txnID, frames, abortErr)
				return proposed
			}
			parentEntry := SplitInsertLeaf(leaf, proposed, insIdx, t.D, t.PMM, txnID, abortErr)
			splitInsertAndUnlockPagesUp(t, txnID, frames, parentEntry, abortErr)
			return proposed
		}
		mergeAndUnlockPagesUp(t, txnID, frames, abortErr)
		return proposed
	}
}

func unwind(t *Tree, txnID uint64, frames []frame, abortErr *error) {
	for i := len(frames) - 1; i >= 0; i-- {
		frames[i].handle.Release(t.D, txnID, dam.NoneOption, abortErr)
	}
}

// releaseSafeAncestors releases ancestors (from the stack bottom, i.e. the
// root end) that cannot require the corresponding structural change even
// after this operation, leaving frames holding only the unsafe suffix.
func releaseSafeAncestors(t *Tree, txnID uint64, frames []frame, forSplit bool, abortErr *error) {
	for len(frames) > 1 {
		f := frames[0]
		safe := f.safeSplit
		if !forSplit {
			safe = f.safeMerge
		}
		if !safe {
			break
		}
		f.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
		frames = frames[1:]
	}
}

func releaseRemaining(t *Tree, txnID uint64, frames []frame, abortErr *error) {
	for i := len(frames) - 1; i >= 0; i-- {
		frames[i].handle.Release(t.D, txnID, dam.NoneOption, abortErr)
	}
}

// splitInsertAndUnlockPagesUp propagates parentEntry up through the
// remaining (unsafe) ancestor frames, splitting each in turn as needed, and
// grows the root if the split reaches it (spec §4.6.3).
func splitInsertAndUnlockPagesUp(t *Tree, txnID uint64, frames []frame, parentEntry []byte, abortErr *error) {
	for len(frames) > 0 {
		top := frames[len(frames)-1]
		frames = frames[:len(frames)-1]
		if len(frames) == 0 {
			// top is the root: grow it.
			growRoot(t, txnID, top, parentEntry, abortErr)
			return
		}
		parent := frames[len(frames)-1].node
		pk := parent.Packed()
		insIdx := pk.FindInsertionPoint(parentEntry, t.Def.KeyElemCount)
		if pk.InsertAt(t.PMM, txnID, parentEntry, insIdx, abortErr) {
			top.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
			releaseRemaining(t, txnID, frames, abortErr)
			return
		}
		childIDOfEntry := dam.PageID(t.Def.IndexDef.Uint64At(parentEntry, t.Def.IndexDef.ElementCount()-1))
		parentEntry = SplitInsertInterior(parent, parentEntry, childIDOfEntry, insIdx, t.D, t.PMM, txnID, abortErr)
		top.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
	}
}

func growRoot(t *Tree, txnID uint64, oldRoot frame, parentEntry []byte, abortErr *error) {
	newRootHandle := page.NewWithWriteLock(t.D, txnID, abortErr)
	if newRootHandle.IsNull() || aborted(abortErr) {
		oldRoot.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
		return
	}
	newRoot := t.nodeFromHandle(newRootHandle)
	InitInterior(t.PMM, txnID, newRoot, oldRoot.node.Level()+1, oldRoot.node.PageID, abortErr)
	newRoot.Packed().InsertAt(t.PMM, txnID, parentEntry, 0, abortErr)
	oldRoot.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
	newRootHandle.Release(t.D, txnID, dam.NoneOption, abortErr)
	t.RootStore.SetRoot(newRoot.PageID)
}

// mergeAndUnlockPagesUp walks the frame stack from the leaf upward, merging
// each underfull page with a sibling when possible, deleting the
// corresponding separator at the next level up, and collapsing the root if
// it becomes a single-child interior (spec §4.6.4).
func mergeAndUnlockPagesUp(t *Tree, txnID uint64, frames []frame, abortErr *error) {
	for len(frames) > 0 {
		cur := frames[len(frames)-1]
		frames = frames[:len(frames)-1]

		if len(frames) == 0 {
			shrinkRootIfNeeded(t, txnID, cur, abortErr)
			return
		}

		if cur.node.Packed().Capacity().MoreOrEqualHalfFull() {
			cur.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
			releaseRemaining(t, txnID, frames, abortErr)
			return
		}

		parent := frames[len(frames)-1].node
		merged, sepIndex, curFreed := tryMerge(t, txnID, cur, parent, abortErr)
		if !curFreed {
			cur.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
		}
		if !merged {
			releaseRemaining(t, txnID, frames, abortErr)
			return
		}
		parent.Packed().DeleteAt(t.PMM, txnID, sepIndex, abortErr)
	}
}

// tryMerge attempts to merge cur's page with a sibling under the shared
// parent, trying the next sibling first and falling back to the previous
// sibling when there is no next separator under this parent or the next
// sibling can't absorb cur (spec §4.6.4). It returns whether it succeeded,
// which parent separator index must now be deleted to reflect the fold, and
// whether cur's own handle was already consumed (freed) by a previous-sibling
// merge — the caller must not release it again in that case.
func tryMerge(t *Tree, txnID uint64, cur frame, parent *Node, abortErr *error) (merged bool, sepIndex int, curFreed bool) {
	ppk := parent.Packed()

	nextSep := cur.childIndex + 1
	if nextSep < ppk.Count() {
		ok := false
		if cur.node.IsLeaf() {
			ok = MergeLeaves(cur.node, t.D, t.PMM, txnID, abortErr)
		} else {
			sep := ppk.GetTuple(nextSep)
			nextID := dam.PageID(t.Def.IndexDef.Uint64At(sep, t.Def.IndexDef.ElementCount()-1))
			ok = MergeInteriors(cur.node, sep, t.D, t.PMM, txnID, nextID, abortErr)
		}
		if ok {
			return true, nextSep, false
		}
	}

	prevSep := cur.childIndex
	if prevSep >= 0 && prevSep < ppk.Count() {
		prevID := ChildPageIDAt(parent, cur.childIndex-1)
		hPrev := page.Acquire(t.D, txnID, prevID, dam.LockWrite, abortErr)
		if hPrev.IsNull() || aborted(abortErr) {
			if !hPrev.IsNull() {
				hPrev.Release(t.D, txnID, dam.NoneOption, abortErr)
			}
			return false, -1, false
		}
		prevNode := t.nodeFromHandle(hPrev)
		var ok bool
		if cur.node.IsLeaf() {
			ok = mergeLeafPages(prevNode, cur.node, cur.handle, t.D, t.PMM, txnID, abortErr)
		} else {
			sep := ppk.GetTuple(prevSep)
			ok = mergeInteriorPages(prevNode, sep, cur.node, cur.handle, t.D, t.PMM, txnID, abortErr)
		}
		hPrev.Release(t.D, txnID, dam.NoneOption, abortErr)
		if ok {
			return true, prevSep, true
		}
	}

	return false, -1, false
}

func shrinkRootIfNeeded(t *Tree, txnID uint64, root frame, abortErr *error) {
	if root.node.IsLeaf() {
		root.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
		return
	}
	pk := root.node.Packed()
	if pk.Count() == 0 {
		childID := root.node.LeastKeysPageID()
		hc := page.Acquire(t.D, txnID, childID, dam.LockWrite, abortErr)
		if !hc.IsNull() {
			child := t.nodeFromHandle(hc)
			copy(root.node.Buf, child.Buf)
			t.PMM.WriteRegion(txnID, root.node.PageID, root.node.Buf, 0, root.node.Buf, abortErr)
			hc.Release(t.D, txnID, dam.FreePage, abortErr)
		}
	}
	root.handle.Release(t.D, txnID, dam.NoneOption, abortErr)
}
