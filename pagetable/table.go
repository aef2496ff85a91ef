package pagetable

import (
	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
)

// Table is the shared configuration (fan-out, access methods) for a radix
// page table instance; RangeLocker is the actual entry point callers use.
type Table struct {
	D      dam.DataAccessMethods
	PMM    dam.PageModificationMethods
	FanOut int
}

// RangeLocker is a restricted view over the trie: a delegated bucket range
// plus the local root currently standing in for the real root within that
// range (spec §4.8.2).
type RangeLocker struct {
	t         *Table
	txnID     uint64
	lock      dam.LockType
	lo, hi    uint64
	localRoot page.Handle
	localNode *Node
}

// NewRangeLocker constructs a locker over the whole keyspace, rooted at the
// real root page.
func (t *Table) NewRangeLocker(txnID uint64, realRootID dam.PageID, lock dam.LockType, abortErr *error) *RangeLocker {
	h := page.Acquire(t.D, txnID, realRootID, lock, abortErr)
	if h.IsNull() {
		return nil
	}
	return &RangeLocker{t: t, txnID: txnID, lock: lock, lo: 0, hi: ^uint64(0),
		localRoot: h, localNode: nodeFromHandle(h, t.FanOut)}
}

// MinimizeLockRange narrows the delegated range to [lo, hi] and, while the
// narrower range still maps into a single existing child slot of the
// current local root, descends one level at a time, releasing the old
// local root as it goes (spec §4.8.2 Minimize/Narrow).
func (r *RangeLocker) MinimizeLockRange(lo, hi uint64, abortErr *error) {
	r.lo, r.hi = lo, hi
	for !r.localNode.IsLeaf() {
		slotLo := r.localNode.slotFor(lo)
		slotHi := r.localNode.slotFor(hi)
		if slotLo != slotHi {
			break
		}
		child := r.localNode.EntryAt(slotLo)
		if child == dam.NullPageID {
			break
		}
		hc := page.Acquire(r.t.D, r.txnID, child, r.lock, abortErr)
		if hc.IsNull() {
			break
		}
		r.localRoot.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		r.localRoot = hc
		r.localNode = nodeFromHandle(hc, r.t.FanOut)
	}
}

// Release drops the locker's hold on its local root.
func (r *RangeLocker) Release(abortErr *error) {
	r.localRoot.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
}

func inRange(r *RangeLocker, bucket uint64) bool { return bucket >= r.lo && bucket <= r.hi }

// Get returns the page id stored for bucket, or NullPageID (spec §4.8.3).
func (r *RangeLocker) Get(bucket uint64, abortErr *error) dam.PageID {
	if !inRange(r, bucket) || !r.localNode.containsBucket(bucket) {
		return dam.NullPageID
	}
	n := r.localNode
	var prev page.Handle
	depth := 0
	for {
		slot := n.slotFor(bucket)
		if n.IsLeaf() {
			result := n.EntryAt(slot)
			if depth > 0 {
				prev.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
			}
			return result
		}
		child := n.EntryAt(slot)
		if child == dam.NullPageID {
			if depth > 0 {
				prev.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
			}
			return dam.NullPageID
		}
		hc := page.Acquire(r.t.D, r.txnID, child, dam.LockRead, abortErr)
		if hc.IsNull() || (abortErr != nil && *abortErr != nil) {
			if depth > 0 {
				prev.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
			}
			return dam.NullPageID
		}
		if depth > 0 {
			prev.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		}
		prev = hc
		n = nodeFromHandle(hc, r.t.FanOut)
		depth++
	}
}

// Set installs value for bucket (NullPageID deletes), requiring a
// write-locked locker (spec §4.8.4).
func (r *RangeLocker) Set(bucket uint64, value dam.PageID, abortErr *error) {
	if !inRange(r, bucket) {
		panic("pagetable: Set bucket outside range locker's delegated range")
	}
	if value == dam.NullPageID {
		r.setNull(bucket, abortErr)
		return
	}
	r.setNonNull(bucket, value, abortErr)
}

func (r *RangeLocker) setNonNull(bucket uint64, value dam.PageID, abortErr *error) {
	for !r.localNode.containsBucket(bucket) {
		r.levelUp(bucket, abortErr)
	}
	n := r.localNode
	depth := 0
	var prevHandle page.Handle
	for {
		slot := n.slotFor(bucket)
		if n.IsLeaf() {
			n.setEntryAt(r.t.PMM, r.txnID, slot, value, abortErr)
			if depth > 0 {
				prevHandle.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
			}
			return
		}
		child := n.EntryAt(slot)
		var hc page.Handle
		if child == dam.NullPageID {
			hc = page.NewWithWriteLock(r.t.D, r.txnID, abortErr)
			childNode := nodeFromHandle(hc, r.t.FanOut)
			childLevel := n.Level() - 1
			childFirst := n.FirstBucketID() + uint64(slot)*childSpan(r.t.FanOut, n.Level())
			InitEmpty(r.t.PMM, r.txnID, childNode, childLevel, childFirst, abortErr)
			n.setEntryAt(r.t.PMM, r.txnID, slot, hc.PageID, abortErr)
		} else {
			hc = page.Acquire(r.t.D, r.txnID, child, dam.LockWrite, abortErr)
		}
		if depth > 0 {
			prevHandle.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		}
		prevHandle = hc
		n = nodeFromHandle(hc, r.t.FanOut)
		depth++
	}
}

// levelUp wraps the current local root under a new parent whose range
// contains bucket, repeating until it does (spec §4.8.5): the local root's
// old contents move into a freshly allocated page, and the local root's own
// buffer is reformatted in place as the new, one-level-taller parent with a
// single non-NULL entry pointing at that fresh page. A local root with no
// non-NULL entries is only reformatted as the taller, empty parent; no page
// is allocated for its old contents.
func (r *RangeLocker) levelUp(bucket uint64, abortErr *error) {
	cur := r.localNode
	oldLevel := cur.Level()
	oldFirst := cur.FirstBucketID()
	oldSpan := rangeSize(r.t.FanOut, oldLevel)

	newLevel := oldLevel + 1
	newSpan := rangeSize(r.t.FanOut, newLevel)
	firstAtNewLevel := (oldFirst / newSpan) * newSpan
	slot := int((oldFirst - firstAtNewLevel) / oldSpan)

	if cur.nonNullCount() == 0 {
		InitEmpty(r.t.PMM, r.txnID, cur, newLevel, firstAtNewLevel, abortErr)
		return
	}

	hNew := page.NewWithWriteLock(r.t.D, r.txnID, abortErr)
	if hNew.IsNull() {
		return
	}
	newChild := nodeFromHandle(hNew, r.t.FanOut)
	copy(newChild.Buf, cur.Buf)
	r.t.PMM.WriteRegion(r.txnID, newChild.PageID, newChild.Buf, 0, newChild.Buf, abortErr)

	InitEmpty(r.t.PMM, r.txnID, cur, newLevel, firstAtNewLevel, abortErr)
	cur.setEntryAt(r.t.PMM, r.txnID, slot, newChild.PageID, abortErr)
	hNew.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
}

// setNull implements the Set-to-NULL forward/reverse pass (spec §4.8.4): walk
// down to bucket's entry and clear it, then walk the held-page stack back up,
// freeing any page left with no non-NULL entries (and clearing its parent's
// slot in turn) and collapsing a page left with exactly one non-NULL child
// into that child (level-down).
func (r *RangeLocker) setNull(bucket uint64, abortErr *error) {
	if !r.localNode.containsBucket(bucket) {
		return
	}
	stack := page.NewLockedPagesStack(64)
	n := r.localNode
	for !n.IsLeaf() {
		slot := n.slotFor(bucket)
		child := n.EntryAt(slot)
		if child == dam.NullPageID {
			return
		}
		hc := page.Acquire(r.t.D, r.txnID, child, dam.LockWrite, abortErr)
		if hc.IsNull() {
			return
		}
		stack.Push(page.StackEntry{Handle: hc, ChildIndex: slot})
		n = nodeFromHandle(hc, r.t.FanOut)
	}
	slot := n.slotFor(bucket)
	n.setEntryAt(r.t.PMM, r.txnID, slot, dam.NullPageID, abortErr)

	for stack.Len() > 0 {
		entry, _ := stack.PopTop()
		current := nodeFromHandle(entry.Handle, r.t.FanOut)
		count := current.nonNullCount()

		var parentNode *Node
		if top, ok := stack.PeekTop(); ok {
			parentNode = nodeFromHandle(top.Handle, r.t.FanOut)
		} else {
			parentNode = r.localNode
		}

		switch {
		case count == 0:
			parentNode.setEntryAt(r.t.PMM, r.txnID, entry.ChildIndex, dam.NullPageID, abortErr)
			entry.Handle.Release(r.t.D, r.txnID, dam.FreePage, abortErr)
		case count == 1 && !current.IsLeaf():
			r.levelDown(entry.Handle, current, abortErr)
			entry.Handle.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		default:
			entry.Handle.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		}
	}

	// The stack only ever holds pages strictly below r.localNode, so a local
	// root left with zero non-NULL entries by the pass above (it was the
	// parent of the single child just freed) is never checked above. Spec
	// §4.8.4: a local root emptied this way resets to an empty level-0 leaf
	// and keeps its handle, rather than being freed (the locker never frees
	// its own local root).
	if !r.localNode.IsLeaf() && r.localNode.nonNullCount() == 0 {
		InitEmpty(r.t.PMM, r.txnID, r.localNode, 0, r.localNode.FirstBucketID(), abortErr)
	}
}

// levelDown overwrites current's buffer with its sole non-NULL child's, then
// frees that child (spec §4.8.5).
func (r *RangeLocker) levelDown(h page.Handle, current *Node, abortErr *error) {
	idx, ok := current.onlyNonNullSlot()
	if !ok {
		return
	}
	childID := current.EntryAt(idx)
	hc := page.Acquire(r.t.D, r.txnID, childID, dam.LockWrite, abortErr)
	if hc.IsNull() {
		return
	}
	copy(current.Buf, hc.Buf)
	r.t.PMM.WriteRegion(r.txnID, current.PageID, current.Buf, 0, current.Buf, abortErr)
	hc.Release(r.t.D, r.txnID, dam.FreePage, abortErr)
}

// Direction for FindNonNull.
type Direction int

const (
	LT Direction = iota
	LE
	GE
	GT
)

// FindNonNull finds the nearest occupied bucket to bucket in the given
// direction, returning (bucketID, pageID, true), or (0, NullPageID, false)
// if none exists within the delegated range (spec §4.8.6).
func (r *RangeLocker) FindNonNull(bucket uint64, dir Direction, abortErr *error) (uint64, dam.PageID, bool) {
	switch dir {
	case LT:
		if bucket == 0 {
			return 0, dam.NullPageID, false
		}
		return r.findNonNullLE(bucket-1, abortErr)
	case LE:
		return r.findNonNullLE(bucket, abortErr)
	case GT:
		if bucket == ^uint64(0) {
			return 0, dam.NullPageID, false
		}
		return r.findNonNullGE(bucket+1, abortErr)
	default: // GE
		return r.findNonNullGE(bucket, abortErr)
	}
}

func (r *RangeLocker) findNonNullLE(target uint64, abortErr *error) (uint64, dam.PageID, bool) {
	return r.dfs(r.localNode, target, false, abortErr)
}

func (r *RangeLocker) findNonNullGE(target uint64, abortErr *error) (uint64, dam.PageID, bool) {
	return r.dfs(r.localNode, target, true, abortErr)
}

// dfs walks n's subtree depth-first, read-locking each child page while it
// is searched and releasing it afterwards, looking for the nearest occupied
// bucket to target in the requested direction.
func (r *RangeLocker) dfs(n *Node, target uint64, ascending bool, abortErr *error) (uint64, dam.PageID, bool) {
	span := childSpan(r.t.FanOut, n.Level())
	targetSlot := 0
	if target >= n.FirstBucketID() {
		targetSlot = int((target - n.FirstBucketID()) / span)
	}
	if targetSlot >= r.t.FanOut {
		targetSlot = r.t.FanOut - 1
	}
	order := make([]int, 0, r.t.FanOut)
	if ascending {
		for i := targetSlot; i < r.t.FanOut; i++ {
			order = append(order, i)
		}
	} else {
		for i := targetSlot; i >= 0; i-- {
			order = append(order, i)
		}
	}
	for _, slot := range order {
		child := n.EntryAt(slot)
		if child == dam.NullPageID {
			continue
		}
		if n.IsLeaf() {
			bucket := n.FirstBucketID() + uint64(slot)
			if !inRange(r, bucket) {
				continue
			}
			if (ascending && bucket < target) || (!ascending && bucket > target) {
				continue
			}
			return bucket, child, true
		}
		hc := page.Acquire(r.t.D, r.txnID, child, dam.LockRead, abortErr)
		if hc.IsNull() {
			continue
		}
		childNode := nodeFromHandle(hc, r.t.FanOut)
		bucket, id, found := r.dfs(childNode, target, ascending, abortErr)
		hc.Release(r.t.D, r.txnID, dam.NoneOption, abortErr)
		if found {
			return bucket, id, true
		}
	}
	return 0, dam.NullPageID, false
}

// Destroy frees every page in root's subtree via a post-order DFS under read
// locks, releasing each with FreePage after its children are freed (spec
// §4.8.7).
func Destroy(t *Table, txnID uint64, root dam.PageID, abortErr *error) {
	h := page.Acquire(t.D, txnID, root, dam.LockRead, abortErr)
	if h.IsNull() {
		return
	}
	n := nodeFromHandle(h, t.FanOut)
	if !n.IsLeaf() {
		for i := 0; i < t.FanOut; i++ {
			child := n.EntryAt(i)
			if child != dam.NullPageID {
				Destroy(t, txnID, child, abortErr)
			}
		}
	}
	h.Release(t.D, txnID, dam.FreePage, abortErr)
}

// DeleteRangeLocker releases the locker's local root and nothing more. It
// does not walk from the real root, and a local root left empty stays
// allocated and linked from its parent; it is not freed here.
func (r *RangeLocker) DeleteRangeLocker(abortErr *error) {
	r.Release(abortErr)
}
