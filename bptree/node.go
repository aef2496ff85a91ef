// Package bptree implements the B+ tree node layout, split/merge mechanics
// and the crabbing walkers over it (spec §3.4, §4.5, §4.6, §4.7): a sorted
// sibling-linked leaf chain under interior pages of (key_columns,
// child_page_id) separators, all built on package page's persistent-page
// wrapper and sorted-packed-page primitive.
package bptree

import (
	"encoding/binary"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
	"github.com/embedded-index/tupleindex/tuple"
)

// PageType distinguishes leaf from interior nodes in the common header.
type PageType uint8

const (
	TypeLeaf     PageType = 1
	TypeInterior PageType = 2
)

const (
	commonHeaderSize  = 3  // type (1) + level (2)
	leafHeaderSize    = commonHeaderSize + 16 // + prev_page_id, next_page_id
	interiorExtra     = 9                     // least_keys_page_id (8) + is_last_page_of_level (1)
	interiorHeaderSize = commonHeaderSize + interiorExtra
)

// Def bundles the tuple definitions a tree needs: KeyDef is the leaf
// record's full definition (record_def — key columns plus any non-key
// payload columns); IndexDef is derived from just its first KeyElemCount
// columns plus a trailing child-page-id column (index_def — spec §3.3).
type Def struct {
	KeyDef       *tuple.Def
	IndexDef     *tuple.Def
	KeyElemCount int
}

// NewDef builds a Def from a leaf record's definition and the number of its
// leading columns that form the key.
func NewDef(keyDef *tuple.Def, keyElemCount int) *Def {
	return &Def{KeyDef: keyDef, IndexDef: tuple.NewIndexDef(keyDef.Prefix(keyElemCount)), KeyElemCount: keyElemCount}
}

// Node is an in-memory view over one B+ tree page's buffer.
type Node struct {
	Buf    []byte
	PageID dam.PageID
	Def    *Def
}

func (n *Node) Type() PageType { return PageType(n.Buf[0]) }
func (n *Node) IsLeaf() bool   { return n.Type() == TypeLeaf }
func (n *Node) Level() uint16  { return binary.BigEndian.Uint16(n.Buf[1:3]) }

func (n *Node) headerSize() int {
	if n.IsLeaf() {
		return leafHeaderSize
	}
	return interiorHeaderSize
}

// Packed returns the sorted-packed-page view over this node's tuple area.
func (n *Node) Packed() *page.Packed {
	def := n.Def.KeyDef
	if !n.IsLeaf() {
		def = n.Def.IndexDef
	}
	return page.NewPacked(n.Buf[n.headerSize():], def, n.PageID)
}

func pageIDAt(buf []byte, off int) dam.PageID { return dam.PageID(binary.BigEndian.Uint64(buf[off:])) }

// PrevPageID / NextPageID are only meaningful on a leaf.
func (n *Node) PrevPageID() dam.PageID { return pageIDAt(n.Buf, 3) }
func (n *Node) NextPageID() dam.PageID { return pageIDAt(n.Buf, 11) }

// LeastKeysPageID / IsLastPageOfLevel are only meaningful on an interior.
func (n *Node) LeastKeysPageID() dam.PageID { return pageIDAt(n.Buf, 3) }
func (n *Node) IsLastPageOfLevel() bool     { return n.Buf[11] != 0 }

func (n *Node) setPageIDAt(pmm dam.PageModificationMethods, txnID uint64, off int, id dam.PageID, abortErr *error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	copy(n.Buf[off:], b[:])
	pmm.WriteRegion(txnID, n.PageID, n.Buf, uint32(off), n.Buf[off:off+8], abortErr)
}

func (n *Node) SetPrevPageID(pmm dam.PageModificationMethods, txnID uint64, id dam.PageID, abortErr *error) {
	n.setPageIDAt(pmm, txnID, 3, id, abortErr)
}
func (n *Node) SetNextPageID(pmm dam.PageModificationMethods, txnID uint64, id dam.PageID, abortErr *error) {
	n.setPageIDAt(pmm, txnID, 11, id, abortErr)
}
func (n *Node) SetLeastKeysPageID(pmm dam.PageModificationMethods, txnID uint64, id dam.PageID, abortErr *error) {
	n.setPageIDAt(pmm, txnID, 3, id, abortErr)
}
func (n *Node) SetIsLastPageOfLevel(pmm dam.PageModificationMethods, txnID uint64, v bool, abortErr *error) {
	if v {
		n.Buf[11] = 1
	} else {
		n.Buf[11] = 0
	}
	pmm.WriteRegion(txnID, n.PageID, n.Buf, 11, n.Buf[11:12], abortErr)
}

func setCommonHeader(pmm dam.PageModificationMethods, txnID uint64, n *Node, typ PageType, level uint16, abortErr *error) {
	var hdr [commonHeaderSize]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint16(hdr[1:3], level)
	copy(n.Buf[0:commonHeaderSize], hdr[:])
	pmm.SetHeader(txnID, n.PageID, n.Buf, hdr[:], abortErr)
}

// InitLeaf formats n as an empty leaf at the given level (normally 0), with
// no siblings.
func InitLeaf(pmm dam.PageModificationMethods, txnID uint64, n *Node, level uint16, abortErr *error) {
	pmm.InitPage(txnID, n.PageID, n.Buf, abortErr)
	setCommonHeader(pmm, txnID, n, TypeLeaf, level, abortErr)
	n.SetPrevPageID(pmm, txnID, dam.NullPageID, abortErr)
	n.SetNextPageID(pmm, txnID, dam.NullPageID, abortErr)
	page.InitPacked(pmm, txnID, n.Buf[leafHeaderSize:], n.PageID, abortErr)
}

// InitInterior formats n as an empty interior page at the given level, with
// leastKeysPageID as its sole (virtual, -1-indexed) child.
func InitInterior(pmm dam.PageModificationMethods, txnID uint64, n *Node, level uint16, leastKeysPageID dam.PageID, abortErr *error) {
	pmm.InitPage(txnID, n.PageID, n.Buf, abortErr)
	setCommonHeader(pmm, txnID, n, TypeInterior, level, abortErr)
	n.SetLeastKeysPageID(pmm, txnID, leastKeysPageID, abortErr)
	n.SetIsLastPageOfLevel(pmm, txnID, true, abortErr)
	page.InitPacked(pmm, txnID, n.Buf[interiorHeaderSize:], n.PageID, abortErr)
}

// FindChildIndexForKey returns -1 when key sorts before the first separator
// (meaning the virtual least_keys_page_id child), else the greatest index
// whose separator is <= key.
func FindChildIndexForKey(n *Node, key []byte) int {
	return n.Packed().FindPrecedingEquals(key, n.Def.KeyElemCount)
}

// ChildPageIDAt resolves index (as returned by FindChildIndexForKey) to a
// child page id.
func ChildPageIDAt(n *Node, index int) dam.PageID {
	if index < 0 {
		return n.LeastKeysPageID()
	}
	entry := n.Packed().GetTuple(index)
	return dam.PageID(n.Def.IndexDef.Uint64At(entry, n.Def.IndexDef.ElementCount()-1))
}

// indexEntryFor builds an index_def tuple: the key columns copied out of a
// record/leaf-tuple (or an existing index entry) with the same key prefix,
// followed by childID.
func indexEntryFor(def *Def, keySource []byte, childID dam.PageID) []byte {
	n := def.KeyElemCount
	values := make([][]byte, n+1)
	for i := 0; i < n; i++ {
		values[i] = def.KeyDef.At(keySource, i)
	}
	values[n] = tuple.EncodeUint64(uint64(childID), 8)
	return tuple.Encode(def.IndexDef, values)
}

func rebuildTuples(pk *page.Packed, pmm dam.PageModificationMethods, txnID uint64, tuples [][]byte, abortErr *error) {
	// tuples may alias pk's own buffer, which Reset and re-insertion overwrite.
	owned := make([][]byte, len(tuples))
	for i, t := range tuples {
		owned[i] = append([]byte(nil), t...)
	}
	pk.Reset(pmm, txnID, abortErr)
	for _, t := range owned {
		if !pk.InsertAt(pmm, txnID, t, pk.Count(), abortErr) {
			panic("bptree: rebuildTuples ran out of space re-inserting tuples that previously fit")
		}
	}
}

// computeLeafSplitPoint decides how many of the n+1 post-insert tuples stay
// in page1 (spec §4.5): for fixed-size records, ceil((n+1)/2); for the last
// leaf of the sibling chain, as many as still fit (push everything, i.e. no
// split boundary other than capacity); otherwise a cumulative-size walk
// against half the page's allotted bytes.
func computeLeafSplitPoint(allotted uint32, def *tuple.Def, all [][]byte, isLastLeaf bool) int {
	n := len(all)
	if def.IsFixedSize() {
		return (n + 1) / 2
	}
	threshold := allotted / 2
	if isLastLeaf {
		threshold = allotted
	}
	total := uint32(page.HeaderSize)
	stay := 0
	for i, t := range all {
		total += uint32(len(t)) + page.TupleOverhead
		if total > threshold && i > 0 {
			break
		}
		stay = i + 1
	}
	if stay == 0 {
		stay = 1
	}
	if stay >= n {
		stay = n - 1
		if stay == 0 {
			stay = 1
		}
	}
	return stay
}

func allWithInserted(pk *page.Packed, insertionIndex int, t []byte) [][]byte {
	n := pk.Count()
	all := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		if i == insertionIndex {
			all = append(all, t)
		}
		all = append(all, append([]byte(nil), pk.GetTuple(i)...))
	}
	if insertionIndex >= n {
		all = append(all, t)
	}
	return all
}

// SplitInsertLeaf splits page1 (already known to be too full to absorb
// tupleToInsert at insertionIndex), moving the upper half of its tuples into
// a freshly allocated page2 spliced into the sibling chain, and returns the
// index_def entry the caller must install in the parent.
func SplitInsertLeaf(p1 *Node, tupleToInsert []byte, insertionIndex int, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) []byte {
	pk1 := p1.Packed()
	isLast := p1.NextPageID() == dam.NullPageID
	all := allWithInserted(pk1, insertionIndex, tupleToInsert)
	stay := computeLeafSplitPoint(pk1.Capacity().Allotted, p1.Def.KeyDef, all, isLast)

	h2 := page.NewWithWriteLock(d, txnID, abortErr)
	if h2.IsNull() {
		return nil
	}
	page2 := &Node{Buf: h2.Buf, PageID: h2.PageID, Def: p1.Def}
	InitLeaf(pmm, txnID, page2, p1.Level(), abortErr)

	page3ID := p1.NextPageID()
	page2.SetPrevPageID(pmm, txnID, p1.PageID, abortErr)
	page2.SetNextPageID(pmm, txnID, page3ID, abortErr)
	p1.SetNextPageID(pmm, txnID, page2.PageID, abortErr)
	if page3ID != dam.NullPageID {
		h3 := page.Acquire(d, txnID, page3ID, dam.LockWrite, abortErr)
		node3 := &Node{Buf: h3.Buf, PageID: page3ID, Def: p1.Def}
		node3.SetPrevPageID(pmm, txnID, page2.PageID, abortErr)
		h3.Release(d, txnID, dam.NoneOption, abortErr)
	}

	rebuildTuples(pk1, pmm, txnID, all[:stay], abortErr)
	rebuildTuples(page2.Packed(), pmm, txnID, all[stay:], abortErr)
	h2.Release(d, txnID, dam.NoneOption, abortErr)

	return indexEntryFor(p1.Def, all[stay], page2.PageID)
}

// mergeLeafPages folds page2 (already acquired as h2, already known to be
// p1's direct next sibling) into p1, relinking the sibling chain around it,
// and frees h2 on success. It returns false, leaving every page untouched, if
// the combined tuples would not fit p1 once the sorted-packed-page's own
// per-tuple directory/length-prefix overhead is accounted for (spec §4.4).
func mergeLeafPages(p1, page2 *Node, h2 page.Handle, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) bool {
	pk1, pk2 := p1.Packed(), page2.Packed()

	combined := make([][]byte, 0, pk1.Count()+pk2.Count())
	var size uint32
	for i := 0; i < pk1.Count(); i++ {
		t := pk1.GetTuple(i)
		combined = append(combined, t)
		size += uint32(len(t))
	}
	for i := 0; i < pk2.Count(); i++ {
		t := pk2.GetTuple(i)
		combined = append(combined, t)
		size += uint32(len(t))
	}
	required := page.HeaderSize + uint32(len(combined))*page.TupleOverhead + size
	if required > pk1.Capacity().Allotted {
		return false
	}

	page3ID := page2.NextPageID()
	if page3ID != dam.NullPageID {
		h3 := page.Acquire(d, txnID, page3ID, dam.LockWrite, abortErr)
		node3 := &Node{Buf: h3.Buf, PageID: page3ID, Def: p1.Def}
		node3.SetPrevPageID(pmm, txnID, p1.PageID, abortErr)
		h3.Release(d, txnID, dam.NoneOption, abortErr)
	}
	p1.SetNextPageID(pmm, txnID, page3ID, abortErr)
	rebuildTuples(pk1, pmm, txnID, combined, abortErr)

	h2.Release(d, txnID, dam.FreePage, abortErr)
	return true
}

// MergeLeaves attempts to fold next(page1) into page1. It returns false if
// the sibling's lock can't be acquired or the combined tuples don't fit.
func MergeLeaves(p1 *Node, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) bool {
	nextID := p1.NextPageID()
	if nextID == dam.NullPageID {
		return false
	}
	h2 := page.Acquire(d, txnID, nextID, dam.LockWrite, abortErr)
	if h2.IsNull() {
		return false
	}
	page2 := &Node{Buf: h2.Buf, PageID: nextID, Def: p1.Def}
	if mergeLeafPages(p1, page2, h2, d, pmm, txnID, abortErr) {
		return true
	}
	h2.Release(d, txnID, dam.NoneOption, abortErr)
	return false
}

// SplitInsertInterior mirrors SplitInsertLeaf for an interior page: the entry
// (sepFromParent's key, newChildID) is placed at insertionIndex, the lower
// half of the entries stays in p1, the middle entry is promoted (its child
// becoming page2's least_keys_page_id), the upper half moves to page2, and
// the promoted key pointing at page2 is returned for the parent.
func SplitInsertInterior(p1 *Node, sepFromParent []byte, newChildID dam.PageID, insertionIndex int, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) []byte {
	pk1 := p1.Packed()
	newEntry := indexEntryFor(p1.Def, sepFromParent, newChildID)
	all := allWithInserted(pk1, insertionIndex, newEntry)
	n := len(all)
	stay := (n + 1) / 2
	if stay >= n {
		stay = n - 1
	}
	if stay <= 0 {
		stay = 1
	}

	h2 := page.NewWithWriteLock(d, txnID, abortErr)
	if h2.IsNull() {
		return nil
	}
	page2 := &Node{Buf: h2.Buf, PageID: h2.PageID, Def: p1.Def}

	// The tuple at index `stay` becomes the separator promoted to the
	// parent; its child id becomes page2's least_keys_page_id, and it is
	// not itself stored in page2.
	promoted := all[stay]
	promotedChild := dam.PageID(p1.Def.IndexDef.Uint64At(promoted, p1.Def.IndexDef.ElementCount()-1))
	InitInterior(pmm, txnID, page2, p1.Level(), promotedChild, abortErr)
	page2.SetIsLastPageOfLevel(pmm, txnID, p1.IsLastPageOfLevel(), abortErr)
	p1.SetIsLastPageOfLevel(pmm, txnID, false, abortErr)

	rebuildTuples(pk1, pmm, txnID, all[:stay], abortErr)
	rebuildTuples(page2.Packed(), pmm, txnID, all[stay+1:], abortErr)
	h2.Release(d, txnID, dam.NoneOption, abortErr)

	return indexEntryFor(p1.Def, promoted, page2.PageID)
}

// mergeInteriorPages folds page2 (already acquired as h2) into p1, pulling
// sepFromParent down as the separator between page1's former entries and
// page2's former least_keys_page_id child, and frees h2 on success. It
// returns false, leaving every page untouched, if the combined tuples would
// not fit p1 once the sorted-packed-page's own per-tuple overhead is
// accounted for (spec §4.4).
func mergeInteriorPages(p1 *Node, sepFromParent []byte, page2 *Node, h2 page.Handle, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) bool {
	pk1, pk2 := p1.Packed(), page2.Packed()

	pulledDown := indexEntryFor(p1.Def, sepFromParent, page2.LeastKeysPageID())
	combined := make([][]byte, 0, pk1.Count()+pk2.Count()+1)
	var size uint32
	for i := 0; i < pk1.Count(); i++ {
		t := pk1.GetTuple(i)
		combined = append(combined, t)
		size += uint32(len(t))
	}
	combined = append(combined, pulledDown)
	size += uint32(len(pulledDown))
	for i := 0; i < pk2.Count(); i++ {
		t := pk2.GetTuple(i)
		combined = append(combined, t)
		size += uint32(len(t))
	}
	required := page.HeaderSize + uint32(len(combined))*page.TupleOverhead + size
	if required > pk1.Capacity().Allotted {
		return false
	}

	p1.SetIsLastPageOfLevel(pmm, txnID, page2.IsLastPageOfLevel(), abortErr)
	rebuildTuples(pk1, pmm, txnID, combined, abortErr)
	h2.Release(d, txnID, dam.FreePage, abortErr)
	return true
}

// MergeInteriors folds next(page1) into page1, pulling sepFromParent down as
// the separator between page1's former entries and page2's former
// least_keys_page_id child.
func MergeInteriors(p1 *Node, sepFromParent []byte, d dam.DataAccessMethods, pmm dam.PageModificationMethods, txnID uint64, nextID dam.PageID, abortErr *error) bool {
	h2 := page.Acquire(d, txnID, nextID, dam.LockWrite, abortErr)
	if h2.IsNull() {
		return false
	}
	page2 := &Node{Buf: h2.Buf, PageID: nextID, Def: p1.Def}
	if mergeInteriorPages(p1, sepFromParent, page2, h2, d, pmm, txnID, abortErr) {
		return true
	}
	h2.Release(d, txnID, dam.NoneOption, abortErr)
	return false
}
