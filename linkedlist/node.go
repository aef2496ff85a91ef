// Package linkedlist implements the linked-page-list node (spec §4.9): a
// page-granularity doubly-linked chain with three distinguishable states —
// free (both links NULL), singular head (next == prev == self), and dual or
// general (next/prev point at other pages) — used as a building block
// wherever a sequence of pages needs to reference its neighbors without a
// separate index structure.
package linkedlist

import (
	"encoding/binary"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
)

const headerSize = 16 // next_page_id (8) + prev_page_id (8)

// Node is an in-memory view over one linked-page-list page's buffer.
type Node struct {
	Buf    []byte
	PageID dam.PageID
}

func nodeFromHandle(h page.Handle) *Node { return &Node{Buf: h.Buf, PageID: h.PageID} }

func (n *Node) NextPageID() dam.PageID {
	return dam.PageID(binary.BigEndian.Uint64(n.Buf[0:8]))
}

func (n *Node) PrevPageID() dam.PageID {
	return dam.PageID(binary.BigEndian.Uint64(n.Buf[8:headerSize]))
}

func (n *Node) setNext(pmm dam.PageModificationMethods, txnID uint64, id dam.PageID, abortErr *error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	copy(n.Buf[0:8], b[:])
	pmm.WriteRegion(txnID, n.PageID, n.Buf, 0, n.Buf[0:8], abortErr)
}

func (n *Node) setPrev(pmm dam.PageModificationMethods, txnID uint64, id dam.PageID, abortErr *error) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	copy(n.Buf[8:headerSize], b[:])
	pmm.WriteRegion(txnID, n.PageID, n.Buf, 8, n.Buf[8:headerSize], abortErr)
}

// Init formats buf as a free node (both links NULL_PAGE_ID).
func Init(pmm dam.PageModificationMethods, txnID uint64, pageID dam.PageID, buf []byte, abortErr *error) *Node {
	pmm.InitPage(txnID, pageID, buf, abortErr)
	n := &Node{Buf: buf, PageID: pageID}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(dam.NullPageID))
	binary.BigEndian.PutUint64(hdr[8:headerSize], uint64(dam.NullPageID))
	copy(n.Buf[0:headerSize], hdr[:])
	pmm.SetHeader(txnID, pageID, n.Buf, hdr[:], abortErr)
	return n
}

// FromHandle wraps an already-acquired page handle as a linked-list node.
func FromHandle(h page.Handle) *Node { return nodeFromHandle(h) }

// IsNextOf reports whether n's next link points at other.
func (n *Node) IsNextOf(other *Node) bool { return n.NextPageID() == other.PageID }

// IsPrevOf reports whether n's prev link points at other.
func (n *Node) IsPrevOf(other *Node) bool { return n.PrevPageID() == other.PageID }

// IsSingularHead reports whether n is the only node in its list (both links
// point back at itself).
func (n *Node) IsSingularHead() bool {
	return n.NextPageID() == n.PageID && n.PrevPageID() == n.PageID
}

// IsDualNode reports whether n's list has exactly two nodes: next and prev
// agree on some other page, neither being n itself.
func (n *Node) IsDualNode() bool {
	next := n.NextPageID()
	return next == n.PrevPageID() && next != n.PageID && next != dam.NullPageID
}

// IsFreeNode reports whether n is not currently part of any list.
func (n *Node) IsFreeNode() bool {
	return n.NextPageID() == dam.NullPageID && n.PrevPageID() == dam.NullPageID
}

// NodeState is the three-state classification a linked-page-list node is
// always in (spec §4.9): free, singular head, or linked (dual or general —
// the original collapses these two together since both are "a node among
// others").
type NodeState int

const (
	StateFree NodeState = iota
	StateSingularHead
	StateLinked
)

// State classifies n's current position in its list.
func (n *Node) State() NodeState {
	switch {
	case n.IsFreeNode():
		return StateFree
	case n.IsSingularHead():
		return StateSingularHead
	default:
		return StateLinked
	}
}

// LockAndGetNext acquires and returns the next node in n's list under lock,
// or a Null handle if n is a singular head (it has no distinct next node).
func LockAndGetNext(d dam.DataAccessMethods, txnID uint64, n *Node, lock dam.LockType, abortErr *error) page.Handle {
	if n.State() == StateSingularHead {
		return page.Null
	}
	return page.Acquire(d, txnID, n.NextPageID(), lock, abortErr)
}

// LockAndGetPrev acquires and returns the previous node in n's list under
// lock, or a Null handle if n is a singular head.
func LockAndGetPrev(d dam.DataAccessMethods, txnID uint64, n *Node, lock dam.LockType, abortErr *error) page.Handle {
	if n.State() == StateSingularHead {
		return page.Null
	}
	return page.Acquire(d, txnID, n.PrevPageID(), lock, abortErr)
}

// InsertBetween splices toIns into the list between xist1 and xist2. If
// xist1 and xist2 are distinct, they must already be adjacent (xist1.next ==
// xist2, xist2.prev == xist1). If xist1 and xist2 are the same node, that
// node must be a singular head — it is promoted to a dual node with toIns as
// both its next and prev. Returns false, leaving all three pages untouched,
// on any precondition violation.
func InsertBetween(xist1, xist2, toIns *Node, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) bool {
	if xist1.PageID != xist2.PageID {
		if xist1.NextPageID() != xist2.PageID || xist2.PrevPageID() != xist1.PageID {
			return false
		}
		xist1.setNext(pmm, txnID, toIns.PageID, abortErr)
		toIns.setNext(pmm, txnID, xist2.PageID, abortErr)
		xist2.setPrev(pmm, txnID, toIns.PageID, abortErr)
		toIns.setPrev(pmm, txnID, xist1.PageID, abortErr)
		return true
	}
	if !xist1.IsSingularHead() {
		return false
	}
	xist1.setNext(pmm, txnID, toIns.PageID, abortErr)
	toIns.setNext(pmm, txnID, xist1.PageID, abortErr)
	xist1.setPrev(pmm, txnID, toIns.PageID, abortErr)
	toIns.setPrev(pmm, txnID, xist1.PageID, abortErr)
	return true
}

// Remove splices node out from between prev and next, freeing node (both its
// links reset to NULL_PAGE_ID). If prev and next are the same page (node was
// a dual node's other half), that remaining page collapses back to a
// singular head pointing at itself. Returns false, leaving every page
// untouched, if node is itself a singular head (nothing to remove it from)
// or the three pages are not actually adjacent in the stated order.
func Remove(prev, node, next *Node, pmm dam.PageModificationMethods, txnID uint64, abortErr *error) bool {
	if node.IsSingularHead() {
		return false
	}
	if prev.NextPageID() != node.PageID || node.PrevPageID() != prev.PageID ||
		node.NextPageID() != next.PageID || next.PrevPageID() != node.PageID {
		return false
	}
	if prev.PageID == next.PageID {
		prev.setNext(pmm, txnID, prev.PageID, abortErr)
		prev.setPrev(pmm, txnID, prev.PageID, abortErr)
	} else {
		prev.setNext(pmm, txnID, next.PageID, abortErr)
		next.setPrev(pmm, txnID, prev.PageID, abortErr)
	}
	node.setNext(pmm, txnID, dam.NullPageID, abortErr)
	node.setPrev(pmm, txnID, dam.NullPageID, abortErr)
	return true
}
