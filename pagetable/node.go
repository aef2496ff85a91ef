// Package pagetable implements the radix page table (spec §3.5, §4.8): a
// trie over the 64-bit bucket keyspace with a fixed fan-out per level, plus
// the range-locker state machine that lets a caller work inside a narrowed
// subtree without re-walking from the real root on every call.
package pagetable

import (
	"encoding/binary"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/page"
)

const headerSize = 10 // level (2) + first_bucket_id (8)

// Node is an in-memory view over one page table page's buffer. Entries are
// stored as fixed 8-byte big-endian PageIDs, fanOut of them.
type Node struct {
	Buf    []byte
	PageID dam.PageID
	FanOut int
}

func (n *Node) Level() uint16        { return binary.BigEndian.Uint16(n.Buf[0:2]) }
func (n *Node) FirstBucketID() uint64 { return binary.BigEndian.Uint64(n.Buf[2:headerSize]) }
func (n *Node) IsLeaf() bool         { return n.Level() == 0 }

func entryOffset(i int) int { return headerSize + i*8 }

func (n *Node) EntryAt(i int) dam.PageID {
	return dam.PageID(binary.BigEndian.Uint64(n.Buf[entryOffset(i):]))
}

func (n *Node) setEntryAt(pmm dam.PageModificationMethods, txnID uint64, i int, id dam.PageID, abortErr *error) {
	off := entryOffset(i)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	copy(n.Buf[off:], b[:])
	pmm.WriteRegion(txnID, n.PageID, n.Buf, uint32(off), n.Buf[off:off+8], abortErr)
}

func (n *Node) setHeader(pmm dam.PageModificationMethods, txnID uint64, level uint16, firstBucketID uint64, abortErr *error) {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], level)
	binary.BigEndian.PutUint64(hdr[2:headerSize], firstBucketID)
	copy(n.Buf[0:headerSize], hdr[:])
	pmm.SetHeader(txnID, n.PageID, n.Buf, hdr[:], abortErr)
}

// rangeSize is fanOut^(level+1): the span of bucket ids this page covers.
func rangeSize(fanOut int, level uint16) uint64 {
	size := uint64(1)
	for i := uint16(0); i <= level; i++ {
		size *= uint64(fanOut)
	}
	return size
}

// childSpan is fanOut^level: the span covered by one entry slot.
func childSpan(fanOut int, level uint16) uint64 {
	if level == 0 {
		return 1
	}
	return rangeSize(fanOut, level-1)
}

func (n *Node) containsBucket(bucket uint64) bool {
	first := n.FirstBucketID()
	size := rangeSize(n.FanOut, n.Level())
	return bucket >= first && bucket-first < size
}

// slotFor returns the entry index covering bucket, assuming containsBucket.
func (n *Node) slotFor(bucket uint64) int {
	return int((bucket - n.FirstBucketID()) / childSpan(n.FanOut, n.Level()))
}

func (n *Node) nonNullCount() int {
	c := 0
	for i := 0; i < n.FanOut; i++ {
		if n.EntryAt(i) != dam.NullPageID {
			c++
		}
	}
	return c
}

func (n *Node) onlyNonNullSlot() (int, bool) {
	idx, count := -1, 0
	for i := 0; i < n.FanOut; i++ {
		if n.EntryAt(i) != dam.NullPageID {
			idx = i
			count++
		}
	}
	return idx, count == 1
}

// InitEmpty formats buf as an empty page table page at level, covering
// [firstBucketID, firstBucketID+fanOut^(level+1)), all entries NULL.
func InitEmpty(pmm dam.PageModificationMethods, txnID uint64, n *Node, level uint16, firstBucketID uint64, abortErr *error) {
	pmm.InitPage(txnID, n.PageID, n.Buf, abortErr)
	n.setHeader(pmm, txnID, level, firstBucketID, abortErr)
	for i := 0; i < n.FanOut; i++ {
		n.setEntryAt(pmm, txnID, i, dam.NullPageID, abortErr)
	}
}

func nodeFromHandle(h page.Handle, fanOut int) *Node {
	return &Node{Buf: h.Buf, PageID: h.PageID, FanOut: fanOut}
}
