package page

import (
	"encoding/binary"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/tuple"
)

// NotFound is returned by the search/find-* family when no tuple satisfies
// the probe (spec's NOT_FOUND / NO_TUPLE_FOUND).
const NotFound = -1

// header layout within a Packed page's tuple area:
//
//	[0:2)  Count   uint16  number of live slots
//	[2:4)  Garbage uint16  reclaimable bytes wasted by in-place shrinks
//	[4:8)  Frontier uint32 byte offset where the packed tuple-data region begins
//	[8: 8+4*Count) slot directory, one 4-byte big-endian offset per slot, in
//	               ascending key order; each points at a [2-byte length][payload]
//	               cell somewhere in [directoryEnd, Allotted).
const (
	hdrCountOff    = 0
	hdrGarbageOff  = 2
	hdrFrontierOff = 4
	hdrSize        = 8
	slotSize       = 4
	cellLenPrefix  = 2
)

// HeaderSize and TupleOverhead let callers outside this package (notably
// bptree's merge admission checks) compute exact required space for a set of
// raw tuple byte slices against Capacity.Allotted, the same way InsertAt and
// Compact do internally: HeaderSize once, plus TupleOverhead per tuple, plus
// the tuples' own encoded lengths.
const (
	HeaderSize    = hdrSize
	TupleOverhead = slotSize + cellLenPrefix
)

// Packed is a sorted-packed-page view (spec §4.3): tuples kept in Buf sorted
// by a configurable key-column prefix of Def, binary-searchable, with an
// append-then-bubble insertion discipline and lazy garbage accounting.
type Packed struct {
	Buf    []byte
	Def    *tuple.Def
	PageID dam.PageID
}

// NewPacked wraps an already-initialized tuple-area buffer. Use InitPacked to
// initialize a freshly allocated page's buffer first.
func NewPacked(buf []byte, def *tuple.Def, pageID dam.PageID) *Packed {
	return &Packed{Buf: buf, Def: def, PageID: pageID}
}

// InitPacked zeroes the header of a freshly allocated page's tuple area so it
// reads as empty (Count=0, Frontier=len(buf)).
func InitPacked(pmm dam.PageModificationMethods, txnID uint64, buf []byte, pageID dam.PageID, abortErr *error) {
	binary.BigEndian.PutUint16(buf[hdrCountOff:], 0)
	binary.BigEndian.PutUint16(buf[hdrGarbageOff:], 0)
	binary.BigEndian.PutUint32(buf[hdrFrontierOff:], uint32(len(buf)))
	pmm.WriteRegion(txnID, pageID, buf, 0, buf[:hdrSize], abortErr)
}

func (p *Packed) Count() int { return int(binary.BigEndian.Uint16(p.Buf[hdrCountOff:])) }
func (p *Packed) garbage() uint32 {
	return uint32(binary.BigEndian.Uint16(p.Buf[hdrGarbageOff:]))
}
func (p *Packed) frontier() uint32 { return binary.BigEndian.Uint32(p.Buf[hdrFrontierOff:]) }

func (p *Packed) setCount(n int)          { binary.BigEndian.PutUint16(p.Buf[hdrCountOff:], uint16(n)) }
func (p *Packed) setGarbage(v uint32)     { binary.BigEndian.PutUint16(p.Buf[hdrGarbageOff:], uint16(v)) }
func (p *Packed) setFrontier(off uint32)  { binary.BigEndian.PutUint32(p.Buf[hdrFrontierOff:], off) }
func (p *Packed) dirEnd() uint32          { return hdrSize + uint32(p.Count())*slotSize }
func (p *Packed) slotAt(i int) uint32     { return hdrSize + uint32(i)*slotSize }
func (p *Packed) slotOffset(i int) uint32 { return binary.BigEndian.Uint32(p.Buf[p.slotAt(i):]) }
func (p *Packed) setSlotOffset(i int, off uint32) {
	binary.BigEndian.PutUint32(p.Buf[p.slotAt(i):], off)
}

func (p *Packed) cellLength(off uint32) uint32 {
	return uint32(binary.BigEndian.Uint16(p.Buf[off:]))
}

// Capacity reports the page's occupancy for the storage-capacity predicates.
func (p *Packed) Capacity() Capacity {
	return Capacity{Allotted: uint32(len(p.Buf)), Used: uint32(len(p.Buf)) - (p.frontier() - p.dirEnd())}
}

// Reclaimable returns bytes currently wasted by in-place update shrinkage,
// recoverable on the next Compact.
func (p *Packed) Reclaimable() uint32 { return p.garbage() }

// GetTuple returns the payload bytes of the i'th tuple in sort order.
func (p *Packed) GetTuple(i int) []byte {
	off := p.slotOffset(i)
	length := p.cellLength(off)
	return p.Buf[off+cellLenPrefix : off+cellLenPrefix+length]
}

func (p *Packed) compareAt(i int, probe []byte, keysCount int) int {
	return tuple.ComparePrefix(p.GetTuple(i), probe, p.Def, keysCount)
}

// lowerBound returns the first index i with tuple[i] >= probe (or Count()).
func (p *Packed) lowerBound(probe []byte, keysCount int) int {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		if p.compareAt(mid, probe, keysCount) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the first index i with tuple[i] > probe (or Count()).
func (p *Packed) upperBound(probe []byte, keysCount int) int {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		if p.compareAt(mid, probe, keysCount) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Search returns the leftmost tuple equal to probe under the first
// keysCount columns, or NotFound.
func (p *Packed) Search(probe []byte, keysCount int) int {
	i := p.lowerBound(probe, keysCount)
	if i < p.Count() && p.compareAt(i, probe, keysCount) == 0 {
		return i
	}
	return NotFound
}

// FindInsertionPoint returns the first index at which probe can be placed
// while preserving order; returns Count() if probe sorts after every tuple.
func (p *Packed) FindInsertionPoint(probe []byte, keysCount int) int {
	return p.lowerBound(probe, keysCount)
}

// FindPreceding returns the largest index with tuple[i] < probe, or NotFound.
func (p *Packed) FindPreceding(probe []byte, keysCount int) int {
	i := p.lowerBound(probe, keysCount) - 1
	if i < 0 {
		return NotFound
	}
	return i
}

// FindPrecedingEquals returns the largest index with tuple[i] <= probe, or NotFound.
func (p *Packed) FindPrecedingEquals(probe []byte, keysCount int) int {
	i := p.upperBound(probe, keysCount) - 1
	if i < 0 {
		return NotFound
	}
	return i
}

// FindSucceeding returns the smallest index with tuple[i] > probe, or NotFound.
func (p *Packed) FindSucceeding(probe []byte, keysCount int) int {
	i := p.upperBound(probe, keysCount)
	if i >= p.Count() {
		return NotFound
	}
	return i
}

// FindSucceedingEquals returns the smallest index with tuple[i] >= probe, or NotFound.
func (p *Packed) FindSucceedingEquals(probe []byte, keysCount int) int {
	i := p.lowerBound(probe, keysCount)
	if i >= p.Count() {
		return NotFound
	}
	return i
}

// writeCell appends t as a new cell just below the current frontier,
// returning its offset, or false if there isn't room.
func (p *Packed) writeCell(pmm dam.PageModificationMethods, txnID uint64, t []byte, abortErr *error) (uint32, bool) {
	cellLen := uint32(cellLenPrefix + len(t))
	fr := p.frontier()
	if fr-cellLen < p.dirEnd() {
		return 0, false
	}
	newOff := fr - cellLen
	var lenBuf [cellLenPrefix]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(t)))
	copy(p.Buf[newOff:], lenBuf[:])
	copy(p.Buf[newOff+cellLenPrefix:], t)
	p.setFrontier(newOff)
	pmm.WriteRegion(txnID, p.PageID, p.Buf, newOff, p.Buf[newOff:newOff+cellLen], abortErr)
	return newOff, true
}

// InsertAt inserts t at logical position index (0 <= index <= Count()),
// appending a new cell then bubbling its directory slot into place.
func (p *Packed) InsertAt(pmm dam.PageModificationMethods, txnID uint64, t []byte, index int, abortErr *error) bool {
	cellLen := uint32(cellLenPrefix + len(t))
	if !p.Capacity().CanInsertWithoutSplit(cellLen, slotSize, 0) {
		return false
	}
	n := p.Count()
	p.setCount(n + 1)
	off, ok := p.writeCell(pmm, txnID, t, abortErr)
	if !ok {
		p.setCount(n)
		return false
	}
	p.setSlotOffset(n, off)
	for i := n; i > index; i-- {
		p.setSlotOffset(i, p.slotOffset(i-1))
		p.setSlotOffset(i-1, off)
	}
	pmm.WriteRegion(txnID, p.PageID, p.Buf, 0, p.Buf[:hdrSize], abortErr)
	pmm.WriteRegion(txnID, p.PageID, p.Buf, hdrSize, p.Buf[hdrSize:p.dirEnd()], abortErr)
	return true
}

// Insert computes the insertion point for t under keysCount key columns and
// inserts it there.
func (p *Packed) Insert(pmm dam.PageModificationMethods, txnID uint64, t []byte, keysCount int, abortErr *error) (int, bool) {
	idx := p.FindInsertionPoint(t, keysCount)
	if !p.InsertAt(pmm, txnID, t, idx, abortErr) {
		return idx, false
	}
	return idx, true
}

// DeleteAt removes the tuple at index, then compacts the page.
func (p *Packed) DeleteAt(pmm dam.PageModificationMethods, txnID uint64, index int, abortErr *error) bool {
	n := p.Count()
	if index < 0 || index >= n {
		return false
	}
	for i := index; i < n-1; i++ {
		p.setSlotOffset(i, p.slotOffset(i+1))
	}
	p.setCount(n - 1)
	p.Compact(pmm, txnID, abortErr)
	return true
}

// DeleteRange removes tuples [lo, hi] inclusive, then compacts once.
func (p *Packed) DeleteRange(pmm dam.PageModificationMethods, txnID uint64, lo, hi int, abortErr *error) bool {
	n := p.Count()
	if lo < 0 || hi < lo || hi >= n {
		return false
	}
	removed := hi - lo + 1
	for i := lo; i+removed < n; i++ {
		p.setSlotOffset(i, p.slotOffset(i+removed))
	}
	p.setCount(n - removed)
	p.Compact(pmm, txnID, abortErr)
	return true
}

// Reset clears the page back to empty, discarding all tuples and garbage.
func (p *Packed) Reset(pmm dam.PageModificationMethods, txnID uint64, abortErr *error) {
	p.setCount(0)
	p.setGarbage(0)
	p.setFrontier(uint32(len(p.Buf)))
	pmm.WriteRegion(txnID, p.PageID, p.Buf, 0, p.Buf[:hdrSize], abortErr)
}

// Compact rebuilds the data region contiguously from the current directory
// order, reclaiming all garbage (from prior in-place shrinks) and any holes
// left by DeleteAt/DeleteRange.
func (p *Packed) Compact(pmm dam.PageModificationMethods, txnID uint64, abortErr *error) {
	n := p.Count()
	tuples := make([][]byte, n)
	for i := 0; i < n; i++ {
		src := p.GetTuple(i)
		dup := make([]byte, len(src))
		copy(dup, src)
		tuples[i] = dup
	}
	p.setFrontier(uint32(len(p.Buf)))
	p.setGarbage(0)
	for i, t := range tuples {
		off, ok := p.writeCell(pmm, txnID, t, abortErr)
		if !ok {
			panic("page: Compact ran out of space rebuilding a page that held these tuples before")
		}
		p.setSlotOffset(i, off)
	}
	pmm.WriteRegion(txnID, p.PageID, p.Buf, 0, p.Buf[:hdrSize], abortErr)
	if n > 0 {
		pmm.WriteRegion(txnID, p.PageID, p.Buf, hdrSize, p.Buf[hdrSize:p.dirEnd()], abortErr)
	}
}

// UpdateAt overwrites the tuple at index with newTuple in place when
// newTuple's encoded size does not exceed the currently recorded size;
// otherwise it leaves the page unchanged and returns false.
func (p *Packed) UpdateAt(pmm dam.PageModificationMethods, txnID uint64, index int, newTuple []byte, abortErr *error) bool {
	if index < 0 || index >= p.Count() {
		return false
	}
	off := p.slotOffset(index)
	oldLen := p.cellLength(off)
	newLen := uint32(len(newTuple))
	if newLen > oldLen {
		return false
	}
	var lenBuf [cellLenPrefix]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(newLen))
	copy(p.Buf[off:], lenBuf[:])
	copy(p.Buf[off+cellLenPrefix:off+cellLenPrefix+newLen], newTuple)
	if newLen < oldLen {
		p.setGarbage(p.garbage() + (oldLen - newLen))
	}
	pmm.WriteRegion(txnID, p.PageID, p.Buf, off, p.Buf[off:off+cellLenPrefix+newLen], abortErr)
	pmm.WriteRegion(txnID, p.PageID, p.Buf, hdrGarbageOff, p.Buf[hdrGarbageOff:hdrFrontierOff], abortErr)
	return true
}

// InsertAllFrom copies src's tuples [lo, hi] inclusive into dst, taking the
// bulk-append fast path when dst is empty or its last tuple already sorts at
// or before src's first tuple in the range; otherwise it inserts one at a
// time, stopping at the first failure. It returns the number inserted.
func InsertAllFrom(dst, src *Packed, pmm dam.PageModificationMethods, txnID uint64, keysCount, lo, hi int, abortErr *error) int {
	if lo > hi {
		return 0
	}
	bulk := dst.Count() == 0 || tuple.ComparePrefix(dst.GetTuple(dst.Count()-1), src.GetTuple(lo), dst.Def, keysCount) <= 0
	inserted := 0
	if bulk {
		for i := lo; i <= hi; i++ {
			if !dst.InsertAt(pmm, txnID, src.GetTuple(i), dst.Count(), abortErr) {
				break
			}
			inserted++
		}
		return inserted
	}
	for i := lo; i <= hi; i++ {
		if _, ok := dst.Insert(pmm, txnID, src.GetTuple(i), keysCount, abortErr); !ok {
			break
		}
		inserted++
	}
	return inserted
}
