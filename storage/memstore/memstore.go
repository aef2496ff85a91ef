// Package memstore is a reference, in-memory implementation of
// dam.DataAccessMethods and dam.PageModificationMethods, modeled on the
// teacher's ParentBufMgrDummy/ParentPageDummy (a sync.Map-backed sample
// implementation of its ParentBufMgr/ParentPage interfaces) but backed by a
// dsnet/golib/memfile.File standing in for the page heap, and with a
// per-page latch table in the shape of the teacher's BufMgr hash/latch table
// rather than a single global lock.
package memstore

import (
	"fmt"
	"sync"

	"github.com/dsnet/golib/memfile"

	"github.com/embedded-index/tupleindex/dam"
)

type heldLock struct {
	lock  dam.LockType
	flags dam.ReleaseOptions
}

// Store is a fixed-page-size, in-memory page heap.
type Store struct {
	mu       sync.Mutex
	file     *memfile.File
	pageSize int
	next     dam.PageID
	free     []dam.PageID
	latches  map[dam.PageID]*sync.RWMutex
	held     map[uint64]map[dam.PageID]heldLock // txnID -> pageID -> lock
	aborted  map[uint64]error
}

// New creates an empty store whose pages are pageSize bytes each.
func New(pageSize int) *Store {
	return &Store{
		file:     memfile.New(nil),
		pageSize: pageSize,
		latches:  make(map[dam.PageID]*sync.RWMutex),
		held:     make(map[uint64]map[dam.PageID]heldLock),
		aborted:  make(map[uint64]error),
	}
}

// Abort marks txnID as aborted with reason. After it, NewWithWriteLock,
// Acquire, Upgrade, Downgrade and Free under that transaction id, and a
// Release whose options include FreePage, set *abortErr and panic; a plain
// Release and the page-modification calls proceed as usual.
func (s *Store) Abort(txnID uint64, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted[txnID] = reason
}

func (s *Store) checkAborted(txnID uint64, abortErr *error) bool {
	if reason, ok := s.aborted[txnID]; ok {
		*abortErr = dam.NewAbortError(reason)
		return true
	}
	return false
}

func (s *Store) latchFor(id dam.PageID) *sync.RWMutex {
	l, ok := s.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		s.latches[id] = l
	}
	return l
}

func (s *Store) pageBytes(id dam.PageID) []byte {
	off := int64(id) * int64(s.pageSize)
	buf := s.file.Bytes()
	if int64(len(buf)) < off+int64(s.pageSize) {
		grown := make([]byte, off+int64(s.pageSize))
		copy(grown, buf)
		s.file.WriteAt(grown[len(buf):], int64(len(buf)))
		buf = s.file.Bytes()
	}
	return buf[off : off+int64(s.pageSize) : off+int64(s.pageSize)]
}

func (s *Store) recordHeld(txnID uint64, id dam.PageID, lock dam.LockType) {
	m, ok := s.held[txnID]
	if !ok {
		m = make(map[dam.PageID]heldLock)
		s.held[txnID] = m
	}
	m[id] = heldLock{lock: lock}
}

// NewWithWriteLock implements dam.DataAccessMethods.
func (s *Store) NewWithWriteLock(txnID uint64, abortErr *error) (dam.PageID, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("memstore: NewWithWriteLock called after abort")
	}
	var id dam.PageID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		id = s.next
		s.next++
	}
	buf := s.pageBytes(id)
	s.latchFor(id).Lock()
	s.recordHeld(txnID, id, dam.LockWrite)
	return id, buf
}

// Acquire implements dam.DataAccessMethods.
func (s *Store) Acquire(txnID uint64, pageID dam.PageID, lock dam.LockType, abortErr *error) []byte {
	s.mu.Lock()
	if s.checkAborted(txnID, abortErr) {
		s.mu.Unlock()
		panic("memstore: Acquire called after abort")
	}
	latch := s.latchFor(pageID)
	s.mu.Unlock()

	if lock == dam.LockWrite {
		latch.Lock()
	} else {
		latch.RLock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordHeld(txnID, pageID, lock)
	return s.pageBytes(pageID)
}

// Upgrade implements dam.DataAccessMethods.
func (s *Store) Upgrade(txnID uint64, pageID dam.PageID, abortErr *error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("memstore: Upgrade called after abort")
	}
	cur, ok := s.held[txnID][pageID]
	if !ok || cur.lock != dam.LockRead {
		panic("memstore: Upgrade requires a currently held read lock")
	}
	latch := s.latchFor(pageID)
	latch.RUnlock()
	latch.Lock()
	s.held[txnID][pageID] = heldLock{lock: dam.LockWrite}
}

// Downgrade implements dam.DataAccessMethods.
func (s *Store) Downgrade(txnID uint64, pageID dam.PageID, opts dam.ReleaseOptions, abortErr *error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("memstore: Downgrade called after abort")
	}
	cur, ok := s.held[txnID][pageID]
	if !ok || cur.lock != dam.LockWrite {
		panic("memstore: Downgrade requires a currently held write lock")
	}
	latch := s.latchFor(pageID)
	latch.Unlock()
	latch.RLock()
	s.held[txnID][pageID] = heldLock{lock: dam.LockRead, flags: opts}
}

// Release implements dam.DataAccessMethods.
func (s *Store) Release(txnID uint64, pageID dam.PageID, opts dam.ReleaseOptions, abortErr *error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[txnID][pageID]
	if !ok {
		return false
	}
	merged := cur.flags | opts
	if merged&dam.FreePage != 0 && s.checkAborted(txnID, abortErr) {
		panic("memstore: Release with FreePage called after abort")
	}
	latch := s.latchFor(pageID)
	if cur.lock == dam.LockWrite {
		latch.Unlock()
	} else {
		latch.RUnlock()
	}
	delete(s.held[txnID], pageID)
	if merged&dam.FreePage != 0 {
		s.free = append(s.free, pageID)
	}
	return true
}

// Free implements dam.DataAccessMethods.
func (s *Store) Free(txnID uint64, pageID dam.PageID, abortErr *error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("memstore: Free called after abort")
	}
	if _, locked := s.held[txnID][pageID]; locked {
		panic(fmt.Sprintf("memstore: Free called while transaction still holds a lock on page %d", pageID))
	}
	s.free = append(s.free, pageID)
}

// persist copies buf, the caller's (already mutated) view of pageID or of a
// tail of it such as a node's tuple area, into the page heap. A slice handed
// out by Acquire or NewWithWriteLock stops aliasing the heap once pageBytes
// has grown the file, so buf is copied back on every modification call.
// pageBytes caps each page slice at the page's end, so the tail starts at
// pageSize - cap(buf) within the page.
func (s *Store) persist(pageID dam.PageID, buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.pageBytes(pageID)[s.pageSize-cap(buf):], buf)
}

// WriteRegion implements dam.PageModificationMethods: the caller already
// mutated buf; this call copies buf back into the page heap.
func (s *Store) WriteRegion(txnID uint64, pageID dam.PageID, buf []byte, offset uint32, data []byte, abortErr *error) {
	s.persist(pageID, buf)
}

// MoveRegion implements dam.PageModificationMethods.
func (s *Store) MoveRegion(txnID uint64, pageID dam.PageID, buf []byte, dstOffset, srcOffset, length uint32, abortErr *error) {
	copy(buf[dstOffset:dstOffset+length], buf[srcOffset:srcOffset+length])
	s.persist(pageID, buf)
}

// SetHeader implements dam.PageModificationMethods.
func (s *Store) SetHeader(txnID uint64, pageID dam.PageID, buf []byte, header []byte, abortErr *error) {
	copy(buf[:len(header)], header)
	s.persist(pageID, buf)
}

// InitPage implements dam.PageModificationMethods.
func (s *Store) InitPage(txnID uint64, pageID dam.PageID, buf []byte, abortErr *error) {
	for i := range buf {
		buf[i] = 0
	}
	s.persist(pageID, buf)
}
