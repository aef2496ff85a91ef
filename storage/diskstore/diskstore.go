// Package diskstore is a reference disk-backed implementation of
// dam.DataAccessMethods and dam.PageModificationMethods, using
// github.com/ncw/directio for O_DIRECT aligned page I/O — the disk-resident
// counterpart to storage/memstore, grounded on the same per-page latch-table
// shape as the teacher's BufMgr.
package diskstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"

	"github.com/embedded-index/tupleindex/dam"
)

type heldLock struct {
	lock  dam.LockType
	flags dam.ReleaseOptions
}

// Store is a fixed-page-size disk file opened for O_DIRECT access. pageSize
// must be a multiple of directio.AlignSize.
type Store struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	next     dam.PageID
	free     []dam.PageID
	latches  map[dam.PageID]*sync.RWMutex
	held     map[uint64]map[dam.PageID]heldLock
	aborted  map[uint64]error
}

// Open creates or opens path as an O_DIRECT-aligned page file.
func Open(path string, pageSize int) (*Store, error) {
	if pageSize%directio.AlignSize != 0 {
		return nil, fmt.Errorf("diskstore: pageSize %d is not a multiple of directio.AlignSize %d", pageSize, directio.AlignSize)
	}
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &Store{
		f:        f,
		pageSize: pageSize,
		latches:  make(map[dam.PageID]*sync.RWMutex),
		held:     make(map[uint64]map[dam.PageID]heldLock),
		aborted:  make(map[uint64]error),
	}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error { return s.f.Close() }

func (s *Store) latchFor(id dam.PageID) *sync.RWMutex {
	l, ok := s.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		s.latches[id] = l
	}
	return l
}

func (s *Store) readPage(id dam.PageID) []byte {
	block := directio.AlignedBlock(s.pageSize)
	off := int64(id) * int64(s.pageSize)
	if _, err := s.f.ReadAt(block, off); err != nil {
		// a page beyond current EOF reads as zeroed.
		for i := range block {
			block[i] = 0
		}
	}
	return block
}

func (s *Store) writePage(id dam.PageID, buf []byte) {
	off := int64(id) * int64(s.pageSize)
	if _, err := s.f.WriteAt(buf, off); err != nil {
		panic(fmt.Sprintf("diskstore: WriteAt page %d: %v", id, err))
	}
}

func (s *Store) checkAborted(txnID uint64, abortErr *error) bool {
	if reason, ok := s.aborted[txnID]; ok {
		*abortErr = dam.NewAbortError(reason)
		return true
	}
	return false
}

func (s *Store) recordHeld(txnID uint64, id dam.PageID, lock dam.LockType) {
	m, ok := s.held[txnID]
	if !ok {
		m = make(map[dam.PageID]heldLock)
		s.held[txnID] = m
	}
	m[id] = heldLock{lock: lock}
}

// Abort marks txnID as aborted.
func (s *Store) Abort(txnID uint64, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted[txnID] = reason
}

// NewWithWriteLock implements dam.DataAccessMethods.
func (s *Store) NewWithWriteLock(txnID uint64, abortErr *error) (dam.PageID, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("diskstore: NewWithWriteLock called after abort")
	}
	var id dam.PageID
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		id = s.next
		s.next++
	}
	s.latchFor(id).Lock()
	s.recordHeld(txnID, id, dam.LockWrite)
	buf := directio.AlignedBlock(s.pageSize)
	return id, buf
}

// Acquire implements dam.DataAccessMethods.
func (s *Store) Acquire(txnID uint64, pageID dam.PageID, lock dam.LockType, abortErr *error) []byte {
	s.mu.Lock()
	if s.checkAborted(txnID, abortErr) {
		s.mu.Unlock()
		panic("diskstore: Acquire called after abort")
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
	return s.readPage(pageID)
}

// Upgrade implements dam.DataAccessMethods.
func (s *Store) Upgrade(txnID uint64, pageID dam.PageID, abortErr *error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkAborted(txnID, abortErr) {
		panic("diskstore: Upgrade called after abort")
	}
	cur, ok := s.held[txnID][pageID]
	if !ok || cur.lock != dam.LockRead {
		panic("diskstore: Upgrade requires a currently held read lock")
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
		panic("diskstore: Downgrade called after abort")
	}
	cur, ok := s.held[txnID][pageID]
	if !ok || cur.lock != dam.LockWrite {
		panic("diskstore: Downgrade requires a currently held write lock")
	}
	latch := s.latchFor(pageID)
	latch.Unlock()
	latch.RLock()
	s.held[txnID][pageID] = heldLock{lock: dam.LockRead, flags: opts}
}

// Release implements dam.DataAccessMethods. It writes nothing to disk: every
// page-modification call has already written the whole page.
func (s *Store) Release(txnID uint64, pageID dam.PageID, opts dam.ReleaseOptions, abortErr *error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.held[txnID][pageID]
	if !ok {
		return false
	}
	merged := cur.flags | opts
	if merged&dam.FreePage != 0 && s.checkAborted(txnID, abortErr) {
		panic("diskstore: Release with FreePage called after abort")
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
		panic("diskstore: Free called after abort")
	}
	if _, locked := s.held[txnID][pageID]; locked {
		panic(fmt.Sprintf("diskstore: Free called while transaction still holds a lock on page %d", pageID))
	}
	s.free = append(s.free, pageID)
}

// WriteRegion implements dam.PageModificationMethods: the caller already
// mutated buf (an aligned block); this call persists the whole page, since
// O_DIRECT writes must be block-aligned regardless of the region touched.
func (s *Store) WriteRegion(txnID uint64, pageID dam.PageID, buf []byte, offset uint32, data []byte, abortErr *error) {
	s.writePage(pageID, buf)
}

// MoveRegion implements dam.PageModificationMethods.
func (s *Store) MoveRegion(txnID uint64, pageID dam.PageID, buf []byte, dstOffset, srcOffset, length uint32, abortErr *error) {
	copy(buf[dstOffset:dstOffset+length], buf[srcOffset:srcOffset+length])
	s.writePage(pageID, buf)
}

// SetHeader implements dam.PageModificationMethods.
func (s *Store) SetHeader(txnID uint64, pageID dam.PageID, buf []byte, header []byte, abortErr *error) {
	copy(buf[:len(header)], header)
	s.writePage(pageID, buf)
}

// InitPage implements dam.PageModificationMethods.
func (s *Store) InitPage(txnID uint64, pageID dam.PageID, buf []byte, abortErr *error) {
	for i := range buf {
		buf[i] = 0
	}
	s.writePage(pageID, buf)
}
