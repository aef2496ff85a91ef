// Package page implements the persistent-page access protocol shared by the
// B+ tree and the page table: the Handle wrapper (spec §4.1), the
// LockedPagesStack (spec §4.2), the sorted-packed-page primitive (spec §4.3)
// and the storage-capacity predicates (spec §4.4).
package page

import (
	"github.com/embedded-index/tupleindex/dam"
)

// Handle binds a page identifier to an in-memory buffer and a lock state
// (spec §3.2). A Handle is either Null (no page) or holds exactly one of
// {read, write}. Flags accumulate deferred release options (e.g. FreePage)
// applied when the lock is eventually dropped via Release.
type Handle struct {
	PageID dam.PageID
	Buf    []byte
	Lock   dam.LockType
	Flags  dam.ReleaseOptions
}

// Null is the empty handle: PageID is dam.NullPageID, no buffer, no lock.
var Null = Handle{PageID: dam.NullPageID, Lock: dam.LockNone}

// IsNull reports whether h holds no lock on any page.
func (h *Handle) IsNull() bool { return h == nil || h.Lock == dam.LockNone }

func checkNotAborted(abortErr *error, action string) {
	if abortErr != nil && *abortErr != nil {
		panic("page: " + action + " attempted after abort was signaled")
	}
}

// NewWithWriteLock allocates a fresh page and returns it write-locked. If
// the store is out of pages without the transaction itself aborting, the
// returned Handle is Null (spec §4.1: "returns NULL-handle if allocation
// fails but not an abort").
func NewWithWriteLock(d dam.DataAccessMethods, txnID uint64, abortErr *error) Handle {
	checkNotAborted(abortErr, "NewWithWriteLock")
	id, buf := d.NewWithWriteLock(txnID, abortErr)
	if abortErr != nil && *abortErr != nil {
		return Null
	}
	if buf == nil {
		return Null
	}
	return Handle{PageID: id, Buf: buf, Lock: dam.LockWrite}
}

// Acquire locks pageID for reading or writing and returns the bound handle.
func Acquire(d dam.DataAccessMethods, txnID uint64, pageID dam.PageID, lock dam.LockType, abortErr *error) Handle {
	checkNotAborted(abortErr, "Acquire")
	buf := d.Acquire(txnID, pageID, lock, abortErr)
	if abortErr != nil && *abortErr != nil {
		return Null
	}
	if buf == nil {
		return Null
	}
	return Handle{PageID: pageID, Buf: buf, Lock: lock}
}

// Upgrade converts a held read lock to a write lock in place. It is a fatal
// bug to call this on a Null handle or one that already holds a write lock.
func (h *Handle) Upgrade(d dam.DataAccessMethods, txnID uint64, abortErr *error) {
	checkNotAborted(abortErr, "Upgrade")
	if h.IsNull() {
		panic("page: Upgrade called on a Null handle")
	}
	if h.Lock == dam.LockWrite {
		panic("page: Upgrade called on a handle that already holds a write lock")
	}
	d.Upgrade(txnID, h.PageID, abortErr)
	if abortErr == nil || *abortErr == nil {
		h.Lock = dam.LockWrite
	}
}

// Downgrade converts a held write lock to a read lock, merging opts into the
// handle's pending release flags. It is a fatal bug to call this on a handle
// that holds a read lock.
func (h *Handle) Downgrade(d dam.DataAccessMethods, txnID uint64, opts dam.ReleaseOptions, abortErr *error) {
	checkNotAborted(abortErr, "Downgrade")
	if h.IsNull() {
		panic("page: Downgrade called on a Null handle")
	}
	if h.Lock == dam.LockRead {
		panic("page: Downgrade called on a handle that already holds only a read lock")
	}
	h.Flags |= opts
	d.Downgrade(txnID, h.PageID, h.Flags, abortErr)
	if abortErr == nil || *abortErr == nil {
		h.Lock = dam.LockRead
	}
}

// Release drops the lock held by h, applying opts merged with any options
// accumulated via Downgrade. On a successful release the handle is reset to
// Null. Releasing a Null handle is a no-op (every unwind path may call
// Release unconditionally without checking IsNull first).
func (h *Handle) Release(d dam.DataAccessMethods, txnID uint64, opts dam.ReleaseOptions, abortErr *error) {
	if h.IsNull() {
		return
	}
	merged := h.Flags | opts
	if merged&dam.FreePage != 0 {
		checkNotAborted(abortErr, "Release with FreePage")
	}
	if d.Release(txnID, h.PageID, merged, abortErr) {
		*h = Null
	}
}

// Free returns pageID to the store's free list. The caller must not hold a
// lock on pageID when calling Free.
func Free(d dam.DataAccessMethods, txnID uint64, pageID dam.PageID, abortErr *error) {
	checkNotAborted(abortErr, "Free")
	d.Free(txnID, pageID, abortErr)
}
