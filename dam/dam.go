// Package dam defines the abstract boundary between the indexed-storage core
// (page, bptree, pagetable, linkedlist) and the concrete page store that backs
// it. Everything in this package is a consumed interface: the core never
// allocates memory, flushes, checkpoints, or logs bytes itself, it only calls
// through DataAccessMethods and PageModificationMethods.
//
// See storage/memstore and storage/diskstore for reference implementations.
package dam

import "errors"

// PageID identifies a fixed-size page. Width (1/2/4/8 bytes) is a concern of
// the concrete store's on-disk encoding, not of the core, which always works
// with the widened uint64 form.
type PageID uint64

// NullPageID means "no page". It is always the maximum representable value,
// regardless of the store's configured on-disk width.
const NullPageID PageID = ^PageID(0)

// LockType is the kind of lock a handle may hold on a page.
type LockType uint8

const (
	LockNone LockType = iota
	LockRead
	LockWrite
)

// ReleaseOptions is a bitmask of deferred actions to apply when a lock is
// dropped.
type ReleaseOptions uint32

const (
	NoneOption ReleaseOptions = 0
	FreePage   ReleaseOptions = 1 << iota
)

// ErrAbort is returned (wrapped, via AbortError) whenever the caller-supplied
// transaction has been marked aborted by the store, either before the call
// began or mid-flight. Every walker in this module must, on seeing this,
// release every lock it still holds and propagate the error unchanged.
var ErrAbort = errors.New("dam: transaction aborted")

// AbortError wraps ErrAbort with the store's own reason, so callers can
// errors.Is(err, ErrAbort) while still seeing the underlying cause.
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return ErrAbort.Error()
	}
	return ErrAbort.Error() + ": " + e.Reason.Error()
}

func (e *AbortError) Unwrap() error { return ErrAbort }

// NewAbortError builds an AbortError, recording reason for diagnostics.
func NewAbortError(reason error) *AbortError { return &AbortError{Reason: reason} }

// DataAccessMethods is the data access layer: it allocates, frees, and grants
// reader/writer locks on fixed-size pages identified by PageID, all under a
// caller-supplied transaction. Every method may fail by setting *abortErr,
// at which point its return value must be treated as invalid.
//
// Fatal-bug rules (the implementation MUST panic, never merely return an
// error, on violation — see spec §4.1 and §7):
//   - acquiring a new lock, upgrading, or freeing after *abortErr has already
//     been set by an earlier call;
//   - downgrading a page that does not hold a write lock, or upgrading one
//     that does not hold a read lock;
//   - releasing with FreePage set after an abort.
type DataAccessMethods interface {
	// NewWithWriteLock allocates a fresh page and returns it write-locked.
	// A nil buffer with *abortErr left unset means the store is out of pages
	// but the transaction itself did not abort.
	NewWithWriteLock(txnID uint64, abortErr *error) (PageID, []byte)

	// Acquire locks an existing page for reading or writing.
	Acquire(txnID uint64, pageID PageID, lock LockType, abortErr *error) []byte

	// Upgrade converts a held read lock to a write lock in place.
	Upgrade(txnID uint64, pageID PageID, abortErr *error)

	// Downgrade converts a held write lock to a read lock, merging opts into
	// the page's pending release options.
	Downgrade(txnID uint64, pageID PageID, opts ReleaseOptions, abortErr *error)

	// Release drops whichever lock is held on pageID, applying opts merged
	// with any options accumulated via Downgrade. Returns false if the page
	// was not locked by this transaction.
	Release(txnID uint64, pageID PageID, opts ReleaseOptions, abortErr *error) bool

	// Free returns pageID to the store's free list. The page must not be
	// locked by the caller at the time Free is invoked.
	Free(txnID uint64, pageID PageID, abortErr *error)
}

// PageModificationMethods journals byte-level mutations to a page buffer
// under a transaction, so that a concrete store can replay/undo them on
// crash recovery or abort. The sorted-packed-page and node-header helpers
// call these instead of touching []byte directly whenever a writer lock is
// held, so that every mutation is observable to the store.
type PageModificationMethods interface {
	// WriteRegion overwrites buf[offset:offset+len(data)] with data.
	WriteRegion(txnID uint64, pageID PageID, buf []byte, offset uint32, data []byte, abortErr *error)

	// MoveRegion moves buf[srcOffset:srcOffset+length] to
	// buf[dstOffset:dstOffset+length] (overlap-safe, like memmove).
	MoveRegion(txnID uint64, pageID PageID, buf []byte, dstOffset, srcOffset, length uint32, abortErr *error)

	// SetHeader overwrites the page's common + type-specific header bytes.
	SetHeader(txnID uint64, pageID PageID, buf []byte, header []byte, abortErr *error)

	// InitPage zeroes buf and marks pageID as holding a freshly initialized
	// page (the type tag itself is then written via SetHeader).
	InitPage(txnID uint64, pageID PageID, buf []byte, abortErr *error)
}
