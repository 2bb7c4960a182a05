// Package hashtable implements the partitioned hash table of spec
// section 4.1 (component C2): a fixed bucket array with a smaller lock
// stripe, singly linked per-bucket chains, and the CAS/dirty/eject
// discipline the persistence coordinator relies on.
package hashtable

import (
	"hash/fnv"
	"sync"

	"github.com/ledgerwatch/epengine/storedvalue"
)

type SetResult int

const (
	SetSuccessWasClean SetResult = iota
	SetSuccessWasDirty
	SetNotFound
	SetInvalidCAS
	SetIsLocked
	SetNoMem
)

type AddResult int

const (
	AddSuccess AddResult = iota
	AddUndeleteSuccess
	AddExists
	AddNoMem
)

type DeleteResult int

const (
	DeleteWasClean DeleteResult = iota
	DeleteWasDirty
	DeleteNotFound
)

// ejectSizeThreshold is the "large enough to be worth evicting" policy
// of spec 4.1: ejecting a handful of bytes of metadata back is not
// worth the later bg-fetch round trip.
const ejectSizeThreshold = 64

// HashTable is owned exclusively by one VBucket (spec section 9).
type HashTable struct {
	buckets []*storedvalue.StoredValue
	locks   []sync.Mutex
	numLocks uint32

	mem *MemoryStats
}

// New builds a hash table with size buckets and numLocks stripe locks.
// numLocks must be < size (spec invariant).
func New(size, numLocks int, mem *MemoryStats) *HashTable {
	if numLocks >= size {
		panic("hashtable: numLocks must be < size")
	}
	return &HashTable{
		buckets:  make([]*storedvalue.StoredValue, size),
		locks:    make([]sync.Mutex, numLocks),
		numLocks: uint32(numLocks),
		mem:      mem,
	}
}

func bucketIndex(key []byte, n int) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32()) % n
}

// lockFor returns the stripe lock guarding key's bucket, per
// stripeLocks[bucketIndex(key) mod numLocks].
func (ht *HashTable) lockFor(bidx int) *sync.Mutex {
	return &ht.locks[uint32(bidx)%ht.numLocks]
}

// unlockedFind walks bidx's chain for key. Deleted tombstones are
// skipped unless wantDeleted is set, matching unlocked_find.
func unlockedFind(head *storedvalue.StoredValue, key []byte, wantDeleted bool) *storedvalue.StoredValue {
	for sv := head; sv != nil; sv = sv.Next() {
		if string(sv.Key) != string(key) {
			continue
		}
		if sv.Deleted && !wantDeleted {
			return nil
		}
		return sv
	}
	return nil
}

// Find looks up key, taking the stripe lock. wantDeleted controls
// whether a tombstone is surfaced or hidden.
func (ht *HashTable) Find(key []byte, wantDeleted bool) *storedvalue.StoredValue {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	return unlockedFind(ht.buckets[bidx], key, wantDeleted)
}

// WithBucketLock runs fn with the stripe lock for key held, passing the
// bucket index and a non-deleted-hiding unlocked find — used by callers
// (the persistence coordinator, the flusher) that need to read-then-act
// atomically without exposing lock objects.
func (ht *HashTable) WithBucketLock(key []byte, fn func(bidx int, find func(wantDeleted bool) *storedvalue.StoredValue)) {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	fn(bidx, func(wantDeleted bool) *storedvalue.StoredValue {
		return unlockedFind(ht.buckets[bidx], key, wantDeleted)
	})
}

func (ht *HashTable) insertLocked(bidx int, sv *storedvalue.StoredValue) {
	sv.SetNext(ht.buckets[bidx])
	ht.buckets[bidx] = sv
}

func (ht *HashTable) removeLocked(bidx int, key []byte) {
	var prev *storedvalue.StoredValue
	for sv := ht.buckets[bidx]; sv != nil; sv = sv.Next() {
		if string(sv.Key) == string(key) {
			if prev == nil {
				ht.buckets[bidx] = sv.Next()
			} else {
				prev.SetNext(sv.Next())
			}
			ht.mem.addValueBytes(-sv.Size())
			ht.mem.addOverhead(-perItemOverhead)
			return
		}
		prev = sv
	}
}

// Set replaces or inserts key's value. cas=0 means unconditional; a
// non-zero cas must match the current CAS or InvalidCAS is returned.
// newCAS is the monotonically-generated CAS to use on success.
//
// onResult, if non-nil, runs with the stripe lock still held, right
// before it is released — this is the hook the persistence coordinator
// uses to append the dirty-queue entry under the same stripe lock that
// produced the mutation (spec section 4.4, queueDirty's ordering
// guarantee).
func (ht *HashTable) Set(key, value []byte, flags, exptime uint32, cas uint64, newCAS uint64, now int64, maxItemSize int, onResult func(SetResult, *storedvalue.StoredValue)) (result SetResult, sv *storedvalue.StoredValue) {
	if len(key)+len(value) > maxItemSize {
		return SetNoMem, nil
	}
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	defer func() {
		if onResult != nil {
			onResult(result, sv)
		}
	}()

	existing := unlockedFind(ht.buckets[bidx], key, true)
	if existing == nil {
		if cas != 0 {
			return SetNotFound, nil
		}
		if !ht.mem.HasRoom(len(value)) {
			return SetNoMem, nil
		}
		sv := storedvalue.New(key, value, flags, exptime, newCAS, now)
		ht.insertLocked(bidx, sv)
		ht.mem.addValueBytes(sv.Size())
		ht.mem.addOverhead(perItemOverhead)
		sv.MarkDirty(now)
		return SetSuccessWasClean, sv
	}

	if existing.IsLocked(now) {
		return SetIsLocked, nil
	}
	if cas != 0 && cas != existing.Cas {
		return SetInvalidCAS, nil
	}
	if existing.Deleted && cas != 0 {
		// A CAS write against a tombstone behaves like NotFound.
		return SetNotFound, nil
	}

	wasDirty := existing.Dirty
	oldSize := existing.Size()
	changed := string(existing.Value()) != string(value)
	if !ht.mem.HasRoom(len(value) - oldSize) {
		return SetNoMem, nil
	}
	existing.SetValue(value, flags, exptime, newCAS, now, changed || existing.Deleted)
	ht.mem.addValueBytes(existing.Size() - oldSize)
	existing.MarkDirty(now)

	if wasDirty {
		return SetSuccessWasDirty, existing
	}
	return SetSuccessWasClean, existing
}

// Add inserts key only if no live (non-deleted) record exists.
// isRestore bypasses the dirty-queue side effect expected by fresh
// client adds (used by warmup); retainValue controls whether the
// loaded value stays resident or is ejected immediately.
// onResult runs with the stripe lock still held, right before it is
// released, so callers can append a dirty-queue entry under the same
// lock that produced the mutation (spec section 4.4).
func (ht *HashTable) Add(key, value []byte, flags, exptime uint32, cas uint64, now int64, isRestore, retainValue bool, rowID int64, onResult func(AddResult, *storedvalue.StoredValue)) (result AddResult, sv *storedvalue.StoredValue) {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	defer func() {
		if onResult != nil {
			onResult(result, sv)
		}
	}()

	existing := unlockedFind(ht.buckets[bidx], key, true)
	if existing != nil && !existing.Deleted {
		return AddExists, nil
	}
	if !ht.mem.HasRoom(len(value)) {
		return AddNoMem, nil
	}

	if existing != nil && existing.Deleted {
		// Undelete: reuse the tombstone.
		oldSize := existing.Size()
		existing.SetValue(value, flags, exptime, cas, now, true)
		existing.RowID = rowID
		if !isRestore {
			existing.MarkDirty(now)
		}
		if !retainValue {
			existing.Eject()
		}
		ht.mem.addValueBytes(existing.Size() - oldSize)
		return AddUndeleteSuccess, existing
	}

	nsv := storedvalue.New(key, value, flags, exptime, cas, now)
	nsv.RowID = rowID
	ht.insertLocked(bidx, nsv)
	if !isRestore {
		nsv.MarkDirty(now)
	}
	if !retainValue {
		nsv.Eject()
	}
	ht.mem.addValueBytes(nsv.Size())
	ht.mem.addOverhead(perItemOverhead)
	return AddSuccess, nsv
}

// SoftDelete marks key's record deleted, dropping its value bytes but
// retaining the tombstone so a flush can persist the deletion.
func (ht *HashTable) SoftDelete(key []byte, now int64, onResult func(DeleteResult, *storedvalue.StoredValue)) (result DeleteResult, sv *storedvalue.StoredValue) {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	defer func() {
		if onResult != nil {
			onResult(result, sv)
		}
	}()

	sv = unlockedFind(ht.buckets[bidx], key, false)
	if sv == nil {
		return DeleteNotFound, nil
	}
	wasDirty := sv.Dirty
	oldSize := sv.Size()
	sv.SoftDelete(now)
	ht.mem.addValueBytes(sv.Size() - oldSize)
	sv.MarkDirty(now)
	if wasDirty {
		return DeleteWasDirty, sv
	}
	return DeleteWasClean, sv
}

// RemoveTombstone physically removes a deleted record once its
// deletion has been acknowledged by the backend (invariant: "tombstone
// conservation").
func (ht *HashTable) RemoveTombstone(key []byte) {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	ht.removeLocked(bidx, key)
}

// EjectValue drops a resident, clean, non-deleted record's value bytes
// iff it is large enough to be worth the later bg-fetch. Returns true
// on success.
func EjectValue(sv *storedvalue.StoredValue, mem *MemoryStats) (bool, string) {
	if sv == nil {
		return false, "Not found."
	}
	if !sv.Resident() {
		return false, "Already ejected."
	}
	if sv.Dirty || sv.Deleted || sv.Size() < ejectSizeThreshold {
		return false, "Can't eject: Dirty or a small object."
	}
	freed := sv.Size()
	sv.Eject()
	mem.addValueBytes(-freed)
	return true, "Ejected."
}

// RestoreValue rehydrates a non-resident, non-dirty record's value
// bytes, as delivered by a completed background fetch.
func RestoreValue(sv *storedvalue.StoredValue, value []byte, mem *MemoryStats) bool {
	if sv == nil || sv.Resident() || sv.Dirty {
		return false
	}
	sv.Restore(value)
	mem.addValueBytes(sv.Size())
	return true
}

// Mem exposes the shared memory accounting struct so visitors living
// outside this package (the item pager, the warmup loader) can call the
// package-level EjectValue/RestoreValue helpers directly.
func (ht *HashTable) Mem() *MemoryStats { return ht.mem }

// Evict looks up key and ejects its value under the stripe lock,
// matching the diagnostic-string contract client evictKey expects.
func (ht *HashTable) Evict(key []byte) (bool, string) {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	sv := unlockedFind(ht.buckets[bidx], key, false)
	return EjectValue(sv, ht.mem)
}

// ReconcileBGFetch is the hash-table half of the background-fetch
// safety invariant (spec section 4.7/8.6): it re-resolves key under the
// stripe lock and only rehydrates if the record is still present, still
// hidden (not deleted) and still non-resident and clean. A key that was
// mutated, deleted, or already restored while the fetch was in flight
// silently discards the fetched bytes.
func (ht *HashTable) ReconcileBGFetch(key []byte, value []byte) bool {
	bidx := bucketIndex(key, len(ht.buckets))
	lk := ht.lockFor(bidx)
	lk.Lock()
	defer lk.Unlock()
	sv := unlockedFind(ht.buckets[bidx], key, false)
	if sv == nil {
		return false
	}
	return RestoreValue(sv, value, ht.mem)
}

// Visitor is the duck-typed hash-table walker of spec section 9:
// VisitBucket is asked before each bucket and returning false stops the
// walk; Visit is called for every record of a visited bucket.
type Visitor interface {
	VisitBucket() bool
	Visit(sv *storedvalue.StoredValue)
}

// Visit walks every chain under its stripe lock, invoking v.Visit for
// each record, stopping early if v.VisitBucket returns false.
func (ht *HashTable) Visit(v Visitor) {
	for i := range ht.buckets {
		lk := ht.lockFor(i)
		lk.Lock()
		if !v.VisitBucket() {
			lk.Unlock()
			return
		}
		for sv := ht.buckets[i]; sv != nil; sv = sv.Next() {
			v.Visit(sv)
		}
		lk.Unlock()
	}
}

// Clear empties every chain, used when a vbucket's hash table is
// destroyed.
func (ht *HashTable) Clear() {
	for i := range ht.buckets {
		lk := ht.lockFor(i)
		lk.Lock()
		for sv := ht.buckets[i]; sv != nil; sv = sv.Next() {
			ht.mem.addValueBytes(-sv.Size())
			ht.mem.addOverhead(-perItemOverhead)
		}
		ht.buckets[i] = nil
		lk.Unlock()
	}
}
