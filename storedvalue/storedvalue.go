// Package storedvalue holds the per-key in-memory cell (spec section 3,
// component C1): key, optional value, CAS, dirty/deleted bits, lock
// deadline, durable row-id and data-age bookkeeping.
package storedvalue

import "github.com/ledgerwatch/epengine/common"

// StoredValue is owned exclusively by the hash table bucket chain that
// holds it; it has no back-pointer to its chain or vbucket (spec
// section 9, "Cyclic references").
type StoredValue struct {
	Key   []byte
	value []byte // nil iff non-resident or deleted

	Flags   uint32
	Exptime uint32 // absolute seconds, 0 = never
	Cas     uint64

	Dirty     bool
	Deleted   bool
	PendingID bool // a persistence attempt is in flight, row-id not yet known
	RowID     int64

	LockUntil int64 // absolute seconds
	DataAge   int64 // absolute seconds of last full (re)write
	DirtiedAt int64 // absolute seconds dirty was last raised

	resident bool

	next *StoredValue // bucket chain link, owned by the chain
}

// New constructs a freshly-inserted record. RowID starts at -1, meaning
// "not yet assigned a durable identifier".
func New(key []byte, value []byte, flags, exptime uint32, cas uint64, now int64) *StoredValue {
	return &StoredValue{
		Key:      common.CopyBytes(key),
		value:    common.CopyBytes(value),
		Flags:    flags,
		Exptime:  exptime,
		Cas:      cas,
		resident: true,
		RowID:    -1,
		DataAge:  now,
	}
}

// Resident reports whether the value bytes are still held in memory.
func (sv *StoredValue) Resident() bool { return sv.resident }

// Value returns the value bytes, or nil if non-resident or deleted.
func (sv *StoredValue) Value() []byte {
	if !sv.resident || sv.Deleted {
		return nil
	}
	return sv.value
}

// IsLocked reports whether now is still within the record's lock window.
func (sv *StoredValue) IsLocked(now int64) bool {
	return sv.LockUntil > 0 && now <= sv.LockUntil
}

// IsExpired reports whether now is past a non-zero expiry.
func (sv *StoredValue) IsExpired(now int64) bool {
	return sv.Exptime > 0 && now > int64(sv.Exptime)
}

// SetValue replaces the resident value bytes and advances CAS. dataAge
// is reset to now only by the caller when the bytes actually changed or
// this is a fresh insert — mirroring the hash table's set() contract.
func (sv *StoredValue) SetValue(value []byte, flags, exptime uint32, cas uint64, now int64, touchDataAge bool) {
	sv.value = common.CopyBytes(value)
	sv.Flags = flags
	sv.Exptime = exptime
	sv.Cas = cas
	sv.resident = true
	sv.Deleted = false
	if touchDataAge {
		sv.DataAge = now
	}
}

// MarkDirty raises the dirty bit, stamping dirtiedAt if it was not
// already dirty (re-dirtying does not reset the age of an in-flight
// flush attempt).
func (sv *StoredValue) MarkDirty(now int64) {
	if !sv.Dirty {
		sv.DirtiedAt = now
	}
	sv.Dirty = true
}

// MarkClean lowers the dirty bit, e.g. once a mutation has been handed
// to the backend or decided to be dropped.
func (sv *StoredValue) MarkClean() {
	sv.Dirty = false
}

// SoftDelete marks the record as a tombstone: value bytes are dropped,
// deleted is raised, but the record itself is retained until the
// deletion is flushed (spec invariant "tombstone conservation").
func (sv *StoredValue) SoftDelete(now int64) {
	sv.value = nil
	sv.resident = false
	sv.Deleted = true
	sv.DataAge = now
}

// Eject drops the value bytes of a resident record, leaving metadata
// behind so a later restoreValue can rehydrate it.
func (sv *StoredValue) Eject() {
	sv.value = nil
	sv.resident = false
}

// Restore rehydrates a non-resident record's value bytes without
// touching CAS, flags or exptime.
func (sv *StoredValue) Restore(value []byte) {
	sv.value = common.CopyBytes(value)
	sv.resident = true
}

// Size estimates the bytes this record occupies for memory accounting
// (key + value, metadata overhead is charged separately by the caller).
func (sv *StoredValue) Size() int {
	return len(sv.Key) + len(sv.value)
}

// Next/SetNext thread the singly linked bucket chain; only the owning
// HashTable bucket mutates these under its stripe lock.
func (sv *StoredValue) Next() *StoredValue     { return sv.next }
func (sv *StoredValue) SetNext(n *StoredValue) { sv.next = n }
