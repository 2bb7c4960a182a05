package store

import (
	"sync/atomic"

	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/vbucket"
)

// Set implements spec section 4.4's set(item, cookie, force). Runs
// HashTable.Set with enforceState = !force, translating the hash-table
// result into a client status code and the queueDirty side effect.
func (c *Coordinator) Set(vbID uint16, key, value []byte, flags, exptime uint32, cas uint64, cookie vbucket.Cookie, force bool) (uint64, status.Code) {
	vb, code := c.resolve(vbID, cookie, true, force)
	if vb == nil {
		return 0, code
	}
	vbVersion := vb.Version()
	now := c.clock.Now()
	candidateCAS := atomic.AddUint64(&c.nextCAS, 1)

	set := func() hashtable.SetResult {
		var result hashtable.SetResult
		vb.HashTable().Set(key, value, flags, exptime, cas, candidateCAS, now, int(c.cfg.MaxItemSize), func(res hashtable.SetResult, sv *storedvalue.StoredValue) {
			result = res
			if res == hashtable.SetSuccessWasClean {
				c.pushDirty(key, vbID, vbVersion, queue.OpSet, now)
			}
		})
		return result
	}

	result := set()
	if result == hashtable.SetNoMem {
		// NoMem: run a synchronous eject pass before reporting failure.
		// Nothing ejectable means no amount of waiting would have
		// helped, a hard OutOfMemory; otherwise the pager plausibly
		// freed enough room, worth one retry before a soft TempFail.
		if c.reclaim(len(value)) == 0 {
			return 0, status.OutOfMemory
		}
		result = set()
		if result == hashtable.SetNoMem {
			return 0, status.TempFail
		}
	}

	switch result {
	case hashtable.SetSuccessWasClean, hashtable.SetSuccessWasDirty:
		c.cacheInvalidate(vbID, key)
		return candidateCAS, status.Success
	case hashtable.SetNotFound:
		return 0, status.KeyNotFound
	default: // SetInvalidCAS, SetIsLocked
		return 0, status.KeyExists
	}
}

// Add implements add(item, isRestore=false, retainValue=true) at the
// coordinator level: fresh inserts only, undeleting a tombstone counts
// as success.
func (c *Coordinator) Add(vbID uint16, key, value []byte, flags, exptime uint32, cookie vbucket.Cookie, force bool) (uint64, status.Code) {
	vb, code := c.resolve(vbID, cookie, true, force)
	if vb == nil {
		return 0, code
	}
	vbVersion := vb.Version()
	now := c.clock.Now()
	candidateCAS := atomic.AddUint64(&c.nextCAS, 1)

	add := func() hashtable.AddResult {
		var result hashtable.AddResult
		vb.HashTable().Add(key, value, flags, exptime, candidateCAS, now, false, true, -1, func(res hashtable.AddResult, sv *storedvalue.StoredValue) {
			result = res
			if res == hashtable.AddSuccess || res == hashtable.AddUndeleteSuccess {
				c.pushDirty(key, vbID, vbVersion, queue.OpSet, now)
			}
		})
		return result
	}

	result := add()
	if result == hashtable.AddNoMem {
		if c.reclaim(len(value)) == 0 {
			return 0, status.OutOfMemory
		}
		result = add()
		if result == hashtable.AddNoMem {
			return 0, status.TempFail
		}
	}

	switch result {
	case hashtable.AddSuccess, hashtable.AddUndeleteSuccess:
		c.cacheInvalidate(vbID, key)
		return candidateCAS, status.Success
	default: // AddExists
		return 0, status.KeyExists
	}
}

// Del implements spec section 4.4's del, mirroring Set's enqueue rule.
func (c *Coordinator) Del(vbID uint16, key []byte, cookie vbucket.Cookie, force bool) status.Code {
	vb, code := c.resolve(vbID, cookie, true, force)
	if vb == nil {
		return code
	}
	vbVersion := vb.Version()
	now := c.clock.Now()

	var result hashtable.DeleteResult
	vb.HashTable().SoftDelete(key, now, func(res hashtable.DeleteResult, sv *storedvalue.StoredValue) {
		result = res
		if res == hashtable.DeleteWasClean {
			c.pushDirty(key, vbID, vbVersion, queue.OpDel, now)
		}
	})

	c.cacheInvalidate(vbID, key)
	switch result {
	case hashtable.DeleteWasClean, hashtable.DeleteWasDirty:
		return status.Success
	default:
		return status.KeyNotFound
	}
}

// GetLocked implements getLocked: Active-only, no suspension. Locks a
// resident, unlocked record for lockTimeout seconds and returns its
// current value; a record already locked by someone else is reported
// TempFail so the client framework can retry.
func (c *Coordinator) GetLocked(vbID uint16, key []byte, lockTimeout int64) (Item, status.Code) {
	vb, code := c.resolveActiveOnly(vbID)
	if vb == nil {
		return Item{}, code
	}
	now := c.clock.Now()
	var (
		found, resident, locked bool
		item                    Item
	)
	vb.HashTable().WithBucketLock(key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
		sv := find(false)
		if sv == nil {
			return
		}
		found = true
		if sv.IsExpired(now) {
			return
		}
		if sv.IsLocked(now) {
			locked = true
			return
		}
		resident = sv.Resident()
		if !resident {
			return
		}
		sv.LockUntil = now + lockTimeout
		item.Value = append([]byte(nil), sv.Value()...)
		item.Flags = sv.Flags
		item.Exptime = sv.Exptime
		item.CAS = sv.Cas
	})
	if !found {
		return Item{}, status.KeyNotFound
	}
	if locked {
		return Item{}, status.TempFail
	}
	if !resident {
		return Item{}, status.WouldBlock
	}
	// A cached entry predates the lock just taken; drop it so Get
	// reports the lockedCAS sentinel instead of a stale unlocked CAS.
	c.cacheInvalidate(vbID, key)
	return item, status.Success
}

// EvictKey implements evictKey: Active-only, drives HashTable.Evict and
// surfaces its diagnostic message.
func (c *Coordinator) EvictKey(vbID uint16, key []byte) (string, status.Code) {
	vb, code := c.resolveActiveOnly(vbID)
	if vb == nil {
		return "Not my vbucket.", code
	}
	ok, msg := vb.HashTable().Evict(key)
	if !ok {
		return msg, status.NotSupported
	}
	c.cacheInvalidate(vbID, key)
	return msg, status.Success
}

// KeyStats is the getKeyStats diagnostic payload: a read-only snapshot
// of a record's full metadata, used to validate in-memory state against
// what the backend holds.
type KeyStats struct {
	CAS       uint64
	Flags     uint32
	Exptime   uint32
	Dirty     bool
	Deleted   bool
	PendingID bool
	Resident  bool
	RowID     int64
	DataAge   int64
	DirtiedAt int64
	LockUntil int64
}

// GetKeyStats implements getKeyStats: Active-only, read-only diagnostic
// snapshot of a record's full metadata (used to validate in-memory vs.
// on-disk consistency).
func (c *Coordinator) GetKeyStats(vbID uint16, key []byte) (KeyStats, status.Code) {
	vb, code := c.resolveActiveOnly(vbID)
	if vb == nil {
		return KeyStats{}, code
	}
	sv := vb.HashTable().Find(key, false)
	if sv == nil {
		return KeyStats{}, status.KeyNotFound
	}
	return KeyStats{
		CAS:       sv.Cas,
		Flags:     sv.Flags,
		Exptime:   sv.Exptime,
		Dirty:     sv.Dirty,
		Deleted:   sv.Deleted,
		PendingID: sv.PendingID,
		Resident:  sv.Resident(),
		RowID:     sv.RowID,
		DataAge:   sv.DataAge,
		DirtiedAt: sv.DirtiedAt,
		LockUntil: sv.LockUntil,
	}, status.Success
}
