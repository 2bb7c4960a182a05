package store

import (
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/tasks"
	"github.com/ledgerwatch/epengine/vbucket"
)

// Item is what Get/GetLocked hand back to the client framework on
// success.
type Item struct {
	Value   []byte
	Flags   uint32
	Exptime uint32
	CAS     uint64
}

// Get implements spec section 4.4's get(key, vbId, cookie, queueBG,
// honorStates). honorStates=false is used by internal callers (warmup
// verification, diagnostics) that must bypass Table S gating; ordinary
// client requests always pass true.
func (c *Coordinator) Get(vbID uint16, key []byte, cookie vbucket.Cookie, queueBG bool, honorStates bool) (Item, status.Code) {
	var vb *vbucket.VBucket
	var code status.Code
	if honorStates {
		vb, code = c.resolve(vbID, cookie, false, false)
		if vb == nil {
			return Item{}, code
		}
	} else {
		vb = c.vbMap.Get(vbID)
		if vb == nil {
			return Item{}, status.NotMyVBucket
		}
	}
	vbVersion := vb.Version()
	now := c.clock.Now()

	if item, ok := c.cacheLookup(vbID, key, now); ok {
		return item, status.Success
	}

	var (
		found, resident, expiredNow bool
		item                        Item
		rowID                       int64
	)
	ht := vb.HashTable()
	ht.WithBucketLock(key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
		sv := find(false)
		if sv == nil {
			return
		}
		found = true
		if sv.IsExpired(now) && !sv.Deleted {
			sv.SoftDelete(now)
			sv.MarkDirty(now)
			c.pushDirty(key, vbID, vbVersion, queue.OpDel, now)
			expiredCounter.Inc(1)
			expiredNow = true
			return
		}
		resident = sv.Resident()
		rowID = sv.RowID
		if !resident {
			return
		}
		item.Value = append([]byte(nil), sv.Value()...)
		item.Flags = sv.Flags
		item.Exptime = sv.Exptime
		if sv.IsLocked(now) {
			item.CAS = lockedCAS
		} else {
			item.CAS = sv.Cas
		}
	})

	if expiredNow || !found {
		c.cacheInvalidate(vbID, key)
		return Item{}, status.KeyNotFound
	}
	if resident {
		if item.CAS != lockedCAS {
			c.cachePut(vbID, key, item)
		}
		return item, status.Success
	}
	if !queueBG {
		return Item{}, status.WouldBlock
	}
	c.scheduleBGFetch(vbID, append([]byte(nil), key...), rowID, cookie)
	return Item{}, status.WouldBlock
}

// scheduleBGFetch wraps the Fetcher with the reconciliation logic spec
// section 4.7 requires: acquire vbsetMutex (the map mutex) before the
// key's stripe lock, re-resolve the record, and only restore if it is
// still present, non-resident and not dirty.
func (c *Coordinator) scheduleBGFetch(vbID uint16, key []byte, rowID int64, cookie vbucket.Cookie) {
	req := tasks.FetchRequest{Key: key, VBID: vbID, RowID: rowID}
	c.bgFetcher.Schedule(req, func(gv kvstore.GetValue, err error) {
		c.reconcileBGFetch(vbID, key, gv, err, cookie)
	})
}
