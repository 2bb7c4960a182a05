package store

import (
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/vbucket"
)

// reconcileBGFetch implements spec section 4.7 step 2-3: under the
// map-wide lock, if the vbucket is still Active and the backend lookup
// succeeded, reconcile with the hash table (never resurrecting a
// deleted key or overwriting a newer resident value), then notify the
// suspended cookie either way.
func (c *Coordinator) reconcileBGFetch(vbID uint16, key []byte, gv kvstore.GetValue, err error, cookie vbucket.Cookie) {
	code := status.Success
	if err != nil {
		if err == kvstore.ErrNotFound {
			code = status.KeyNotFound
		} else {
			code = status.Failed
		}
	}

	vb := c.vbMap.Get(vbID)

	if vb != nil && err == nil {
		// Hold the map-wide lock (spec section 5's vbsetMutex) across the
		// state check and the stripe-locked reconcile, so no state change
		// can land between them.
		c.vbMap.Mutex.Lock()
		if vb.State() == vbucket.Active && vb.HashTable().ReconcileBGFetch(key, gv.Row.Value) {
			c.cachePut(vbID, key, Item{Value: gv.Row.Value, Flags: gv.Row.Flags, Exptime: gv.Row.Exptime, CAS: gv.Row.Cas})
		}
		c.vbMap.Mutex.Unlock()
	}

	if c.notify != nil && cookie != nil {
		c.notify(cookie, int(code))
	}
}
