package store

import (
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/tasks"
	"github.com/ledgerwatch/epengine/vbucket"
)

// SetVBucketState implements spec section 4.9's state-change entry
// point: transitions (or creates) id's vbucket, then schedules a
// snapshot task at the priority its cause implies. A freshly created
// shell (no prior vbucket) is creation-class (PersistHigh); any other
// transition is mutation-class (PersistLow).
func (c *Coordinator) SetVBucketState(id uint16, newState vbucket.State) {
	existed := c.vbMap.Get(id) != nil
	c.vbMap.SetState(id, newState, c.cfg.HTSize, c.cfg.HTLocks, c.mem, c.notify, int(status.Success), int(status.NotMyVBucket), c.clock.Now())
	tasks.ScheduleSnapshot(c.ioDispatcher, c.vbMap, c.backend, !existed)
}

// GetVBucketState implements the GetVBucket extension control command:
// a read-only peek at a vbucket's current state and version.
func (c *Coordinator) GetVBucketState(id uint16) (state vbucket.State, version uint16, ok bool) {
	vb := c.vbMap.Get(id)
	if vb == nil {
		return vbucket.Dead, 0, false
	}
	return vb.State(), vb.Version(), true
}

// DeleteVBucket implements deleteVBucket(id): only valid once the
// bucket has transitioned to Dead. Collects the live in-memory rowId
// set, removes the bucket from the map, and hands the rest to the
// chunked-deletion task plus a high-priority snapshot so the metadata
// catches up.
func (c *Coordinator) DeleteVBucket(id uint16) status.Code {
	vb := c.vbMap.Get(id)
	if vb == nil || vb.State() != vbucket.Dead {
		return status.NotSupported
	}
	version := vb.Version()

	var rowIDs []int64
	vb.HashTable().Visit(rowIDCollector{out: &rowIDs})

	c.vbMap.RemoveVBucket(id)
	tasks.ScheduleVBucketDeletion(c.ioDispatcher, c.vbMap, c.backend, id, version, rowIDs, c.cfg.VBDelChunkSize)
	tasks.ScheduleSnapshot(c.ioDispatcher, c.vbMap, c.backend, true)
	return status.Success
}

// rowIDCollector is a hashtable.Visitor gathering every assigned rowId,
// the pre-computation step spec section 4.9 requires before scheduling
// chunked deletion.
type rowIDCollector struct {
	out *[]int64
}

func (rowIDCollector) VisitBucket() bool { return true }
func (v rowIDCollector) Visit(sv *storedvalue.StoredValue) {
	if sv.RowID >= 0 {
		*v.out = append(*v.out, sv.RowID)
	}
}

// ReceiveReplicated implements the tap-push write row of Table S
// (force=true unconditionally): a replicated mutation is applied
// regardless of the local vbucket's state, so long as it is not Dead.
// Stands in for full tap connection bookkeeping while still exercising
// the replication write path on its own.
func (c *Coordinator) ReceiveReplicated(vbID uint16, key, value []byte, flags, exptime uint32, cas uint64) status.Code {
	vb, code := c.resolveForceWrite(vbID)
	if vb == nil {
		return code
	}
	vbVersion := vb.Version()
	now := c.clock.Now()

	var result hashtable.SetResult
	vb.HashTable().Set(key, value, flags, exptime, 0, cas, now, int(c.cfg.MaxItemSize), func(res hashtable.SetResult, sv *storedvalue.StoredValue) {
		result = res
		if res == hashtable.SetSuccessWasClean {
			c.pushDirty(key, vbID, vbVersion, queue.OpSet, now)
		}
	})
	c.cacheInvalidate(vbID, key)
	if result == hashtable.SetNoMem {
		return status.OutOfMemory
	}
	return status.Success
}

// Flush implements flush(when=0): reset every backend row. Recorded as
// a single queue_op_flush intake entry rather than run synchronously,
// matching flushOne's "queue_op_flush resets the backend" handling.
func (c *Coordinator) Flush() {
	c.intake.Push(queue.Item{Op: queue.OpFlush, DirtiedAt: c.clock.Now()})
}

// SetFlushParam implements the extension control command of the same
// name for the handful of numeric flush-tuning parameters that make
// sense to adjust live.
func (c *Coordinator) SetFlushParam(name string, value int) status.Code {
	switch name {
	case "min_data_age":
		c.cfg.MinDataAge = value
	case "queue_age_cap":
		c.cfg.QueueAgeCap = value
	case "max_txn_size":
		c.cfg.MaxTxnSize = value
	default:
		return status.NotSupported
	}
	return status.Success
}
