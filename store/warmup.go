package store

import (
	"context"
	"fmt"

	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/vbucket"
)

// Warmup implements spec section 4.10: pre-create vbucket shells from
// the persisted (id,version)->state table, then stream the row dump
// through HashTable.Add, retaining values only while there is room
// under mem_low_wat. A single emergency purge is attempted if an insert
// reports NoMem before the loader has purged once; duplicates are
// counted but not fatal.
func (c *Coordinator) Warmup(ctx context.Context) error {
	states, err := c.backend.ListPersistedVBuckets(ctx)
	if err != nil {
		return fmt.Errorf("store: warmup list vbuckets: %w", err)
	}
	now := c.clock.Now()
	for k, st := range states {
		id := k[0]
		c.vbMap.SetState(id, parseState(st), c.cfg.HTSize, c.cfg.HTLocks, c.mem, c.notify, 0, 0, now)
	}

	purged := false
	dupSeen := make(map[string]bool)
	return c.backend.Dump(ctx, func(gv kvstore.GetValue) error {
		vb := c.vbMap.Get(gv.Row.VBID)
		if vb == nil {
			// Row belongs to a vbucket with no recorded state; skip
			// rather than fail the whole warmup (spec: "unknown vbucket
			// state during warmup -> skip").
			return nil
		}
		key := string(gv.Row.Key)
		if dupSeen[key] {
			warmDupCounter.Inc(1)
		}
		dupSeen[key] = true

		retain := c.mem.CurrentSize() < int64(c.cfg.MemLowWat)
		ht := vb.HashTable()
		result, _ := ht.Add(gv.Row.Key, gv.Row.Value, gv.Row.Flags, gv.Row.Exptime, gv.Row.Cas, now, true, retain, gv.RowID, nil)
		if result == hashtable.AddNoMem {
			if !purged {
				purged = true
				c.emergencyPurge()
				result, _ = ht.Add(gv.Row.Key, gv.Row.Value, gv.Row.Flags, gv.Row.Exptime, gv.Row.Cas, now, true, retain, gv.RowID, nil)
			}
			if result == hashtable.AddNoMem {
				warmOOMCounter.Inc(1)
			}
		}
		return nil
	})
}

// emergencyPurge ejects every eligible value across every live vbucket,
// the single retry spec section 4.10 allows before counting a warmup
// insert as a hard OOM.
func (c *Coordinator) emergencyPurge() {
	c.vbMap.Each(func(vb *vbucket.VBucket) {
		vb.HashTable().Visit(purgeVisitor{mem: c.mem})
	})
}

type purgeVisitor struct {
	mem *hashtable.MemoryStats
}

func (purgeVisitor) VisitBucket() bool { return true }

func (v purgeVisitor) Visit(sv *storedvalue.StoredValue) {
	hashtable.EjectValue(sv, v.mem)
}

func parseState(s string) vbucket.State {
	switch s {
	case "active":
		return vbucket.Active
	case "replica":
		return vbucket.Replica
	case "pending":
		return vbucket.Pending
	default:
		return vbucket.Dead
	}
}
