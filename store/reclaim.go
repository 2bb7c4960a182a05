package store

import (
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/vbucket"
)

// reclaim runs a synchronous eject pass across every vbucket's hash
// table on the calling goroutine, stopping as soon as needed bytes fit
// (or every bucket has been visited once). It is the live-request-path
// counterpart to pager.ItemPager's background sweep (pager/pager.go),
// triggered once a Set/Add has already observed NoMem rather than
// waiting for the next scheduled tick. Returns the number of values
// ejected, which Set/Add use to pick OutOfMemory vs TempFail.
func (c *Coordinator) reclaim(needed int) int {
	v := &reclaimVisitor{mem: c.mem, needed: needed}
	c.vbMap.Each(func(vb *vbucket.VBucket) {
		if v.done() {
			return
		}
		vb.HashTable().Visit(v)
	})
	return v.freed
}

type reclaimVisitor struct {
	mem    *hashtable.MemoryStats
	needed int
	freed  int
}

func (v *reclaimVisitor) done() bool { return v.mem.HasRoom(v.needed) }

func (v *reclaimVisitor) VisitBucket() bool { return !v.done() }

func (v *reclaimVisitor) Visit(sv *storedvalue.StoredValue) {
	if v.done() {
		return
	}
	if ok, _ := hashtable.EjectValue(sv, v.mem); ok {
		v.freed++
	}
}
