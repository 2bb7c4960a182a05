// Package pager implements the two background sweeps of spec section
// 4.8 (component C11): the item pager, which ejects resident values
// while the store is above mem_high_wat until it falls back to
// mem_low_wat, and the expired-item pager, which soft-deletes records
// past their expiry on a fixed sleep interval. Both are hash-table
// visitors scheduled on the dispatcher; neither blocks the flusher and
// both obey stripe locks.
package pager

import (
	"time"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/vbucket"
)

var (
	itemsEjected  = metrics.NewRegisteredCounter("ep_pager_items_ejected", "values ejected by the item pager")
	itemsExpired  = metrics.NewRegisteredCounter("ep_pager_items_expired", "records soft-deleted by the expired-item pager")
	pagerSweepRun = metrics.GetOrRegisterTimer("ep_pager_sweep_seconds", "item pager sweep duration")
)

// ItemPager ejects resident values across every vbucket whenever
// currentSize+memOverhead exceeds memHighWat, stopping as soon as it
// drops to memLowWat or below.
type ItemPager struct {
	mem       *hashtable.MemoryStats
	vbMap     *vbucket.Map
	highWat   int64
	lowWat    int64
	sleepSecs int64
	log       *log.Logger
}

func NewItemPager(mem *hashtable.MemoryStats, vbMap *vbucket.Map, highWat, lowWat int64, sleepSecs int64) *ItemPager {
	return &ItemPager{mem: mem, vbMap: vbMap, highWat: highWat, lowWat: lowWat, sleepSecs: sleepSecs, log: log.New("component", "itempager")}
}

// Start schedules the pager as a recurring daemon task at ItemPager
// priority.
func (p *ItemPager) Start(d *dispatcher.Dispatcher) dispatcher.TaskID {
	return d.Schedule(p.tick, nil, dispatcher.ItemPager, p.sleepSecs, true, "item pager sweep")
}

func (p *ItemPager) tick(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
	if p.mem.Total() > p.highWat {
		start := time.Now()
		p.sweep()
		pagerSweepRun.UpdateSince(start)
	}
	d.Snooze(id, p.sleepSecs)
	return true
}

// sweep visits every vbucket's hash table, ejecting eligible values
// until the store falls to lowWat or every bucket has been visited
// once; a single sweep never loops indefinitely even if it cannot free
// enough (e.g. every resident value is dirty or too small to evict).
func (p *ItemPager) sweep() {
	v := &pagerVisitor{mem: p.mem, lowWat: p.lowWat}
	p.vbMap.Each(func(vb *vbucket.VBucket) {
		if v.done() {
			return
		}
		vb.HashTable().Visit(v)
	})
	if v.freed > 0 {
		itemsEjected.Inc(int64(v.freed))
	}
}

type pagerVisitor struct {
	mem    *hashtable.MemoryStats
	lowWat int64
	freed  int
}

func (v *pagerVisitor) done() bool { return v.mem.Total() <= v.lowWat }

func (v *pagerVisitor) VisitBucket() bool { return !v.done() }

func (v *pagerVisitor) Visit(sv *storedvalue.StoredValue) {
	if v.done() {
		return
	}
	if ok, _ := hashtable.EjectValue(sv, v.mem); ok {
		v.freed++
	}
}

// ExpiredItemPager soft-deletes records whose exptime has passed,
// running on a fixed sleep interval (exp_pager_stime) rather than a
// memory-pressure trigger.
type ExpiredItemPager struct {
	vbMap     *vbucket.Map
	intake    *queue.AtomicQueue
	clock     common.Clock
	persistOn func() bool
	sleepSecs int64
	log       *log.Logger
}

func NewExpiredItemPager(vbMap *vbucket.Map, intake *queue.AtomicQueue, clock common.Clock, persistenceEnabled func() bool, sleepSecs int64) *ExpiredItemPager {
	return &ExpiredItemPager{vbMap: vbMap, intake: intake, clock: clock, persistOn: persistenceEnabled, sleepSecs: sleepSecs, log: log.New("component", "exppager")}
}

func (p *ExpiredItemPager) Start(d *dispatcher.Dispatcher) dispatcher.TaskID {
	return d.Schedule(p.tick, nil, dispatcher.ItemPager, p.sleepSecs, true, "expired item pager sweep")
}

func (p *ExpiredItemPager) tick(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
	start := p.clock.Now()
	v := &expiryVisitor{now: start, intake: p.intake, persistOn: p.persistOn}
	p.vbMap.Each(func(vb *vbucket.VBucket) {
		v.vbID = vb.ID
		v.vbVersion = vb.Version()
		vb.HashTable().Visit(v)
	})
	if v.expired > 0 {
		itemsExpired.Inc(int64(v.expired))
	}
	d.Snooze(id, p.sleepSecs)
	return true
}

type expiryVisitor struct {
	now       int64
	vbID      uint16
	vbVersion uint16
	intake    *queue.AtomicQueue
	persistOn func() bool
	expired   int
}

func (v *expiryVisitor) VisitBucket() bool { return true }

func (v *expiryVisitor) Visit(sv *storedvalue.StoredValue) {
	if sv.Deleted || !sv.IsExpired(v.now) {
		return
	}
	sv.SoftDelete(v.now)
	sv.MarkDirty(v.now)
	v.expired++
	if v.persistOn == nil || v.persistOn() {
		v.intake.Push(queue.Item{Key: append([]byte(nil), sv.Key...), VBID: v.vbID, VBVersion: v.vbVersion, Op: queue.OpDel, DirtiedAt: v.now})
	}
}
