// Package flusher implements the write-back flush pipeline of spec
// section 4.5 (component C7): drain the dirty-queue intake into a
// working queue, batch entries into a backend transaction, persist
// each eligible record, and requeue anything rejected.
package flusher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ledgerwatch/epengine/config"
	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/tasks"
	"github.com/ledgerwatch/epengine/txn"
	"github.com/ledgerwatch/epengine/vbucket"
)

// State names the flusher's four-state machine (spec section 4.5).
type State int32

const (
	Initializing State = iota
	Running
	Paused
	Stopping
	Stopped
)

var (
	totalPersisted = metrics.NewRegisteredCounter("ep_flusher_total_persisted", "rows successfully persisted")
	flushFailed    = metrics.NewRegisteredCounter("ep_flusher_flush_failed", "flush attempts that were redirtied and requeued")
	expiredAtFlush = metrics.NewRegisteredCounter("ep_flusher_expired", "dirty records found expired at flush time")
	flushDuration  = metrics.GetOrRegisterTimer("ep_flusher_duration_seconds", "wall time of one flush cycle")
	queueSize      = metrics.NewRegisteredGauge("ep_flusher_queue_size", "combined intake + working queue depth")
)

// Flusher drives the flush cycle as a single recurring dispatcher task,
// the way the I/O dispatcher's flush slot runs at FlusherPriority.
type Flusher struct {
	cfg     *config.Config
	clock   common.Clock
	backend kvstore.Backend
	vbMap   *vbucket.Map
	intake  *queue.AtomicQueue
	bgFetch *tasks.Fetcher
	txnCtx  *txn.Context

	state int32 // atomic State

	working []queue.Item
	rejects []queue.Item

	dirtyAge int64

	// minResidual and hadFailureReject are reset at the start of each
	// runCycle and used to pick its snooze: minResidual is the smallest
	// minDataAge-dataAge gap among entries requeued this cycle for
	// being too young, hadFailureReject is set the moment anything is
	// requeued after a backend set/del failure instead.
	minResidual      int64
	hadFailureReject bool

	taskID dispatcher.TaskID
	log    *log.Logger
}

func New(cfg *config.Config, clock common.Clock, backend kvstore.Backend, vbMap *vbucket.Map, intake *queue.AtomicQueue, bgFetch *tasks.Fetcher) *Flusher {
	return &Flusher{
		cfg:     cfg,
		clock:   clock,
		backend: backend,
		vbMap:   vbMap,
		intake:  intake,
		bgFetch: bgFetch,
		txnCtx:  txn.New(backend, cfg.MaxTxnSize),
		state:   int32(Initializing),
		log:     log.New("component", "flusher"),
	}
}

// Start schedules the recurring flush task on d and transitions to
// Running.
func (f *Flusher) Start(d *dispatcher.Dispatcher) {
	atomic.StoreInt32(&f.state, int32(Running))
	f.taskID = d.Schedule(f.tick, nil, dispatcher.FlusherPriority, 0, true, "flush cycle")
}

func (f *Flusher) State() State { return State(atomic.LoadInt32(&f.state)) }

// Pause stops flush cycles from doing work without tearing down the
// transaction context; Resume undoes it. Stop drains toward Stopped,
// aborting any open transaction on its final tick.
func (f *Flusher) Pause()  { atomic.StoreInt32(&f.state, int32(Paused)) }
func (f *Flusher) Resume() { atomic.StoreInt32(&f.state, int32(Running)) }
func (f *Flusher) Stop()   { atomic.StoreInt32(&f.state, int32(Stopping)) }

// DirtyAge reports the age in seconds of the oldest entry in the
// working queue as measured at the start of the last flush cycle, 0
// after a cycle that found nothing to flush.
func (f *Flusher) DirtyAge() int64 { return f.dirtyAge }

// QueueDepth reports the combined intake + working queue size, the
// queue_size stat.
func (f *Flusher) QueueDepth() int { return f.intake.Len() + len(f.working) }

func (f *Flusher) tick(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
	switch f.State() {
	case Paused:
		d.Snooze(id, 1)
		return true
	case Stopping:
		f.txnCtx.Abort(context.Background())
		atomic.StoreInt32(&f.state, int32(Stopped))
		return false
	case Stopped:
		return false
	}

	backoff := f.runCycle(context.Background())
	if backoff > 0 {
		d.Snooze(id, backoff)
	}
	return true
}

// runCycle implements beginFlush/flushSome/completeFlush, returning the
// number of seconds to snooze before the next tick (0 = run again
// immediately).
func (f *Flusher) runCycle(ctx context.Context) int64 {
	f.intake.DrainInto(&f.working)
	queueSize.Update(int64(f.QueueDepth()))

	if len(f.working) == 0 {
		f.dirtyAge = 0
		return 1
	}
	f.dirtyAge = f.clock.Now() - f.working[0].DirtiedAt
	f.minResidual = 0
	f.hadFailureReject = false

	start := time.Now()
	if err := f.txnCtx.Enter(ctx); err != nil {
		f.log.Warn("flusher could not open backend transaction", "err", err)
		f.rejects = append(f.rejects, f.working...)
		f.working = f.working[:0]
		f.completeFlush()
		return 1
	}

	preempted := f.flushSome(ctx)
	if !preempted {
		if err := f.txnCtx.Commit(ctx); err != nil {
			f.log.Warn("flusher commit aborted by shutdown", "err", err)
		}
	}
	flushDuration.UpdateSince(start)
	f.completeFlush()
	if !preempted && !f.hadFailureReject && f.minResidual > 0 {
		return f.minResidual
	}
	return 0
}

// flushSome processes up to txnSize entries from the front of the
// working queue, stopping early once a background fetch is in flight
// so reads are not starved by a long flush cycle.
func (f *Flusher) flushSome(ctx context.Context) (preempted bool) {
	processed := 0
	for len(f.working) > 0 && processed < f.cfg.MaxTxnSize {
		if f.bgFetch != nil && f.bgFetch.InFlight() > 0 {
			return true
		}
		qi := f.working[0]
		f.working = f.working[1:]
		f.flushOne(ctx, qi)
		processed++
		if err := f.txnCtx.Leave(ctx, 1); err != nil {
			f.log.Warn("flusher txn leave failed", "err", err)
		}
	}
	return false
}

func (f *Flusher) flushOne(ctx context.Context, qi queue.Item) {
	switch qi.Op {
	case queue.OpFlush:
		if err := f.backend.Reset(ctx); err != nil {
			f.log.Warn("backend reset failed", "err", err)
			return
		}
		totalPersisted.Inc(1)
	case queue.OpDel:
		vb := f.vbMap.Get(qi.VBID)
		if vb == nil {
			return
		}
		f.flushOneDelOrSet(ctx, vb, qi)
	case queue.OpSet:
		vb := f.vbMap.Get(qi.VBID)
		if vb == nil {
			return
		}
		if qi.VBVersion != f.vbMap.Version(qi.VBID) {
			return
		}
		f.flushOneDelOrSet(ctx, vb, qi)
	}
}

// completeFlush moves any entries rejected this cycle back to the head
// of the working queue so they are the first thing the next cycle
// retries.
func (f *Flusher) completeFlush() {
	if len(f.rejects) == 0 {
		return
	}
	f.working = append(f.rejects, f.working...)
	f.rejects = f.rejects[:0]
}

type decisionKind int

const (
	decideDrop decisionKind = iota
	decideRequeueYoung
	decideDelete
	decideSet
)

type decision struct {
	kind     decisionKind
	value    []byte
	flags    uint32
	exptime  uint32
	cas      uint64
	rowID    int64
	residual int64 // decideRequeueYoung only: seconds until minDataAge is reached
}

// flushOneDelOrSet implements the eligibility table of spec section 4.5
// under the record's stripe lock, then performs the backend I/O outside
// the lock, finishing with the matching persistence callback.
func (f *Flusher) flushOneDelOrSet(ctx context.Context, vb *vbucket.VBucket, qi queue.Item) {
	if qi.Op == queue.OpSet && f.vbMap.HiPrioSnapshotPending() {
		// Don't let a row write race ahead of the metadata snapshot
		// describing its vbucket; let the snapshot go first.
		f.intake.Push(qi)
		return
	}

	now := f.clock.Now()
	ht := vb.HashTable()

	var d decision
	ht.WithBucketLock(qi.Key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
		sv := find(true)
		if sv == nil || !sv.Dirty {
			d.kind = decideDrop
			return
		}
		if sv.Deleted {
			d.kind = decideDelete
			d.rowID = sv.RowID
			return
		}
		if sv.IsExpired(now + int64(f.cfg.ExpiryWindow)) {
			sv.MarkClean()
			expiredAtFlush.Inc(1)
			d.kind = decideDrop
			return
		}
		if sv.PendingID {
			// Only ever set on the insert path (rowID == -1, below): an
			// update to an already-persisted row has a known rowId and
			// is already excluded from racing with itself by the stripe
			// lock held across this whole decision.
			d.kind = decideDrop
			return
		}
		dirtyAge := now - sv.DirtiedAt
		dataAge := now - sv.DataAge
		if dirtyAge <= int64(f.cfg.QueueAgeCap) && dataAge < int64(f.cfg.MinDataAge) {
			d.kind = decideRequeueYoung
			d.residual = int64(f.cfg.MinDataAge) - dataAge
			return
		}
		if sv.RowID == -1 {
			sv.PendingID = true
		}
		d.kind = decideSet
		d.value = append([]byte(nil), sv.Value()...)
		d.flags = sv.Flags
		d.exptime = sv.Exptime
		d.cas = sv.Cas
		d.rowID = sv.RowID
		sv.MarkClean()
	})

	switch d.kind {
	case decideDrop:
		return
	case decideRequeueYoung:
		f.rejects = append(f.rejects, qi)
		if f.minResidual == 0 || d.residual < f.minResidual {
			f.minResidual = d.residual
		}
		return
	case decideDelete:
		if d.rowID <= 0 {
			f.persistenceDelCallback(vb, qi, 0, nil)
			return
		}
		n, err := f.backend.Del(ctx, qi.Key, d.rowID)
		f.persistenceDelCallback(vb, qi, n, err)
	case decideSet:
		row := kvstore.Row{Key: qi.Key, Value: d.value, Flags: d.flags, Exptime: d.exptime, Cas: d.cas, VBID: qi.VBID, VBVersion: qi.VBVersion}
		affected, newRowID, err := f.backend.Set(ctx, row, d.rowID)
		f.persistenceSetCallback(vb, qi, affected, newRowID, err)
	}
}

func (f *Flusher) persistenceSetCallback(vb *vbucket.VBucket, qi queue.Item, affected int, newRowID int64, err error) {
	if err != nil {
		f.redirty(vb, qi)
		return
	}
	if affected == 1 && newRowID > 0 {
		vb.HashTable().WithBucketLock(qi.Key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
			sv := find(true)
			if sv == nil {
				return
			}
			sv.RowID = newRowID
			sv.PendingID = false
		})
		totalPersisted.Inc(1)
		return
	}
	if affected == 0 && newRowID == 0 {
		f.log.Warn("flush set reported no rows affected and no row id", "key", string(qi.Key), "vbid", qi.VBID)
		return
	}
	f.redirty(vb, qi)
}

func (f *Flusher) persistenceDelCallback(vb *vbucket.VBucket, qi queue.Item, rowsDeleted int, err error) {
	if err != nil || rowsDeleted < 0 {
		f.redirty(vb, qi)
		return
	}
	ht := vb.HashTable()
	var shouldRemove bool
	ht.WithBucketLock(qi.Key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
		sv := find(true)
		if sv == nil {
			return
		}
		if sv.Deleted {
			shouldRemove = true
			return
		}
		sv.RowID = -1
	})
	if shouldRemove {
		ht.RemoveTombstone(qi.Key)
	}
	totalPersisted.Inc(1)
}

// redirty re-raises the dirty bit with the entry's original dirtiedAt
// and requeues it, the common failure path for both set and del.
func (f *Flusher) redirty(vb *vbucket.VBucket, qi queue.Item) {
	vb.HashTable().WithBucketLock(qi.Key, func(bidx int, find func(bool) *storedvalue.StoredValue) {
		sv := find(true)
		if sv == nil {
			return
		}
		sv.PendingID = false
		sv.Dirty = true
		sv.DirtiedAt = qi.DirtiedAt
		if vb.State() != vbucket.Active && sv.Resident() {
			mem := vb.HashTable().Mem()
			if mem.CurrentSize() >= int64(f.cfg.MemLowWat) {
				hashtable.EjectValue(sv, mem)
			}
		}
	})
	flushFailed.Inc(1)
	f.hadFailureReject = true
	f.rejects = append(f.rejects, qi)
}
