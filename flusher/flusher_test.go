package flusher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/config"
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/kvstore/fakestore"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/vbucket"
)

func newActiveVB(t *testing.T, id uint16) (*vbucket.Map, *hashtable.MemoryStats) {
	t.Helper()
	mem := hashtable.NewMemoryStats(1 << 20)
	m := vbucket.NewMap(4)
	m.SetState(id, vbucket.Active, 17, 4, mem, nil, 0, 1, 0)
	return m, mem
}

func newTestFlusher(cfg *config.Config, clock common.Clock, backend kvstore.Backend, vbMap *vbucket.Map) *Flusher {
	return New(cfg, clock, backend, vbMap, queue.NewAtomicQueue(), nil)
}

// TestRunCycleFlushesCleanSetAndAssignsRowID covers the set->flush
// round trip: a dirty record, once its cycle runs, is persisted,
// marked clean and carries the backend's assigned row id.
func TestRunCycleFlushesCleanSetAndAssignsRowID(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	backoff := f.runCycle(context.Background())
	require.Zero(t, backoff)

	sv := ht.Find([]byte("k"), false)
	require.False(t, sv.Dirty)
	require.Greater(t, sv.RowID, int64(0))

	gv, err := backend.Get(context.Background(), []byte("k"), -1)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), gv.Row.Value)
}

// TestRunCycleRequeuesEntryYoungerThanMinDataAge covers scenario S3's
// min_data_age branch: a record whose underlying data is younger than
// min_data_age, and whose own dirty age hasn't yet exceeded
// queue_age_cap, is left dirty and requeued rather than flushed.
func TestRunCycleRequeuesEntryYoungerThanMinDataAge(t *testing.T) {
	cfg := config.Default()
	cfg.MinDataAge = 100
	cfg.QueueAgeCap = 900
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil) // DataAge = DirtiedAt = 1000, both fresh

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	backoff := f.runCycle(context.Background())

	sv := ht.Find([]byte("k"), false)
	require.True(t, sv.Dirty, "an entry younger than min_data_age must not be flushed yet")
	require.Len(t, f.working, 1, "the young entry must be requeued at the head of the working queue")
	require.Equal(t, int64(100), backoff, "runCycle should snooze for the residual minDataAge-dataAge gap instead of busy-looping")

	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

// TestRunCycleForcesFlushOnceQueueAgeCapExceeded covers scenario S3's
// other branch: once an entry's own dirty age exceeds queue_age_cap it
// is force-flushed even though min_data_age hasn't elapsed.
func TestRunCycleForcesFlushOnceQueueAgeCapExceeded(t *testing.T) {
	cfg := config.Default()
	cfg.MinDataAge = 100
	cfg.QueueAgeCap = 5
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 990, 1<<20, nil)
	sv := ht.Find([]byte("k"), false)
	sv.DirtiedAt = 990 // dirty age = 1000-990 = 10, exceeds the 5-second cap

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 990})
	f.runCycle(context.Background())

	require.False(t, sv.Dirty, "an entry past queue_age_cap must be flushed even though min_data_age hasn't elapsed")
	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.NoError(t, err)
}

// TestRunCycleDeleteRemovesTombstoneAfterBackendAck covers the
// set->del->flush law: a soft-deleted, previously-persisted record is
// removed from the backend and its in-memory tombstone is dropped.
func TestRunCycleDeleteRemovesTombstoneAfterBackendAck(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)
	_, _, err := backend.Set(context.Background(), kvstore.Row{Key: []byte("k"), Value: []byte("v")}, -1)
	require.NoError(t, err)
	sv := ht.Find([]byte("k"), false)
	sv.RowID = 1
	sv.MarkClean()
	sv.SoftDelete(1000)
	sv.MarkDirty(1000)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpDel, DirtiedAt: 1000})
	f.runCycle(context.Background())

	require.Nil(t, ht.Find([]byte("k"), true), "the tombstone must be removed once the backend confirms the delete")
	_, err = backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

// TestRunCycleCoalescesRepeatedSetsOfSameKey covers the set(v1);set(v2)
// coalescing law: two queued set entries for the same key, produced by
// two in-memory writes before either flushed, result in exactly one
// backend write carrying the latest value.
func TestRunCycleCoalescesRepeatedSetsOfSameKey(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v1"), 0, 0, 0, 1, 1000, 1<<20, nil)
	ht.Set([]byte("k"), []byte("v2"), 0, 0, 1, 2, 1000, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	f.runCycle(context.Background())

	gv, err := backend.Get(context.Background(), []byte("k"), -1)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), gv.Row.Value, "the coalesced flush must carry the latest value")

	sv := ht.Find([]byte("k"), false)
	require.False(t, sv.Dirty)
}

// TestRunCycleRedirtiesAndRequeuesOnBackendSetFailure covers scenario
// S6: a backend Set that reports failure (-1 rows) leaves the record
// dirty and requeues the entry for the next cycle.
func TestRunCycleRedirtiesAndRequeuesOnBackendSetFailure(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	backend.FailNextSet = true
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	f.runCycle(context.Background())

	sv := ht.Find([]byte("k"), false)
	require.True(t, sv.Dirty, "a rejected set must re-raise the dirty bit")
	require.Len(t, f.working, 1, "a rejected set must be requeued for the next cycle")

	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

// TestRunCycleRedirtiesAndRequeuesOnBackendDelFailure covers scenario
// S6's delete-side counterpart.
func TestRunCycleRedirtiesAndRequeuesOnBackendDelFailure(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)
	sv := ht.Find([]byte("k"), false)
	sv.RowID = 1
	sv.MarkClean()
	sv.SoftDelete(1000)
	sv.MarkDirty(1000)
	backend.FailNextDel = true

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpDel, DirtiedAt: 1000})
	f.runCycle(context.Background())

	require.True(t, sv.Dirty, "a rejected delete must re-raise the dirty bit")
	require.Len(t, f.working, 1)
}

// TestRunCycleDropsSetWhenRecordNoLongerDirty covers flushOneDelOrSet's
// guard against a record a concurrent flush (or an expiry sweep)
// already handled: the queued entry is silently dropped.
func TestRunCycleDropsSetWhenRecordNoLongerDirty(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)
	ht.Find([]byte("k"), false).MarkClean()

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	f.runCycle(context.Background())

	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound, "a no-longer-dirty entry must be dropped, never flushed")
}

// TestRunCycleDropsSetForStaleVBucketVersion covers the version-gating
// check in flushOne: an OpSet entry stamped with a prior vbucket
// incarnation's version must never be applied to the reincarnated one.
func TestRunCycleDropsSetForStaleVBucketVersion(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 99, Op: queue.OpSet, DirtiedAt: 1000})
	f.runCycle(context.Background())

	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound, "a stale-version entry must never be flushed")
	sv := ht.Find([]byte("k"), false)
	require.True(t, sv.Dirty, "the record itself is untouched by a dropped stale-version entry")
}

func TestRunCycleIdleReturnsOneSecondBackoff(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	backoff := f.runCycle(context.Background())
	require.Equal(t, int64(1), backoff)
	require.Zero(t, f.DirtyAge())
}

func TestRunCycleRequeuesAheadOfPendingHiPrioSnapshot(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	vbMap.TryScheduleSnapshot(true)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 1000, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 1000})
	f.runCycle(context.Background())

	_, err := backend.Get(context.Background(), []byte("k"), -1)
	require.ErrorIs(t, err, kvstore.ErrNotFound, "a row write must not race ahead of a pending metadata snapshot")
	require.Equal(t, 1, f.intake.Len(), "the deferred entry goes back through intake, not the working queue")
}

func TestQueueDepthAndDirtyAgeAfterDraining(t *testing.T) {
	cfg := config.Default()
	clock := common.NewFixedClock(1000)
	backend := fakestore.New()
	vbMap, _ := newActiveVB(t, 0)
	f := newTestFlusher(cfg, clock, backend, vbMap)

	ht := vbMap.Get(0).HashTable()
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 940, 1<<20, nil)

	f.intake.Push(queue.Item{Key: []byte("k"), VBID: 0, VBVersion: 0, Op: queue.OpSet, DirtiedAt: 940})
	require.Equal(t, 1, f.QueueDepth())
	f.runCycle(context.Background())
	require.Zero(t, f.QueueDepth())
	require.Equal(t, int64(60), f.DirtyAge(), "dirty age is taken when the cycle drains intake: now minus the oldest entry's DirtiedAt")
}
