package hashtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/epengine/storedvalue"
)

func newTestTable(t *testing.T, maxSize int64) *HashTable {
	t.Helper()
	mem := NewMemoryStats(maxSize)
	return New(17, 4, mem)
}

func TestSetInsertsFreshRecord(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	var gotResult SetResult
	var gotSV *storedvalue.StoredValue
	result, sv := ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 100, 1<<20, func(r SetResult, s *storedvalue.StoredValue) {
		gotResult, gotSV = r, s
	})
	require.Equal(t, SetSuccessWasClean, result)
	require.Equal(t, gotResult, result)
	require.Same(t, sv, gotSV)
	require.True(t, sv.Dirty)
	require.Equal(t, uint64(1), sv.Cas)
}

func TestSetCASCollisionIsRejected(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	_, sv := ht.Set([]byte("k"), []byte("v1"), 0, 0, 0, 10, 100, 1<<20, nil)
	require.Equal(t, uint64(10), sv.Cas)

	// A stale CAS must be rejected and must not advance the record's CAS.
	result, _ := ht.Set([]byte("k"), []byte("v2"), 0, 0, 999, 20, 101, 1<<20, nil)
	require.Equal(t, SetInvalidCAS, result)
	require.Equal(t, uint64(10), sv.Cas)

	// The correct CAS succeeds and the CAS only ever moves forward.
	result, sv2 := ht.Set([]byte("k"), []byte("v3"), 0, 0, 10, 20, 102, 1<<20, nil)
	require.Equal(t, SetSuccessWasDirty, result)
	require.Equal(t, uint64(20), sv2.Cas)
	require.Greater(t, sv2.Cas, uint64(10))
}

func TestSetUnconditionalOverwritesWithoutCASCheck(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	ht.Set([]byte("k"), []byte("v1"), 0, 0, 0, 10, 100, 1<<20, nil)
	result, sv := ht.Set([]byte("k"), []byte("v2"), 0, 0, 0, 11, 101, 1<<20, nil)
	require.Equal(t, SetSuccessWasDirty, result)
	require.Equal(t, uint64(11), sv.Cas)
}

func TestSetCASAgainstMissingKeyIsNotFound(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	result, sv := ht.Set([]byte("missing"), []byte("v"), 0, 0, 5, 1, 100, 1<<20, nil)
	require.Equal(t, SetNotFound, result)
	require.Nil(t, sv)
}

func TestSetOversizeItemIsNoMem(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	result, sv := ht.Set([]byte("k"), []byte("toolong"), 0, 0, 0, 1, 100, 4, nil)
	require.Equal(t, SetNoMem, result)
	require.Nil(t, sv)
}

func TestSetAgainstLockedRecordFails(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	_, sv := ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 100, 1<<20, nil)
	sv.LockUntil = 200
	result, _ := ht.Set([]byte("k"), []byte("v2"), 0, 0, 0, 2, 150, 1<<20, nil)
	require.Equal(t, SetIsLocked, result)
}

func TestAddRejectsExistingLiveKey(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	result, _ := ht.Add([]byte("k"), []byte("v"), 0, 0, 1, 100, false, true, -1, nil)
	require.Equal(t, AddSuccess, result)

	result2, sv2 := ht.Add([]byte("k"), []byte("v2"), 0, 0, 2, 101, false, true, -1, nil)
	require.Equal(t, AddExists, result2)
	require.Nil(t, sv2)
}

func TestAddUndeletesTombstone(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 100, 1<<20, nil)
	ht.SoftDelete([]byte("k"), 101, nil)

	result, sv := ht.Add([]byte("k"), []byte("v2"), 0, 0, 2, 102, false, true, -1, nil)
	require.Equal(t, AddUndeleteSuccess, result)
	require.False(t, sv.Deleted)
	require.Equal(t, []byte("v2"), sv.Value())
}

func TestAddRestoreBypassesDirtyQueueSideEffect(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	var onResultCalls int
	_, sv := ht.Add([]byte("k"), []byte("v"), 0, 0, 1, 100, true, true, 42, func(r AddResult, s *storedvalue.StoredValue) {
		onResultCalls++
	})
	require.Equal(t, 1, onResultCalls)
	require.False(t, sv.Dirty, "warmup restore must not mark the record dirty")
	require.Equal(t, int64(42), sv.RowID)
}

func TestAddRetainValueFalseEjectsImmediately(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	_, sv := ht.Add([]byte("k"), []byte("a stored value long enough to matter"), 0, 0, 1, 100, true, false, 1, nil)
	require.False(t, sv.Resident())
}

func TestSoftDeleteConservesTombstoneUntilExplicitRemoval(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 100, 1<<20, nil)

	result, sv := ht.SoftDelete([]byte("k"), 105, nil)
	require.Equal(t, DeleteWasDirty, result)
	require.True(t, sv.Deleted)

	// The tombstone is still reachable by a wantDeleted find, i.e. it was
	// not physically removed by the soft delete alone.
	found := ht.Find([]byte("k"), true)
	require.NotNil(t, found)
	require.True(t, found.Deleted)

	ht.RemoveTombstone([]byte("k"))
	require.Nil(t, ht.Find([]byte("k"), true))
}

func TestSoftDeleteMissingKeyIsNotFound(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	result, sv := ht.SoftDelete([]byte("nope"), 1, nil)
	require.Equal(t, DeleteNotFound, result)
	require.Nil(t, sv)
}

func TestFindHidesDeletedUnlessRequested(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	ht.Set([]byte("k"), []byte("v"), 0, 0, 0, 1, 100, 1<<20, nil)
	ht.SoftDelete([]byte("k"), 101, nil)

	require.Nil(t, ht.Find([]byte("k"), false))
	require.NotNil(t, ht.Find([]byte("k"), true))
}

func TestEjectValueRequiresResidentCleanAndLargeEnough(t *testing.T) {
	mem := NewMemoryStats(1 << 20)
	small := storedvalue.New([]byte("k"), []byte("v"), 0, 0, 1, 0)
	ok, msg := EjectValue(small, mem)
	require.False(t, ok)
	require.Contains(t, msg, "small")

	big := storedvalue.New([]byte("k"), make([]byte, ejectSizeThreshold+1), 0, 0, 1, 0)
	ok, _ = EjectValue(big, mem)
	require.True(t, ok)
	require.False(t, big.Resident())

	ok, msg = EjectValue(big, mem)
	require.False(t, ok)
	require.Contains(t, msg, "ejected")

	ok, _ = EjectValue(nil, mem)
	require.False(t, ok)
}

func TestEjectValueRefusesDirtyRecord(t *testing.T) {
	mem := NewMemoryStats(1 << 20)
	sv := storedvalue.New([]byte("k"), make([]byte, ejectSizeThreshold+1), 0, 0, 1, 0)
	sv.MarkDirty(1)
	ok, _ := EjectValue(sv, mem)
	require.False(t, ok)
	require.True(t, sv.Resident())
}

func TestRestoreValueRefusesResidentOrDirtyRecord(t *testing.T) {
	mem := NewMemoryStats(1 << 20)
	sv := storedvalue.New([]byte("k"), []byte("v"), 0, 0, 1, 0)
	require.False(t, RestoreValue(sv, []byte("v2"), mem))

	sv.Eject()
	sv.MarkDirty(1)
	require.False(t, RestoreValue(sv, []byte("v2"), mem))

	sv.MarkClean()
	require.True(t, RestoreValue(sv, []byte("v2"), mem))
	require.Equal(t, []byte("v2"), sv.Value())
}

func TestReconcileBGFetchDiscardsIfMutatedWhileInFlight(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	_, sv := ht.Add([]byte("k"), make([]byte, ejectSizeThreshold+1), 0, 0, 1, 100, true, false, 1, nil)
	require.False(t, sv.Resident())

	// The record is dirtied (e.g. by a concurrent Set) before the fetch
	// completes: reconciliation must discard the fetched bytes.
	sv.MarkDirty(101)
	require.False(t, ht.ReconcileBGFetch([]byte("k"), []byte("stale")))
	require.False(t, sv.Resident())
}

func TestReconcileBGFetchRestoresWhenStillEligible(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	_, sv := ht.Add([]byte("k"), make([]byte, ejectSizeThreshold+1), 0, 0, 1, 100, true, false, 1, nil)
	require.True(t, ht.ReconcileBGFetch([]byte("k"), []byte("fetched")))
	require.True(t, sv.Resident())
	require.Equal(t, []byte("fetched"), sv.Value())
}

func TestReconcileBGFetchMissingKeyIsSafe(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	require.False(t, ht.ReconcileBGFetch([]byte("nope"), []byte("v")))
}

type countingVisitor struct {
	keys []string
}

func (v *countingVisitor) VisitBucket() bool { return true }
func (v *countingVisitor) Visit(sv *storedvalue.StoredValue) {
	v.keys = append(v.keys, string(sv.Key))
}

func TestVisitWalksEveryRecord(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	for _, k := range []string{"a", "b", "c", "d"} {
		ht.Set([]byte(k), []byte("v"), 0, 0, 0, 1, 100, 1<<20, nil)
	}
	v := &countingVisitor{}
	ht.Visit(v)
	require.Len(t, v.keys, 4)
}

type stoppingVisitor struct {
	seen int
}

func (v *stoppingVisitor) VisitBucket() bool {
	v.seen++
	return v.seen <= 1
}
func (v *stoppingVisitor) Visit(sv *storedvalue.StoredValue) {}

func TestVisitStopsEarlyWhenVisitBucketReturnsFalse(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	v := &stoppingVisitor{}
	ht.Visit(v)
	require.LessOrEqual(t, v.seen, 2)
}

func TestClearRemovesEveryRecordAndFreesMemory(t *testing.T) {
	mem := NewMemoryStats(1 << 20)
	ht := New(17, 4, mem)
	for _, k := range []string{"a", "b", "c"} {
		ht.Set([]byte(k), []byte("value"), 0, 0, 0, 1, 100, 1<<20, nil)
	}
	require.Greater(t, mem.CurrentSize(), int64(0))
	ht.Clear()
	require.Equal(t, int64(0), mem.CurrentSize())
	require.Nil(t, ht.Find([]byte("a"), true))
}

func TestEvictDelegatesToEjectValue(t *testing.T) {
	ht := newTestTable(t, 1<<20)
	ht.Set([]byte("k"), make([]byte, ejectSizeThreshold+1), 0, 0, 0, 1, 100, 1<<20, nil)
	ht.Find([]byte("k"), false).MarkClean()
	ok, _ := ht.Evict([]byte("k"))
	require.True(t, ok)
	sv := ht.Find([]byte("k"), false)
	require.False(t, sv.Resident())
}

func TestNewPanicsWhenLocksNotLessThanSize(t *testing.T) {
	mem := NewMemoryStats(1 << 20)
	require.Panics(t, func() { New(4, 4, mem) })
}
