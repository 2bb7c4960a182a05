package vbucket

import (
	"sync"

	"github.com/ledgerwatch/epengine/hashtable"
)

// Map is the dense, id-indexed collection of vbuckets (spec section
// 3/4.9, component C4): a shared handle per id, a version, and the
// two snapshot-scheduled flags plus per-id deletion-in-progress flag.
// All state transitions and shell creation/destruction happen under
// Mutex, the map-wide vbsetMutex of the lock hierarchy (spec section
// 5, position 1).
type Map struct {
	Mutex sync.Mutex

	slots []*slot

	hiPrioSnapshotScheduled bool
	loPrioSnapshotScheduled bool
}

type slot struct {
	vb                 *VBucket
	version            uint16
	deletionInProgress bool
}

func NewMap(numVBuckets int) *Map {
	return &Map{slots: make([]*slot, numVBuckets)}
}

// Get returns the live vbucket for id, or nil.
func (m *Map) Get(id uint16) *VBucket {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if int(id) >= len(m.slots) || m.slots[id] == nil {
		return nil
	}
	return m.slots[id].vb
}

// Version reports id's current version even if no vbucket is live,
// needed by the flusher's version-gating check (spec 4.5).
func (m *Map) Version(id uint16) uint16 {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if int(id) >= len(m.slots) || m.slots[id] == nil {
		return 0
	}
	return m.slots[id].version
}

// SetState transitions id to state, creating a fresh shell (and
// bumping version, invalidating any queued flush entries for the prior
// incarnation) if none exists yet.
func (m *Map) SetState(id uint16, state State, htSize, htLocks int, mem *hashtable.MemoryStats, notify NotifyFunc, successCode, notMyVBucketCode int, now int64) *VBucket {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()

	m.ensureLen(id)
	sl := m.slots[id]
	if sl == nil || sl.vb == nil {
		ver := uint16(0)
		if sl != nil {
			ver = sl.version + 1
		}
		ht := hashtable.New(htSize, htLocks, mem)
		vb := New(id, ver, state, ht)
		m.slots[id] = &slot{vb: vb, version: ver}
		return vb
	}
	sl.vb.SetState(state, notify, successCode, notMyVBucketCode)
	return sl.vb
}

func (m *Map) ensureLen(id uint16) {
	if int(id) >= len(m.slots) {
		grown := make([]*slot, int(id)+1)
		copy(grown, m.slots)
		m.slots = grown
	}
}

// MarkDeletionInProgress / ClearDeletionInProgress / DeletionInProgress
// gate chunked deletion (spec 4.9).
func (m *Map) MarkDeletionInProgress(id uint16) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	m.ensureLen(id)
	if m.slots[id] == nil {
		m.slots[id] = &slot{}
	}
	m.slots[id].deletionInProgress = true
}

func (m *Map) ClearDeletionInProgress(id uint16) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if int(id) < len(m.slots) && m.slots[id] != nil {
		m.slots[id].deletionInProgress = false
	}
}

func (m *Map) DeletionInProgress(id uint16) bool {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if int(id) >= len(m.slots) || m.slots[id] == nil {
		return false
	}
	return m.slots[id].deletionInProgress
}

// RemoveVBucket detaches id's vbucket handle from the map (the hash
// table is released once the last reference drops), retaining its
// version so a later SetState bumps past it.
func (m *Map) RemoveVBucket(id uint16) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if int(id) >= len(m.slots) || m.slots[id] == nil {
		return
	}
	m.slots[id].vb = nil
}

// HiPrioSnapshotPending reports whether a high-priority snapshot task
// is currently scheduled or running, the signal the flusher uses to
// avoid writing a row ahead of the metadata snapshot that describes it.
func (m *Map) HiPrioSnapshotPending() bool {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	return m.hiPrioSnapshotScheduled
}

// TryScheduleSnapshot is the test-and-set flag spec section 4.9 and
// invariant 5 require: at most one outstanding snapshot task of each
// priority. Returns true iff the caller won the race and should
// schedule the task.
func (m *Map) TryScheduleSnapshot(hiPrio bool) bool {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if hiPrio {
		if m.hiPrioSnapshotScheduled {
			return false
		}
		m.hiPrioSnapshotScheduled = true
		return true
	}
	if m.loPrioSnapshotScheduled {
		return false
	}
	m.loPrioSnapshotScheduled = true
	return true
}

// ClearSnapshotScheduled releases the flag once the snapshot task has
// run (successfully or not, since failure is handled by rescheduling a
// brand-new task that re-sets the flag).
func (m *Map) ClearSnapshotScheduled(hiPrio bool) {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if hiPrio {
		m.hiPrioSnapshotScheduled = false
	} else {
		m.loPrioSnapshotScheduled = false
	}
}

// Snapshot returns (id,version)->state for every live vbucket, the
// payload the snapshot task hands to the backend.
func (m *Map) Snapshot() map[[2]uint16]State {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	out := make(map[[2]uint16]State)
	for id, sl := range m.slots {
		if sl == nil || sl.vb == nil {
			continue
		}
		out[[2]uint16{uint16(id), sl.version}] = sl.vb.State()
	}
	return out
}

// Each calls fn for every live vbucket; used by pagers and diagnostics.
func (m *Map) Each(fn func(vb *VBucket)) {
	m.Mutex.Lock()
	vbs := make([]*VBucket, 0, len(m.slots))
	for _, sl := range m.slots {
		if sl != nil && sl.vb != nil {
			vbs = append(vbs, sl.vb)
		}
	}
	m.Mutex.Unlock()
	for _, vb := range vbs {
		fn(vb)
	}
}
