// Package vbucket implements the vbucket lifecycle state machine and
// its pending-op cookie queue (spec section 4.3, component C3), plus
// the id-indexed VBucketMap (component C4).
package vbucket

import (
	"sync"
	"sync/atomic"

	"github.com/ledgerwatch/epengine/hashtable"
)

type State int

const (
	Active State = iota
	Replica
	Pending
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Replica:
		return "replica"
	case Pending:
		return "pending"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Cookie is the opaque per-request handle suspended operations carry;
// out-of-scope protocol layers define its concrete shape.
type Cookie interface{}

// NotifyFunc delivers the resolved status code to a suspended cookie
// once its vbucket leaves Pending.
type NotifyFunc func(cookie Cookie, code int)

// VBucket owns exactly one HashTable (spec section 9: exclusive
// ownership, no back-pointers).
type VBucket struct {
	ID      uint16
	mu      sync.Mutex
	version uint16
	state   State
	ht      *hashtable.HashTable

	pendingOps          []Cookie
	pendingOpsStartTime int64

	refs int32
}

// New creates a vbucket shell in state with a fresh hash table. version
// must be bumped by the caller (VBucketMap) whenever a new shell is
// created for an id that previously existed, to detect reincarnation
// races in queued flush entries.
func New(id uint16, version uint16, state State, ht *hashtable.HashTable) *VBucket {
	return &VBucket{ID: id, version: version, state: state, ht: ht, refs: 1}
}

func (vb *VBucket) HashTable() *hashtable.HashTable { return vb.ht }

func (vb *VBucket) Version() uint16 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.version
}

func (vb *VBucket) State() State {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.state
}

// Retain/Release implement the reference counting spec section 9
// requires: VBuckets are shared by id lookups, exclusively owning their
// hash table, with lifetime extending to the longest holder.
func (vb *VBucket) Retain() { atomic.AddInt32(&vb.refs, 1) }

// Release returns true once the last reference is dropped.
func (vb *VBucket) Release() bool { return atomic.AddInt32(&vb.refs, -1) == 0 }

// SetState transitions the vbucket's state. Must be called with the
// map-wide vbsetMutex held (spec section 5, lock hierarchy position 1).
// Any pending ops are released with a code derived from newState:
// Active -> successCode, anything else -> notMyVBucketCode.
func (vb *VBucket) SetState(newState State, notify NotifyFunc, successCode, notMyVBucketCode int) {
	vb.mu.Lock()
	wasPending := vb.state == Pending
	vb.state = newState
	var released []Cookie
	if wasPending && newState != Pending {
		released = vb.pendingOps
		vb.pendingOps = nil
		vb.pendingOpsStartTime = 0
	}
	vb.mu.Unlock()

	if notify == nil {
		return
	}
	code := notMyVBucketCode
	if newState == Active {
		code = successCode
	}
	for _, c := range released {
		notify(c, code)
	}
}

// AddPendingOp appends cookie to the pending queue, only valid while
// the vbucket is Pending. Returns true iff the caller should suspend.
func (vb *VBucket) AddPendingOp(cookie Cookie, now int64) bool {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.state != Pending {
		return false
	}
	if len(vb.pendingOps) == 0 {
		vb.pendingOpsStartTime = now
	}
	vb.pendingOps = append(vb.pendingOps, cookie)
	return true
}

// PendingOpsStartTime reports when the oldest queued cookie arrived,
// for pending-vbucket fairness diagnostics.
func (vb *VBucket) PendingOpsStartTime() int64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.pendingOpsStartTime
}

