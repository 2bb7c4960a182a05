// Package store implements the persistence coordinator (spec section
// 4.4, component C8): the glue between the in-memory hash tables, the
// vbucket lifecycle, the dirty-queue intake, the durable backend and
// the background-fetch scheduler. It is the one package every client
// request op (set/add/del/get/...) actually calls.
package store

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/config"
	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/hashtable"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
	"github.com/ledgerwatch/epengine/queue"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/storedvalue"
	"github.com/ledgerwatch/epengine/tasks"
	"github.com/ledgerwatch/epengine/vbucket"
)

// lockedCAS is the sentinel CAS value returned in place of the real CAS
// when a record is currently locked (spec section 4.4, get step 3).
const lockedCAS = ^uint64(0)

var (
	expiredCounter = metrics.NewRegisteredCounter("ep_expired_items", "items expired on access")
	warmOOMCounter = metrics.NewRegisteredCounter("ep_warmup_oom", "warmup inserts rejected for lack of memory")
	warmDupCounter = metrics.NewRegisteredCounter("ep_warmup_dups", "duplicate keys observed during warmup")
)

// Coordinator is the persistence coordinator: every field it holds is
// either owned outright (the intake queue, the CAS counter, the
// read-through cache) or a handle shared with other components (the
// vbucket map, the backend, the bg-fetch scheduler).
type Coordinator struct {
	cfg   *config.Config
	clock common.Clock
	log   *log.Logger

	vbMap  *vbucket.Map
	mem    *hashtable.MemoryStats
	intake *queue.AtomicQueue

	backend kvstore.Backend

	bgFetcher      *tasks.Fetcher
	vkeyStatFetch  *tasks.Fetcher
	ioDispatcher   *dispatcher.Dispatcher
	notifyDispatch *dispatcher.Dispatcher

	notify vbucket.NotifyFunc

	nextCAS uint64 // atomic, monotonic across every key

	// cache is a read-through victim cache ahead of the hash table,
	// sized off max_size; Get consults it before taking the bucket
	// lock, the way DbStateWriter's accountCache sits ahead of
	// stateDb. Invalidated whenever the StoredValue it mirrors changes
	// residency, CAS or lock state; never populated for a locked item,
	// since the cache has no way to carry lock expiry.
	cache *fastcache.Cache

	persistenceEnabled int32 // atomic bool, gated by StopPersistence/StartPersistence
}

// Deps bundles the collaborators New needs, avoiding an 8-argument
// constructor signature.
type Deps struct {
	Config         *config.Config
	Clock          common.Clock
	Backend        kvstore.Backend
	IODispatcher   *dispatcher.Dispatcher
	NotifyDispatch *dispatcher.Dispatcher
	Notify         vbucket.NotifyFunc
}

func New(d Deps) *Coordinator {
	mem := hashtable.NewMemoryStats(int64(d.Config.MaxSize))
	c := &Coordinator{
		cfg:            d.Config,
		clock:          d.Clock,
		log:            log.New("component", "store"),
		vbMap:          vbucket.NewMap(65536),
		mem:            mem,
		intake:         queue.NewAtomicQueue(),
		backend:        d.Backend,
		ioDispatcher:   d.IODispatcher,
		notifyDispatch: d.NotifyDispatch,
		notify:         d.Notify,
		cache:          fastcache.New(int(d.Config.MaxSize) / 10),
	}
	c.bgFetcher = tasks.NewBGFetcher(d.IODispatcher, d.Backend, d.Config.BGFetchDelay)
	c.vkeyStatFetch = tasks.NewVKeyStatFetcher(d.IODispatcher, d.Backend, d.Config.BGFetchDelay)
	atomic.StoreInt32(&c.persistenceEnabled, 1)
	if d.Config.VB0 {
		c.vbMap.SetState(0, vbucket.Active, d.Config.HTSize, d.Config.HTLocks, mem, d.Notify, int(status.Success), int(status.NotMyVBucket), d.Clock.Now())
	}
	return c
}

func (c *Coordinator) BGFetcher() *tasks.Fetcher { return c.bgFetcher }
func (c *Coordinator) VBMap() *vbucket.Map       { return c.vbMap }
func (c *Coordinator) Backend() kvstore.Backend  { return c.backend }
func (c *Coordinator) Intake() *queue.AtomicQueue { return c.intake }
func (c *Coordinator) Memory() *hashtable.MemoryStats { return c.mem }
func (c *Coordinator) Config() *config.Config    { return c.cfg }
func (c *Coordinator) Clock() common.Clock       { return c.clock }

// PersistenceEnabled reports whether queueDirty should actually append
// to intake (StopPersistence/StartPersistence admin toggle).
func (c *Coordinator) PersistenceEnabled() bool {
	return atomic.LoadInt32(&c.persistenceEnabled) != 0
}

func (c *Coordinator) StopPersistence()  { atomic.StoreInt32(&c.persistenceEnabled, 0) }
func (c *Coordinator) StartPersistence() { atomic.StoreInt32(&c.persistenceEnabled, 1) }

func cacheKey(vbID uint16, key []byte) []byte {
	buf := make([]byte, 2+len(key))
	buf[0] = byte(vbID >> 8)
	buf[1] = byte(vbID)
	copy(buf[2:], key)
	return buf
}

func (c *Coordinator) cacheInvalidate(vbID uint16, key []byte) {
	c.cache.Del(cacheKey(vbID, key))
}

// cacheItemHeaderSize is the encoded flags+exptime+cas prefix ahead of
// the value bytes fastcache stores for one entry.
const cacheItemHeaderSize = 4 + 4 + 8

func encodeCacheItem(item Item) []byte {
	buf := make([]byte, cacheItemHeaderSize+len(item.Value))
	binary.BigEndian.PutUint32(buf[0:4], item.Flags)
	binary.BigEndian.PutUint32(buf[4:8], item.Exptime)
	binary.BigEndian.PutUint64(buf[8:16], item.CAS)
	copy(buf[cacheItemHeaderSize:], item.Value)
	return buf
}

func decodeCacheItem(buf []byte) Item {
	return Item{
		Flags:   binary.BigEndian.Uint32(buf[0:4]),
		Exptime: binary.BigEndian.Uint32(buf[4:8]),
		CAS:     binary.BigEndian.Uint64(buf[8:16]),
		Value:   append([]byte(nil), buf[cacheItemHeaderSize:]...),
	}
}

func (c *Coordinator) cachePut(vbID uint16, key []byte, item Item) {
	c.cache.Set(cacheKey(vbID, key), encodeCacheItem(item))
}

// cacheLookup consults the read-through cache before the hash table. A
// hit past its own exptime is dropped rather than trusted, so
// expiry-on-access (and the tombstone it queues) still runs through the
// authoritative path in Get.
func (c *Coordinator) cacheLookup(vbID uint16, key []byte, now int64) (Item, bool) {
	buf := c.cache.Get(nil, cacheKey(vbID, key))
	if len(buf) < cacheItemHeaderSize {
		return Item{}, false
	}
	item := decodeCacheItem(buf)
	if item.Exptime != 0 && now > int64(item.Exptime) {
		c.cacheInvalidate(vbID, key)
		return Item{}, false
	}
	return item, true
}

// pushDirty is queueDirty (spec section 4.4): append to intake iff
// persistence is enabled, stamped with the vbucket version that
// produced it. Callers invoke this from inside the stripe-lock-holding
// onResult callback so queue order matches mutation order per key.
func (c *Coordinator) pushDirty(key []byte, vbID, vbVersion uint16, op queue.Op, now int64) {
	if !c.PersistenceEnabled() {
		return
	}
	c.intake.Push(queue.Item{
		Key:       common.CopyBytes(key),
		VBID:      vbID,
		VBVersion: vbVersion,
		Op:        op,
		DirtiedAt: now,
	})
}

// resolve applies Table S gating for ops that may suspend in Pending
// and may optionally bypass Replica via force (set/add/del). cookie may
// be nil for ops that never suspend.
func (c *Coordinator) resolve(vbID uint16, cookie vbucket.Cookie, allowForce, force bool) (*vbucket.VBucket, status.Code) {
	vb := c.vbMap.Get(vbID)
	if vb == nil {
		return nil, status.NotMyVBucket
	}
	switch vb.State() {
	case vbucket.Active:
		return vb, status.Success
	case vbucket.Replica:
		if allowForce && force {
			return vb, status.Success
		}
		return nil, status.NotMyVBucket
	case vbucket.Pending:
		if vb.AddPendingOp(cookie, c.clock.Now()) {
			return nil, status.WouldBlock
		}
		return nil, status.NotMyVBucket
	default: // Dead
		return nil, status.NotMyVBucket
	}
}

// resolveActiveOnly is the gating rule shared by getLocked and evictKey:
// proceed only in Active, NotMyVBucket otherwise (no suspension, even in
// Pending).
func (c *Coordinator) resolveActiveOnly(vbID uint16) (*vbucket.VBucket, status.Code) {
	vb := c.vbMap.Get(vbID)
	if vb == nil || vb.State() != vbucket.Active {
		return nil, status.NotMyVBucket
	}
	return vb, status.Success
}

// resolveForceWrite is the tap-push row of Table S: proceed in any
// state except Dead/absent, regardless of cookie.
func (c *Coordinator) resolveForceWrite(vbID uint16) (*vbucket.VBucket, status.Code) {
	vb := c.vbMap.Get(vbID)
	if vb == nil || vb.State() == vbucket.Dead {
		return nil, status.NotMyVBucket
	}
	return vb, status.Success
}
