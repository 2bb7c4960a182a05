// Package tasks implements the concrete scheduled callbacks of spec
// section 4.7/4.9 (components C10-a/b/c): background fetch, vbucket
// snapshot and chunked vbucket deletion. Each constructor returns a
// small scheduler that knows how to run itself on a dispatcher; none of
// them reach back into the persistence coordinator directly, so the
// coordinator (package store) depends on tasks and not the other way
// around.
package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
)

// FetchRequest names one backend lookup to run on the dispatcher.
type FetchRequest struct {
	Key   []byte
	VBID  uint16
	RowID int64
}

// Fetcher runs backend Get calls on a dispatcher at a fixed priority,
// deduping concurrent requests for the same (vbId, key) the way a
// production bg-fetch queue would coalesce redundant disk round trips.
type Fetcher struct {
	d            *dispatcher.Dispatcher
	backend      kvstore.Backend
	priority     dispatcher.Priority
	delaySeconds int

	seen *lru.Cache

	inFlight   int32
	queueGauge *metrics.Gauge
	waitTimer  *metrics.Timer
	loadTimer  *metrics.Timer

	log *log.Logger
}

// NewBGFetcher builds the C10-a background-fetch scheduler, priority
// BgFetcher.
func NewBGFetcher(d *dispatcher.Dispatcher, backend kvstore.Backend, delaySeconds int) *Fetcher {
	return newFetcher(d, backend, dispatcher.BgFetcher, delaySeconds,
		"ep_bg_fetched", "ep_bg_wait_seconds", "ep_bg_load_seconds")
}

// NewVKeyStatFetcher builds the C10-a read-only VKeyStat variant,
// priority VKeyStatBgFetcher; its completion callback never mutates the
// hash table.
func NewVKeyStatFetcher(d *dispatcher.Dispatcher, backend kvstore.Backend, delaySeconds int) *Fetcher {
	return newFetcher(d, backend, dispatcher.VKeyStatBgFetcher, delaySeconds,
		"ep_vkeystat_fetched", "ep_vkeystat_wait_seconds", "ep_vkeystat_load_seconds")
}

func newFetcher(d *dispatcher.Dispatcher, backend kvstore.Backend, priority dispatcher.Priority, delaySeconds int, counterName, waitName, loadName string) *Fetcher {
	seen, _ := lru.New(4096)
	return &Fetcher{
		d:            d,
		backend:      backend,
		priority:     priority,
		delaySeconds: delaySeconds,
		seen:         seen,
		queueGauge:   metrics.NewRegisteredGauge(counterName+"_queue", "in-flight fetch count"),
		waitTimer:    metrics.GetOrRegisterTimer(waitName, "time from schedule to dispatcher start"),
		loadTimer:    metrics.GetOrRegisterTimer(loadName, "time from dispatcher start to backend reply"),
		log:          log.New("component", "fetcher", "priority", int(priority)),
	}
}

func dedupeKey(vbID uint16, key []byte) string { return fmt.Sprintf("%d:%s", vbID, key) }

// Schedule enqueues req, invoking onComplete with the backend's reply
// once it runs. Returns false without scheduling if an identical
// request is already in flight.
func (f *Fetcher) Schedule(req FetchRequest, onComplete func(kvstore.GetValue, error)) bool {
	key := dedupeKey(req.VBID, req.Key)
	if _, ok := f.seen.Get(key); ok {
		return false
	}
	f.seen.Add(key, struct{}{})
	atomic.AddInt32(&f.inFlight, 1)
	f.queueGauge.Update(int64(atomic.LoadInt32(&f.inFlight)))
	queuedAt := time.Now()

	f.d.Schedule(func(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
		f.waitTimer.UpdateSince(queuedAt)
		startedAt := time.Now()
		if f.delaySeconds > 0 {
			time.Sleep(time.Duration(f.delaySeconds) * time.Second)
		}
		gv, err := f.backend.Get(context.Background(), req.Key, req.RowID)
		f.loadTimer.UpdateSince(startedAt)

		atomic.AddInt32(&f.inFlight, -1)
		f.queueGauge.Update(int64(atomic.LoadInt32(&f.inFlight)))
		f.seen.Remove(key)

		onComplete(gv, err)
		return false
	}, nil, f.priority, 0, false, fmt.Sprintf("fetch vb=%d", req.VBID))
	return true
}

// InFlight reports the current queue depth, the bgFetchQueue stat of
// spec section 4.7.
func (f *Fetcher) InFlight() int32 { return atomic.LoadInt32(&f.inFlight) }
