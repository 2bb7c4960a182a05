package tasks

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
	"github.com/ledgerwatch/epengine/vbucket"
)

var vbucketDeleted = metrics.NewRegisteredCounter("ep_vbucket_del", "completed chunked vbucket deletions")

// buildChunks collects liveRowIDs into a roaring64.Bitmap (the way
// stage_log_index.go collects block numbers before flushing) and walks
// its sorted run in order, splitting into contiguous (first,last)
// ranges no larger than chunkSize.
func buildChunks(liveRowIDs []int64, chunkSize int) [][2]int64 {
	bm := roaring64.New()
	for _, id := range liveRowIDs {
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	var out [][2]int64
	it := bm.Iterator()
	start, prev, count := int64(-1), int64(-1), 0
	flush := func() {
		if start != -1 {
			out = append(out, [2]int64{start, prev})
		}
	}
	for it.HasNext() {
		v := int64(it.Next())
		if start != -1 && v == prev+1 && count < chunkSize {
			prev = v
			count++
			continue
		}
		flush()
		start, prev, count = v, v, 1
	}
	flush()
	return out
}

// ScheduleVBucketDeletion drives the C10-c chunked deletion described in
// spec section 4.9. liveRowIDs is the in-memory rowId set computed by
// the caller at call time (before the map entry for id was removed).
// ScheduleVBucketDeletion does not itself remove the vbucket from the
// map; the persistence coordinator does that before scheduling, so a
// reincarnation is detectable here as vbMap.Get(id) becoming non-nil
// again.
func ScheduleVBucketDeletion(d *dispatcher.Dispatcher, vbMap *vbucket.Map, backend kvstore.Backend, id uint16, version uint16, liveRowIDs []int64, chunkSize int) {
	ranges := buildChunks(liveRowIDs, chunkSize)
	vbMap.MarkDeletionInProgress(id)
	lg := log.New("component", "vbucket-deletion", "vbid", id, "version", version)

	idx := 0
	if len(ranges) == 0 {
		vbMap.ClearDeletionInProgress(id)
		vbucketDeleted.Inc(1)
		return
	}

	var run dispatcher.Callback
	run = func(d *dispatcher.Dispatcher, tid dispatcher.TaskID) bool {
		if vbMap.Get(id) != nil {
			// The bucket came back to life via setVBucketState; abandon
			// this deletion run silently.
			vbMap.ClearDeletionInProgress(id)
			return false
		}
		rng := ranges[idx]
		err := backend.DelVBucket(context.Background(), id, version, kvstore.RowIDRange{First: rng[0], Last: rng[1]})
		if err != nil {
			lg.Warn("deletion chunk failed, retrying", "first", rng[0], "last", rng[1], "err", err)
			d.Snooze(tid, 10)
			return true
		}
		idx++
		if idx == len(ranges) {
			vbMap.ClearDeletionInProgress(id)
			vbucketDeleted.Inc(1)
			return false
		}
		d.Snooze(tid, 1)
		return true
	}
	d.Schedule(run, nil, dispatcher.VBucketDeletion, 0, true, fmt.Sprintf("vbucket %d deletion", id))
}
