package tasks

import (
	"context"

	"github.com/google/uuid"

	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/kvstore"
	"github.com/ledgerwatch/epengine/log"
	"github.com/ledgerwatch/epengine/metrics"
	"github.com/ledgerwatch/epengine/vbucket"
)

var snapshotFailed = metrics.NewRegisteredCounter("ep_vbucket_snapshot_failed", "vbucket snapshot persist failures")

// runID identifies this server spin-up in snapshot diagnostics, so log
// lines from one run aren't mistaken for another's after a restart.
var runID = uuid.NewString()

// ScheduleSnapshot schedules the C10-b snapshot task at VBucketPersistHigh
// (hiPrio, creation/deletion-driven) or VBucketPersistLow (mutation-driven),
// honoring the at-most-one-outstanding-per-priority invariant via the
// map's test-and-set flag. Returns false if one was already outstanding.
func ScheduleSnapshot(d *dispatcher.Dispatcher, vbMap *vbucket.Map, backend kvstore.Backend, hiPrio bool) bool {
	if !vbMap.TryScheduleSnapshot(hiPrio) {
		return false
	}
	priority := dispatcher.VBucketPersistLow
	if hiPrio {
		priority = dispatcher.VBucketPersistHigh
	}
	lg := log.New("component", "snapshot", "hiPrio", hiPrio)

	d.Schedule(func(d *dispatcher.Dispatcher, id dispatcher.TaskID) bool {
		snap := vbMap.Snapshot()
		states := make(map[[2]uint16]string, len(snap))
		for k, st := range snap {
			states[k] = st.String()
		}
		if err := backend.SnapshotVBuckets(context.Background(), states); err != nil {
			lg.Warn("vbucket snapshot failed, rescheduling", "err", err)
			snapshotFailed.Inc(1)
			vbMap.ClearSnapshotScheduled(hiPrio)
			ScheduleSnapshot(d, vbMap, backend, hiPrio)
			return false
		}
		lg.Debug("vbucket snapshot persisted", "run_id", runID, "vbuckets", len(states))
		vbMap.ClearSnapshotScheduled(hiPrio)
		return false
	}, nil, priority, 0, true, "vbucket state snapshot")
	return true
}
