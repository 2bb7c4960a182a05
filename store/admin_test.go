package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/epengine/common"
	"github.com/ledgerwatch/epengine/config"
	"github.com/ledgerwatch/epengine/dispatcher"
	"github.com/ledgerwatch/epengine/kvstore/fakestore"
	"github.com/ledgerwatch/epengine/status"
	"github.com/ledgerwatch/epengine/vbucket"
)

// notifyRecorder collects every (cookie, code) delivered through a
// vbucket.NotifyFunc, the way a real client framework would resume a
// suspended request.
type notifyRecorder struct {
	calls []struct {
		cookie vbucket.Cookie
		code   int
	}
}

func (r *notifyRecorder) record(cookie vbucket.Cookie, code int) {
	r.calls = append(r.calls, struct {
		cookie vbucket.Cookie
		code   int
	}{cookie, code})
}

func newTestCoordinatorWithNotify(t *testing.T, notify vbucket.NotifyFunc) *Coordinator {
	t.Helper()
	cfg := config.Default()
	d := dispatcher.New("io", common.SystemClock{})
	return New(Deps{
		Config:       cfg,
		Clock:        common.SystemClock{},
		Backend:      fakestore.New(),
		IODispatcher: d,
		Notify:       notify,
	})
}

// TestPendingVBucketSuspendsGetAndReleasesOnActivation covers scenario
// S2: a get against a Pending vbucket suspends (WouldBlock) rather than
// failing, and transitioning to Active releases the suspended cookie
// with the success code.
func TestPendingVBucketSuspendsGetAndReleasesOnActivation(t *testing.T) {
	rec := &notifyRecorder{}
	c := newTestCoordinatorWithNotify(t, rec.record)

	c.SetVBucketState(5, vbucket.Pending)

	cookie := "request-1"
	_, code := c.Get(5, []byte("k"), cookie, false, true)
	require.Equal(t, status.WouldBlock, code, "a get against a Pending vbucket must suspend")
	require.Empty(t, rec.calls, "nothing is notified until the vbucket leaves Pending")

	c.SetVBucketState(5, vbucket.Active)

	require.Len(t, rec.calls, 1)
	require.Equal(t, cookie, rec.calls[0].cookie)
	require.Equal(t, int(status.Success), rec.calls[0].code)
}

func TestPendingVBucketReleasesWithNotMyVBucketOnTransitionToDead(t *testing.T) {
	rec := &notifyRecorder{}
	c := newTestCoordinatorWithNotify(t, rec.record)

	c.SetVBucketState(5, vbucket.Pending)
	cookie := "request-2"
	_, code := c.Get(5, []byte("k"), cookie, false, true)
	require.Equal(t, status.WouldBlock, code)

	c.SetVBucketState(5, vbucket.Dead)

	require.Len(t, rec.calls, 1)
	require.Equal(t, int(status.NotMyVBucket), rec.calls[0].code)
}

func TestGetVBucketStateReportsUnknownVBucketAsNotOK(t *testing.T) {
	c := newTestCoordinator(t)
	_, _, ok := c.GetVBucketState(9)
	require.False(t, ok)
}

func TestGetVBucketStateReportsCurrentStateAndVersion(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetVBucketState(2, vbucket.Active)

	state, _, ok := c.GetVBucketState(2)
	require.True(t, ok)
	require.Equal(t, vbucket.Active, state)
}

func TestDeleteVBucketRequiresDeadState(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetVBucketState(2, vbucket.Active)

	code := c.DeleteVBucket(2)
	require.Equal(t, status.NotSupported, code, "deletion is only valid once the vbucket has transitioned to Dead")
}

func TestDeleteVBucketOnDeadVBucketRemovesItFromTheMap(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetVBucketState(2, vbucket.Active)
	_, code := c.Set(2, []byte("k"), []byte("v"), 0, 0, 0, nil, false)
	require.Equal(t, status.Success, code)

	c.SetVBucketState(2, vbucket.Dead)
	code = c.DeleteVBucket(2)
	require.Equal(t, status.Success, code)

	_, _, ok := c.GetVBucketState(2)
	require.False(t, ok, "a deleted vbucket must no longer be present in the map")
}

func TestReceiveReplicatedAppliesRegardlessOfLocalState(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetVBucketState(4, vbucket.Replica)

	code := c.ReceiveReplicated(4, []byte("k"), []byte("v"), 0, 0, 0)
	require.Equal(t, status.Success, code, "a replicated write must apply even against a Replica vbucket")

	item, code := c.Get(4, []byte("k"), nil, false, false)
	require.Equal(t, status.Success, code)
	require.Equal(t, []byte("v"), item.Value)
}

func TestReceiveReplicatedRefusesDeadVBucket(t *testing.T) {
	c := newTestCoordinator(t)
	c.SetVBucketState(4, vbucket.Dead)

	code := c.ReceiveReplicated(4, []byte("k"), []byte("v"), 0, 0, 0)
	require.Equal(t, status.NotMyVBucket, code)
}

func TestFlushQueuesASingleFlushIntakeEntry(t *testing.T) {
	c := newTestCoordinator(t)
	c.Flush()
	require.Equal(t, 1, c.intake.Len())
}

func TestSetFlushParamUpdatesKnownParametersAndRejectsUnknown(t *testing.T) {
	c := newTestCoordinator(t)

	code := c.SetFlushParam("min_data_age", 42)
	require.Equal(t, status.Success, code)
	require.Equal(t, 42, c.cfg.MinDataAge)

	code = c.SetFlushParam("queue_age_cap", 100)
	require.Equal(t, status.Success, code)
	require.Equal(t, 100, c.cfg.QueueAgeCap)

	code = c.SetFlushParam("max_txn_size", 7)
	require.Equal(t, status.Success, code)
	require.Equal(t, 7, c.cfg.MaxTxnSize)

	code = c.SetFlushParam("nonsense", 1)
	require.Equal(t, status.NotSupported, code)
}
