// Package kvstore declares the durable backend interface of spec
// section 6 ("Backend storage interface"). The spec describes an
// async-style, callback-delivered API; since the engine already
// serializes all backend access onto a single dispatcher worker (spec
// section 5: "the backend is single-threaded from the engine's
// perspective"), the Go rendition returns values directly rather than
// through a callback — the callback's only job in the C++ original was
// to let the backend thread hand results back to a different thread,
// which a direct return already does when both sides run on the same
// goroutine.
package kvstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("kvstore: row not found")

// Row is the row-table record of spec section 6: key/value/meta plus
// the vbucket id and version it was written under.
type Row struct {
	Key       []byte
	Value     []byte
	Flags     uint32
	Exptime   uint32
	Cas       uint64
	VBID      uint16
	VBVersion uint16
}

// GetValue is what a backend Get/Dump delivers.
type GetValue struct {
	Row    Row
	RowID  int64
	Status int // 0 == success; non-zero mirrors the engine's status taxonomy
}

// RowIDRange is a contiguous chunk of durable row ids, as built by the
// chunked vbucket-deletion task (spec section 4.9).
type RowIDRange struct {
	First int64
	Last  int64
}

// Backend is the durable storage interface the persistence coordinator,
// flusher and background-fetch tasks consume. A concrete backend (e.g.
// kvstore/lmdbstore) is single-threaded from the engine's perspective:
// only the flusher and a small number of scheduled tasks call it, and
// they never overlap because they share one dispatcher worker.
type Backend interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)

	// Set upserts row. If rowID is -1 the backend assigns a fresh id.
	// Returns rowsAffected (0 or 1) and the row id actually used.
	Set(ctx context.Context, row Row, rowID int64) (rowsAffected int, newRowID int64, err error)

	// Get fetches by key and (if known) rowID.
	Get(ctx context.Context, key []byte, rowID int64) (GetValue, error)

	// Del removes the row identified by key/rowID. Returns rows deleted
	// (0 or 1).
	Del(ctx context.Context, key []byte, rowID int64) (rowsDeleted int, err error)

	// DelVBucket deletes every row in [rng.First, rng.Last] belonging
	// to (id, version).
	DelVBucket(ctx context.Context, id uint16, version uint16, rng RowIDRange) error

	// SnapshotVBuckets persists the full (id,version)->state map.
	SnapshotVBuckets(ctx context.Context, states map[[2]uint16]string) error

	// ListPersistedVBuckets returns the vbucket-state table, consumed at
	// warmup to pre-create vbucket shells.
	ListPersistedVBuckets(ctx context.Context) (map[[2]uint16]string, error)

	// Dump streams every persisted row to cb, in no particular order,
	// for warmup.
	Dump(ctx context.Context, cb func(GetValue) error) error

	// Reset drops all data (queue_op_flush).
	Reset(ctx context.Context) error

	Close() error
}
