// Package fakestore is an in-memory Backend used by unit tests,
// standing in for a real durable store the way ethdb.NewMemDatabase
// stands in for LMDB/Bolt/Badger in turbo-geth's own tests.
package fakestore

import (
	"context"
	"sync"

	"github.com/ledgerwatch/epengine/kvstore"
)

type row struct {
	r kvstore.Row
	id int64
}

// Store is a Backend backed by plain Go maps, with optional injected
// failures for exercising the flusher's redirty/reject path (spec
// scenario S6).
type Store struct {
	mu       sync.Mutex
	rows     map[int64]row
	byKey    map[string]int64
	nextID   int64
	states   map[[2]uint16]string

	inTxn bool

	// FailNextSet/FailNextDel let tests inject exactly one backend
	// failure, mirroring scenario S6 ("backend set returns -1 once").
	FailNextSet bool
	FailNextDel bool
}

func New() *Store {
	return &Store{
		rows:   make(map[int64]row),
		byKey:  make(map[string]int64),
		states: make(map[[2]uint16]string),
		nextID: 1,
	}
}

func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = true
	return nil
}

func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = false
	return nil
}

func (s *Store) Rollback(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = false
}

func (s *Store) Set(ctx context.Context, r kvstore.Row, rowID int64) (int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextSet {
		s.FailNextSet = false
		return -1, -1, nil
	}
	id := rowID
	if id <= 0 {
		id = s.nextID
		s.nextID++
	}
	s.rows[id] = row{r: r, id: id}
	s.byKey[string(r.Key)] = id
	return 1, id, nil
}

func (s *Store) Get(ctx context.Context, key []byte, rowID int64) (kvstore.GetValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rowID
	if id <= 0 {
		var ok bool
		id, ok = s.byKey[string(key)]
		if !ok {
			return kvstore.GetValue{}, kvstore.ErrNotFound
		}
	}
	rw, ok := s.rows[id]
	if !ok {
		return kvstore.GetValue{}, kvstore.ErrNotFound
	}
	return kvstore.GetValue{Row: rw.r, RowID: rw.id, Status: 0}, nil
}

func (s *Store) Del(ctx context.Context, key []byte, rowID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextDel {
		s.FailNextDel = false
		return -1, nil
	}
	id := rowID
	if id <= 0 {
		var ok bool
		id, ok = s.byKey[string(key)]
		if !ok {
			return 0, nil
		}
	}
	if _, ok := s.rows[id]; !ok {
		return 0, nil
	}
	delete(s.rows, id)
	delete(s.byKey, string(key))
	return 1, nil
}

func (s *Store) DelVBucket(ctx context.Context, id uint16, version uint16, rng kvstore.RowIDRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rid, rw := range s.rows {
		if rid < rng.First || rid > rng.Last {
			continue
		}
		if rw.r.VBID == id && rw.r.VBVersion == version {
			delete(s.rows, rid)
			delete(s.byKey, string(rw.r.Key))
		}
	}
	return nil
}

func (s *Store) SnapshotVBuckets(ctx context.Context, states map[[2]uint16]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range states {
		s.states[k] = v
	}
	return nil
}

func (s *Store) ListPersistedVBuckets(ctx context.Context) (map[[2]uint16]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[[2]uint16]string, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *Store) Dump(ctx context.Context, cb func(kvstore.GetValue) error) error {
	s.mu.Lock()
	rows := make([]row, 0, len(s.rows))
	for _, rw := range s.rows {
		rows = append(rows, rw)
	}
	s.mu.Unlock()
	for _, rw := range rows {
		if err := cb(kvstore.GetValue{Row: rw.r, RowID: rw.id, Status: 0}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[int64]row)
	s.byKey = make(map[string]int64)
	return nil
}

func (s *Store) Close() error { return nil }
