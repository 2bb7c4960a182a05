package hashtable

import "sync/atomic"

// MemoryStats is the shared accounting block behind spec section 4.1's
// "NoMem is returned when currentSize + memOverhead >= maxDataSize".
// It is shared by every vbucket's hash table, since memory pressure is
// a store-wide concept, not a per-vbucket one.
type MemoryStats struct {
	currentSize int64 // resident value bytes
	memOverhead int64 // metadata + queue entry overhead
	maxDataSize int64
}

// perItemOverhead approximates the fixed metadata cost of one
// StoredValue plus its dirty-queue entry: struct fields, map/chain
// bookkeeping, and the QueuedItem that may be in flight for it.
const perItemOverhead = 96

func NewMemoryStats(maxDataSize int64) *MemoryStats {
	return &MemoryStats{maxDataSize: maxDataSize}
}

func (m *MemoryStats) SetMax(maxDataSize int64) { atomic.StoreInt64(&m.maxDataSize, maxDataSize) }

func (m *MemoryStats) CurrentSize() int64 { return atomic.LoadInt64(&m.currentSize) }
func (m *MemoryStats) MemOverhead() int64 { return atomic.LoadInt64(&m.memOverhead) }
func (m *MemoryStats) MaxDataSize() int64 { return atomic.LoadInt64(&m.maxDataSize) }

// Total is the value the NoMem gate compares against maxDataSize.
func (m *MemoryStats) Total() int64 {
	return m.CurrentSize() + m.MemOverhead()
}

// HasRoom reports whether inserting addlBytes would keep the store
// under maxDataSize.
func (m *MemoryStats) HasRoom(addlBytes int) bool {
	return m.Total()+int64(addlBytes)+perItemOverhead < m.MaxDataSize()
}

func (m *MemoryStats) addValueBytes(delta int)  { atomic.AddInt64(&m.currentSize, int64(delta)) }
func (m *MemoryStats) addOverhead(delta int)     { atomic.AddInt64(&m.memOverhead, int64(delta)) }
