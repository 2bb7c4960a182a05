package common

import "fmt"

// CopyBytes returns an independent copy of b, the same helper
// ethdb.MemCopy and DbStateWriter rely on to avoid aliasing buffers that
// outlive a stripe-lock critical section.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// StorageSize formats a byte count for log lines, mirroring
// common.StorageSize used throughout turbo-geth's progress logging.
type StorageSize float64

func (s StorageSize) String() string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch v := float64(s); {
	case v >= gb:
		return fmt.Sprintf("%.2f GB", v/gb)
	case v >= mb:
		return fmt.Sprintf("%.2f MB", v/mb)
	case v >= kb:
		return fmt.Sprintf("%.2f KB", v/kb)
	default:
		return fmt.Sprintf("%.0f B", v)
	}
}
