// Package status holds the client-facing return codes of spec section 6,
// modeled on the small enum-with-String() types turbo-geth uses for
// things like Penalty in eth/stagedsync/header_data_struct.go.
package status

import "fmt"

type Code int

const (
	Success Code = iota
	KeyNotFound
	KeyExists
	WouldBlock
	NotMyVBucket
	OutOfMemory
	TempFail
	NotSupported
	Disconnect
	Failed
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case KeyNotFound:
		return "KeyNotFound"
	case KeyExists:
		return "KeyExists"
	case WouldBlock:
		return "WouldBlock"
	case NotMyVBucket:
		return "NotMyVBucket"
	case OutOfMemory:
		return "OutOfMemory"
	case TempFail:
		return "TempFail"
	case NotSupported:
		return "NotSupported"
	case Disconnect:
		return "Disconnect"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}
