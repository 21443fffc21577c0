package system

import (
	"sync/atomic"
)

// AtomicBool allows for reading/writing to a given struct field without having
// to worry about a potential race condition scenario. Under the hood it uses
// the sync/atomic primitives so read and write operations never block.
type AtomicBool struct {
	v uint32
}

func NewAtomicBool(v bool) *AtomicBool {
	ab := new(AtomicBool)
	ab.Store(v)
	return ab
}

func (ab *AtomicBool) Store(v bool) {
	if v {
		atomic.StoreUint32(&ab.v, 1)
	} else {
		atomic.StoreUint32(&ab.v, 0)
	}
}

// SwapIf stores the value "v" if the current value stored in the AtomicBool is
// the opposite boolean value. If successfully swapped, the response is "true",
// otherwise "false" is returned.
func (ab *AtomicBool) SwapIf(v bool) bool {
	if v {
		return atomic.CompareAndSwapUint32(&ab.v, 0, 1)
	}
	return atomic.CompareAndSwapUint32(&ab.v, 1, 0)
}

func (ab *AtomicBool) Load() bool {
	return atomic.LoadUint32(&ab.v) == 1
}
