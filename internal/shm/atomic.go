package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Go has no 8-bit atomics. Byte-sized flags are operated on through the
// 32-bit word that contains them, changing only the addressed byte. The word
// must be 4-byte aligned, which holds for offset 0 of any mapping.

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// CheckAligned reports an error when mem cannot host a word-sized atomic at offset 0.
func CheckAligned(mem []byte, align uintptr) error {
	if len(mem) == 0 {
		return fmt.Errorf("shm: empty region")
	}
	if p := uintptr(unsafe.Pointer(&mem[0])); p%align != 0 {
		return fmt.Errorf("shm: region at %#x not %d-byte aligned", p, align)
	}
	return nil
}

func flagWord(mem []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[0]))
}

func firstByte(w uint32) uint8 {
	return (*[4]byte)(unsafe.Pointer(&w))[0]
}

func withFirstByte(w uint32, b uint8) uint32 {
	(*[4]byte)(unsafe.Pointer(&w))[0] = b
	return w
}

// LoadFlag atomically loads mem[0].
func LoadFlag(mem []byte) uint8 {
	return firstByte(atomic.LoadUint32(flagWord(mem)))
}

// StoreFlag atomically stores v into mem[0] leaving mem[1:4] untouched.
func StoreFlag(mem []byte, v uint8) {
	p := flagWord(mem)
	for {
		w := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, w, withFirstByte(w, v)) {
			return
		}
	}
}

// CompareAndSwapFlag atomically replaces mem[0] with new if it holds old.
func CompareAndSwapFlag(mem []byte, old, new uint8) bool {
	p := flagWord(mem)
	for {
		w := atomic.LoadUint32(p)
		if firstByte(w) != old {
			return false
		}
		if atomic.CompareAndSwapUint32(p, w, withFirstByte(w, new)) {
			return true
		}
		// another byte of the word changed under us, retry
	}
}
