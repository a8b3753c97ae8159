package vmem

import (
	"runtime"
)

// Fill stores v into every byte of b. The KeepAlive pins b past the last
// store so the compiler cannot treat the writes as dead even when the
// region is about to be unmapped.
func Fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
	runtime.KeepAlive(b)
}

// Wipe scrubs b with zero bytes.
func Wipe(b []byte) {
	Fill(b, 0x00)
}
