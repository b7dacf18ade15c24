//go:build linux && (amd64 || arm64 || riscv64)

package selftest

import "unsafe"

func semaphoreAddr() uintptr {
	return uintptr(unsafe.Pointer(&sdtSemaphores[0]))
}
