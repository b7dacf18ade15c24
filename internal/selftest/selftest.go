// Package selftest carries a small set of generated probes. Its tests link
// a copy of their own test binary and check the result the way a tracer
// would read it.
package selftest

//go:generate go run github.com/sdtprobe/sdtprobe/cmd/sdtprobe generate

// Hit fires test:hit.
func Hit(a, b int64) {
	probeTestHit(a, b)
}

// Small fires test:small with arguments narrower than a register.
func Small(x int8, y uint16, z int32) {
	probeTestSmall(x, y, z)
}

// None fires test:none.
func None() {
	probeTestNone()
}

// Deferred fires test:deferred with the value returned by compute. compute
// only runs while a tracer is attached.
func Deferred(compute func() int64) {
	probeTestDeferredLazy(compute)
}

// DeferredEnabled reports whether a tracer is attached to test:deferred.
func DeferredEnabled() bool {
	return probeTestDeferredEnabled()
}

// SemaphoreAddr is the run-time address of the semaphore table, 0 where
// probes compile to nothing.
func SemaphoreAddr() uintptr {
	return semaphoreAddr()
}
