// Command fire calls the functions of package selftest. The selftest tests
// build it, link it and read it back, since go test strips the symbol table
// of its own binaries.
//
// With no argument every function runs once. "wait" polls until a tracer
// raises the semaphore of test:deferred, then fires test:deferred and
// test:hit. "addr" prints the run-time address of the semaphore table.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sdtprobe/sdtprobe/internal/selftest"
)

func main() {
	mode := ""
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "":
		selftest.Hit(42, -7)
		selftest.Small(-3, 65000, -100000)
		selftest.None()
		selftest.Deferred(func() int64 { return 42 })
	case "wait":
		deadline := time.Now().Add(10 * time.Second)
		for !selftest.DeferredEnabled() {
			if time.Now().After(deadline) {
				fmt.Fprintln(os.Stderr, "semaphore never set")
				os.Exit(1)
			}
			time.Sleep(10 * time.Millisecond)
		}
		selftest.Deferred(func() int64 { return 42 })
		selftest.Hit(42, -7)
	case "addr":
		fmt.Printf("%#x\n", selftest.SemaphoreAddr())
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}
}
