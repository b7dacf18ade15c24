//go:build linux && (amd64 || arm64 || riscv64)

package selftest

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ptRegsOffsets are the offsets in struct pt_regs of the first two SDT
// argument registers.
var ptRegsOffsets = map[string][]int16{
	"amd64":   {80, 40}, // rax, rbx
	"arm64":   {0, 8},   // x0, x1
	"riscv64": {80, 88}, // a0, a1
}

func lookupElem(m *ebpf.Map, key int64) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, m.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.StoreImm(asm.R2, 0, key, asm.Word),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
	}
}

// captureProgram counts hits in slot 0 of m and stores the argument
// registers in the following slots.
func captureProgram(t *testing.T, m *ebpf.Map) *ebpf.Program {
	t.Helper()
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
	}
	insns = append(insns, lookupElem(m, 0)...)
	insns = append(insns,
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
	)
	for i, off := range ptRegsOffsets[runtime.GOARCH] {
		insns = append(insns, asm.LoadMem(asm.R7, asm.R6, off, asm.DWord))
		insns = append(insns, lookupElem(m, int64(i+1))...)
		insns = append(insns, asm.StoreMem(asm.R0, 0, asm.R7, asm.DWord))
	}
	insns = append(insns,
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.Kprobe,
		Instructions: insns,
		License:      "GPL",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = prog.Close() })
	return prog
}

func captureMap(t *testing.T) *ebpf.Map {
	t.Helper()
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func readCapture(t *testing.T, m *ebpf.Map) []uint64 {
	t.Helper()
	out := make([]uint64, 3)
	for i := range out {
		require.NoError(t, m.Lookup(uint32(i), &out[i]))
	}
	return out
}

// TestUprobe attaches real uprobes to a linked build of testdata/fire. The
// kernel raises the semaphore of test:deferred through the reference
// counter offset, which is what the child process waits for before firing.
func TestUprobe(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	require.NoError(t, rlimit.RemoveMemlock())

	path, m := linkedCopy(t)
	probes := probesByID(t, path)
	ex, err := link.OpenExecutable(path)
	require.NoError(t, err)

	child := exec.Command(path, "wait")
	var out bytes.Buffer
	child.Stdout, child.Stderr = &out, &out
	require.NoError(t, child.Start())
	defer func() { _ = child.Process.Kill() }()

	attach := func(id string) *ebpf.Map {
		p := probes[id]
		mp, ok := m.Find(p.Provider, p.Name)
		require.True(t, ok)
		capture := captureMap(t)
		u, err := ex.Uprobe(m.LinkerSymbol(mp.Symbol), captureProgram(t, capture), &link.UprobeOptions{
			Address:      p.PCOffset,
			RefCtrOffset: p.SemOffset,
			PID:          child.Process.Pid,
		})
		if errors.Is(err, link.ErrNotSupported) {
			t.Skipf("uprobes with reference counters not supported: %v", err)
		}
		require.NoError(t, err)
		t.Cleanup(func() { _ = u.Close() })
		return capture
	}
	hit := attach("test:hit")
	deferred := attach("test:deferred")

	require.NoError(t, child.Wait(), out.String())

	got := readCapture(t, hit)
	assert.Equal(t, uint64(1), got[0])
	assert.Equal(t, int64(42), int64(got[1]))
	assert.Equal(t, int64(-7), int64(got[2]))

	got = readCapture(t, deferred)
	assert.Equal(t, uint64(1), got[0])
	assert.Equal(t, int64(42), int64(got[1]))
}
