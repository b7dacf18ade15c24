package semaphore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtprobe/sdtprobe/internal/decl"
)

func probes() []decl.Probe {
	return []decl.Probe{
		{Provider: "foo", Name: "begin"},
		{Provider: "foo", Name: "iter", Lazy: true},
		{Provider: "foo", Name: "loop"},
		{Provider: "bar", Name: "iter", Lazy: true},
	}
}

func TestLayout(t *testing.T) {
	ps := probes()
	tab := Layout("sdt_semaphores", ps)

	assert.Equal(t, 2, tab.Len())
	assert.Equal(t, 4, tab.Size())
	assert.Equal(t, None, tab.Slot(ps[0]))
	assert.Equal(t, 0, tab.Slot(ps[1]))
	assert.Equal(t, None, tab.Slot(ps[2]))
	assert.Equal(t, 1, tab.Slot(ps[3]))
	assert.Equal(t, None, tab.Slot(decl.Probe{Provider: "x", Name: "y"}))
}

func TestLayoutEmpty(t *testing.T) {
	tab := Layout("sdt_semaphores", nil)
	assert.Zero(t, tab.Len())
	assert.Zero(t, tab.Size())
}

func TestDistinctSlotsNeverAlias(t *testing.T) {
	var ps []decl.Probe
	for i := 0; i < 64; i++ {
		ps = append(ps, decl.Probe{Provider: "p", Name: string(rune('a'+i%26)) + string(rune('a'+i/26)), Lazy: true})
	}
	tab := Layout("sdt_semaphores", ps)
	const base = 0x4c1000
	addrs := make(map[string]uint64)
	for _, p := range ps {
		addrs[p.ID()] = Address(base, tab.Slot(p))
	}
	require.NoError(t, Check(addrs))
	assert.Equal(t, uint64(base+2*63), addrs[ps[63].ID()])
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(map[string]uint64{"a:a": 0x1000, "a:b": 0x1002, "a:c": 0}))
	assert.ErrorIs(t, Check(map[string]uint64{"a:a": 0x1001}), ErrMisaligned)
	assert.ErrorIs(t, Check(map[string]uint64{"a:a": 0x1000, "a:b": 0x1000}), ErrAlias)
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(0x10, 0x11))
	assert.True(t, Overlaps(0x11, 0x10))
	assert.False(t, Overlaps(0x10, 0x12))
}
