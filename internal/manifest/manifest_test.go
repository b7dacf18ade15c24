package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Manifest {
	return &Manifest{
		Version:         Version,
		Package:         "selftest",
		SymbolPrefix:    "example.com/app/selftest",
		SemaphoreSymbol: "sdt_semaphores",
		SemaphoreCount:  1,
		Probes: []Probe{
			{
				Provider:  "test",
				Name:      "hit",
				Symbol:    "sdt_test_hit",
				Semaphore: -1,
				Args:      []Arg{{"a", "int64", true}, {"b", "int64", true}},
				Targets: map[string]Target{
					"amd64": {Format: "-8@%rax -8@%rbx", Offsets: []int{0, 8}, Sizes: []int{8, 8}, FrameSize: 16},
				},
			},
			{Provider: "test", Name: "lazy", Symbol: "sdt_test_lazy", Semaphore: 0, Targets: map[string]Target{}},
		},
	}
}

func TestEncodeRead(t *testing.T) {
	m := sample()
	data, err := m.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("}\n")))

	got, err := Read(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadVersion(t *testing.T) {
	_, err := Read(strings.NewReader(`{"version": 99}`))
	assert.ErrorIs(t, err, ErrVersion)
	_, err = Read(strings.NewReader(`{`))
	assert.Error(t, err)
}

func TestFindAndSymbols(t *testing.T) {
	m := sample()
	p, ok := m.Find("test", "lazy")
	require.True(t, ok)
	assert.True(t, p.Lazy())
	assert.Equal(t, "test:lazy", p.ID())

	p, ok = m.Find("test", "hit")
	require.True(t, ok)
	assert.False(t, p.Lazy())

	_, ok = m.Find("test", "missing")
	assert.False(t, ok)

	assert.Equal(t, "example.com/app/selftest.sdt_test_hit", m.LinkerSymbol("sdt_test_hit"))
}

func TestLoadAll(t *testing.T) {
	root := t.TempDir()
	data, err := sample().Encode()
	require.NoError(t, err)
	for _, dir := range []string{"a", "b/c", "vendor/x", ".hidden", "_skip"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dir, "zz_sdt.json"), data, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.json"), data, 0o644))

	ms, err := LoadAll("zz_sdt.json", root)
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	ms, err = LoadAll("zz_sdt.json", filepath.Join(root, "other.json"), filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Len(t, ms, 2)

	_, err = LoadAll("zz_sdt.json", filepath.Join(root, "missing"))
	assert.Error(t, err)
}
