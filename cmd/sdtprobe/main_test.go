package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/elftest"
	"github.com/sdtprobe/sdtprobe/internal/logger"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, config.GetUserAgent()+"\n", out)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}

func TestInvalidLogFormat(t *testing.T) {
	_, err := run(t, "--log-format", "logfmt", "version")
	assert.Error(t, err)
}

func TestLogFormatJSON(t *testing.T) {
	t.Cleanup(func() { logger.SetOutput(os.Stderr, config.LogFormat) })
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probes.yaml"), []byte("package: app\n"+probesYAML), 0o644))

	out, err := run(t, "--log-format", "json", "generate", dir)
	require.NoError(t, err)
	line := strings.TrimSpace(out)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
	assert.Equal(t, "Generated probes", entry["msg"])
}

func TestMainExitsOnError(t *testing.T) {
	origArgs, origExit := os.Args, exitFunc
	defer func() { os.Args, exitFunc = origArgs, origExit }()

	code := -1
	exitFunc = func(c int) { code = c }
	os.Args = []string{"sdtprobe", "no-such-command"}
	main()
	assert.Equal(t, 1, code)
}

const probesYAML = `probes:
  - provider: app
    name: start
  - provider: app
    name: request
    lazy: true
    args: [id uint64, status int32]
`

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/app\n\ngo 1.25\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.go"), []byte("package app\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probes.yaml"), []byte(probesYAML), 0o644))

	_, err := run(t, "generate", "--targets", "amd64,arm64,ppc64le", dir)
	require.NoError(t, err)
	for _, name := range []string{"zz_sdt.go", "zz_sdt_stub.go", "zz_sdt.json", "zz_sdt_linux_amd64.s", "zz_sdt_linux_arm64.s"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	m, err := manifest.Load(filepath.Join(dir, "zz_sdt.json"))
	require.NoError(t, err)
	assert.Equal(t, "app", m.Package)
	assert.Equal(t, "example.com/app", m.SymbolPrefix)
	assert.Len(t, m.Probes, 2)

	_, err = run(t, "generate", "--check", "--targets", "amd64,arm64", dir)
	assert.NoError(t, err)
	_, err = run(t, "generate", "--check", "--targets", "amd64", dir)
	assert.Error(t, err)
}

func TestGenerateMissingDeclaration(t *testing.T) {
	_, err := run(t, "generate", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

var stubText = []byte{
	0x48, 0x8b, 0x44, 0x24, 0x08, // mov rax, [rsp+8]
	0x90, 0xc3,
}

func linkFixtureSpec() elftest.Spec {
	return elftest.AMD64(stubText, []byte{0, 0, 0, 0},
		elftest.Symbol{Name: "main.sdt_app_tick.abi0", Size: uint64(len(stubText))},
		elftest.Symbol{Name: "main.sdt_semaphores", Data: true, Size: 2},
		elftest.Symbol{Name: "main.sdt_base", Data: true, Offset: 2, Size: 1},
	)
}

// writeLinkFixture writes a binary with one stub and its manifest into a
// fresh directory.
func writeLinkFixture(t *testing.T) (bin, dir string) {
	t.Helper()
	bin = elftest.Write(t, linkFixtureSpec())
	m := &manifest.Manifest{
		Version:         manifest.Version,
		Package:         "main",
		SymbolPrefix:    "main",
		BaseSymbol:      "sdt_base",
		SemaphoreSymbol: "sdt_semaphores",
		SemaphoreCount:  1,
		Probes: []manifest.Probe{{
			Provider:  "app",
			Name:      "tick",
			Symbol:    "sdt_app_tick",
			Semaphore: 0,
			Args:      []manifest.Arg{{Name: "n", Type: "int64", Signed: true}},
			Targets: map[string]manifest.Target{
				"amd64": {Format: "-8@%rax", Offsets: []int{0}, Sizes: []int{8}, FrameSize: 8},
			},
		}},
	}
	data, err := m.Encode()
	require.NoError(t, err)
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz_sdt.json"), data, 0o644))
	return bin, dir
}

func TestLinkListVerify(t *testing.T) {
	bin, dir := writeLinkFixture(t)

	out, err := run(t, "verify", "--no-manifest", bin)
	require.NoError(t, err)
	assert.Contains(t, out, "0 notes ok")

	out, err = run(t, "link", "-m", dir, bin)
	require.NoError(t, err)
	assert.Contains(t, out, "1 probes linked, 0 missing")

	out, err = run(t, "list", bin)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "PROVIDER"))
	assert.Equal(t, []string{"app", "tick", "0x401005", "0x4a0000", "-8@%rax"}, strings.Fields(lines[1]))

	out, err = run(t, "list", "--json", bin)
	require.NoError(t, err)
	var entries []listEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x1005), entries[0].Offset)

	out, err = run(t, "verify", "-m", dir, bin)
	require.NoError(t, err)
	assert.Contains(t, out, "1 notes ok")
}

func TestVerifyReportsIssues(t *testing.T) {
	bin, dir := writeLinkFixture(t)
	_, err := run(t, "link", "-m", dir, bin)
	require.NoError(t, err)

	m, err := manifest.Load(filepath.Join(dir, "zz_sdt.json"))
	require.NoError(t, err)
	m.Probes[0].Targets["amd64"] = manifest.Target{Format: "-4@%rax", Offsets: []int{0}, Sizes: []int{4}, FrameSize: 8}
	data, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz_sdt.json"), data, 0o644))

	out, err := run(t, "verify", "-m", dir, bin)
	assert.Error(t, err)
	assert.Contains(t, out, "does not match")
}

func TestLinkWithoutManifests(t *testing.T) {
	bin, _ := writeLinkFixture(t)
	_, err := run(t, "link", "-m", t.TempDir(), bin)
	assert.Error(t, err)
}

func TestLinkStrict(t *testing.T) {
	bin, dir := writeLinkFixture(t)
	other := elftest.Write(t, elftest.AMD64([]byte{0xc3}, nil))
	_, err := run(t, "link", "--strict", "-m", dir, bin, other)
	assert.Error(t, err)
	config.SetStrictLink(false)
}

func TestLinkStrippedBinary(t *testing.T) {
	_, dir := writeLinkFixture(t)
	spec := linkFixtureSpec()
	spec.Stripped = true
	_, err := run(t, "link", "-m", dir, elftest.Write(t, spec))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build without -s")
}

func TestListNotELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, []byte("text"), 0o644))
	_, err := run(t, "list", path)
	assert.Error(t, err)
}

func TestExamplesUpToDate(t *testing.T) {
	for _, dir := range []string{"../../examples/loop", "../../examples/semaphore", "../../internal/selftest"} {
		_, err := run(t, "generate", "--check", "--targets", config.DefaultTargets, dir)
		assert.NoError(t, err, dir)
	}
}
