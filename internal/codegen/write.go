package codegen

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/logger"
)

// WriteFiles writes out into dir. Files already holding the same bytes are
// left alone, and generated files of a previous run that out no longer
// contains (a dropped target, say) are removed.
func WriteFiles(dir string, out *Output) error {
	stale, err := filepath.Glob(filepath.Join(dir, config.GeneratedFile("*")))
	if err != nil {
		return err
	}
	for _, path := range stale {
		name := filepath.Base(path)
		if _, ok := out.Files[name]; ok || !isGenerated(name) {
			continue
		}
		if err := removeGenerated(path); err != nil {
			return err
		}
		logger.Debug("Removed stale generated file", zap.String("file", path))
	}

	for _, name := range out.Names() {
		path := filepath.Join(dir, name)
		data := out.Files[name]
		if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, data) {
			continue
		}
		if err := os.WriteFile(path, data, config.DefaultFileMode); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		logger.Debug("Wrote generated file", zap.String("file", path), zap.Int("bytes", len(data)))
	}
	return nil
}

func isGenerated(name string) bool {
	rest := strings.TrimPrefix(name, config.OutputPrefix)
	switch {
	case rest == ".go", rest == "_stub.go", rest == ".json":
		return true
	case strings.HasPrefix(rest, "_linux_") && strings.HasSuffix(rest, ".s"):
		return true
	}
	return false
}

// removeGenerated deletes path only if it carries the generated-code header,
// so a hand written file sharing the prefix survives.
func removeGenerated(path string) error {
	ours, err := carriesHeader(path)
	if err != nil || !ours {
		return err
	}
	return os.Remove(path)
}

func carriesHeader(path string) (bool, error) {
	if strings.HasSuffix(path, ".json") {
		return true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.HasPrefix(data, []byte(header)), nil
}

// Stale lists the files WriteFiles would create, change or remove in dir.
func Stale(dir string, out *Output) ([]string, error) {
	var stale []string
	for _, name := range out.Names() {
		old, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err != nil || !bytes.Equal(old, out.Files[name]) {
			stale = append(stale, name)
		}
	}
	existing, err := filepath.Glob(filepath.Join(dir, config.GeneratedFile("*")))
	if err != nil {
		return nil, err
	}
	for _, path := range existing {
		name := filepath.Base(path)
		if _, ok := out.Files[name]; ok || !isGenerated(name) {
			continue
		}
		ours, err := carriesHeader(path)
		if err != nil {
			return nil, err
		}
		if ours {
			stale = append(stale, name)
		}
	}
	return stale, nil
}
