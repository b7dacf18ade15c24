package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/codegen"
	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/decl"
	"github.com/sdtprobe/sdtprobe/internal/logger"
)

var (
	declFile      string
	targetList    string
	generateCheck bool
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [dir]",
		Short: "Generate probe stubs, semaphores and wrappers for a package",
		Long: `generate reads the probe declaration of a package (probes.yaml by default)
and writes the assembly stubs, the semaphore table, the typed Go wrappers and the
manifest used by link. Run it from go:generate:

	//go:generate sdtprobe generate`,
		Args: cobra.MaximumNArgs(1),
		RunE: runGenerate,
	}
	cmd.Flags().StringVarP(&declFile, "file", "f", config.DeclFile, "Probe declaration file, relative to dir")
	cmd.Flags().StringVar(&targetList, "targets", config.Targets, "Comma separated GOARCH list to generate stubs for")
	cmd.Flags().BoolVar(&generateCheck, "check", false, "Fail if the generated files are not up to date instead of writing them")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	path := declFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	pkg, err := decl.Load(path)
	if err != nil {
		return err
	}
	targets, skipped := arch.ParseTargets(targetList)
	for _, name := range skipped {
		logger.Warn("Target not supported, probes compile to no-ops there", zap.String("goarch", name))
	}

	out, err := codegen.Generate(pkg, targets)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if generateCheck {
		stale, err := codegen.Stale(dir, out)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			return fmt.Errorf("generated files out of date: %v", stale)
		}
		return nil
	}
	if err := codegen.WriteFiles(dir, out); err != nil {
		return err
	}
	logger.Info("Generated probes",
		zap.String("package", pkg.Name),
		zap.Int("probes", len(pkg.Probes)),
		zap.Strings("files", out.Names()))
	return nil
}
