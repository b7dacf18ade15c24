package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdtprobe/sdtprobe/internal/config"
	"github.com/sdtprobe/sdtprobe/internal/linker"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
)

var (
	manifestPaths []string
	strictLink    bool
	linkDryRun    bool
)

func addManifestFlag(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&manifestPaths, "manifest", "m", []string{"."},
		"Manifest files, or directories searched for "+config.GeneratedFile(".json"))
}

func loadManifests() ([]*manifest.Manifest, error) {
	ms, err := manifest.LoadAll(config.GeneratedFile(".json"), manifestPaths...)
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	return ms, nil
}

func newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link <binary>...",
		Short: "Write the .note.stapsdt section of built binaries",
		Long: `link resolves every probe of the given manifests in each binary and writes
one SDT note per probe the Go linker kept. Binaries for targets without probe
support are left unchanged. Running link again replaces the notes it wrote.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runLink,
	}
	addManifestFlag(cmd)
	cmd.Flags().BoolVar(&strictLink, "strict", config.StrictLink, "Fail when a manifest probe is missing from a binary")
	cmd.Flags().BoolVar(&linkDryRun, "dry-run", false, "Resolve probes without writing the binaries")
	return cmd
}

func runLink(cmd *cobra.Command, args []string) error {
	ms, err := loadManifests()
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return fmt.Errorf("no %s found in %v", config.GeneratedFile(".json"), manifestPaths)
	}
	config.SetStrictLink(strictLink)

	results, err := linker.LinkAll(cmd.Context(), args, linker.Options{
		Manifests: ms,
		Strict:    config.StrictLink,
		DryRun:    linkDryRun,
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Skipped {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: unchanged (%s)\n", r.Path, r.Reason)
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d probes linked, %d missing\n", r.Path, r.Linked, len(r.Missing))
	}
	return nil
}
