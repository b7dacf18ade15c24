package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sdtprobe/sdtprobe/internal/manifest"
	"github.com/sdtprobe/sdtprobe/internal/verify"
)

var verifyNoManifest bool

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <binary>...",
		Short: "Check the SDT notes of linked binaries",
		Long: `verify checks that every note points at a nop in executable code, that
semaphores are distinct aligned cells in writable memory and that argument
strings parse. With manifests it also checks that every probe kept by the Go
linker has exactly one note whose arguments match the stub.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runVerify,
	}
	addManifestFlag(cmd)
	cmd.Flags().BoolVar(&verifyNoManifest, "no-manifest", false, "Only run the checks that need no manifest")
	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	ms, err := verifyManifests()
	if err != nil {
		return err
	}
	var failed int
	for _, path := range args {
		r, err := verify.Binary(path, ms)
		if err != nil {
			return err
		}
		if r.OK() {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d notes ok\n", path, r.Notes)
			continue
		}
		failed++
		for _, issue := range r.Issues {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, issue.Error())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d binaries failed verification", failed, len(args))
	}
	return nil
}

func verifyManifests() ([]*manifest.Manifest, error) {
	if verifyNoManifest {
		return nil, nil
	}
	return loadManifests()
}
