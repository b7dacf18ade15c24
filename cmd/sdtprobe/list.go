package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sdtprobe/sdtprobe/internal/usdt"
)

var listJSON bool

type listEntry struct {
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	Location  uint64 `json:"location"`
	Offset    uint64 `json:"offset"`
	Semaphore uint64 `json:"semaphore,omitempty"`
	Args      string `json:"args"`
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <binary>",
		Short: "List the SDT probes of a binary",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}
	cmd.Flags().BoolVar(&listJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	probes, err := usdt.Scan(args[0])
	if err != nil {
		return err
	}
	entries := make([]listEntry, 0, len(probes))
	for _, p := range probes {
		entries = append(entries, listEntry{
			Provider:  p.Provider,
			Name:      p.Name,
			Location:  p.Addr,
			Offset:    p.PCOffset,
			Semaphore: p.Semaphore,
			Args:      p.Args,
		})
	}

	if listJSON {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tNAME\tLOCATION\tSEMAPHORE\tARGUMENTS")
	for _, e := range entries {
		sem := "-"
		if e.Semaphore != 0 {
			sem = fmt.Sprintf("%#x", e.Semaphore)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%s\t%s\n", e.Provider, e.Name, e.Location, sem, e.Args)
	}
	return w.Flush()
}
