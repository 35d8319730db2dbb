package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newSweepCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <context>",
		Short: "Retry deletion of files only partially removed from the stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Coordinator.Sweep(ctx, args[0])
			if err != nil {
				return err
			}
			return s.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Cleared %d orphaned files\n", report.Cleared)
				for _, p := range report.Pending {
					fmt.Fprintf(w, "  still pending: %s\n", p)
				}
			})
		},
	}
}

func newRepairCmd(s *state) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <context>",
		Short: "Compute embeddings missing after a provider outage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Coordinator.RepairEmbeddings(ctx, args[0])
			if err != nil {
				return err
			}
			return s.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Repaired %d files\n", report.Repaired)
				for _, p := range report.Pending {
					fmt.Fprintf(w, "  still pending: %s\n", p)
				}
			})
		},
	}
}
