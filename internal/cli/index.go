package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dpolishuk/codegraph/internal/indexer"
)

func newIndexCmd(s *state) *cobra.Command {
	var (
		contextName string
		recursive   bool
		repoURL     string
		branch      string
	)
	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a file, a directory or a remote repository",
		Long: `Index new and changed files.

A file path indexes that file only. A directory path indexes every
supported file below it; files missing from disk are kept until reindex
--remove-stale. With --repo the repository is cloned or updated first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && repoURL == "" {
				return fmt.Errorf("a path or --repo is required")
			}
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var report *indexer.BatchReport
			switch {
			case repoURL != "":
				report, err = a.Pipeline.IndexRepository(ctx, repoURL, branch, contextName)
			default:
				info, statErr := os.Stat(args[0])
				if statErr != nil {
					return statErr
				}
				if info.IsDir() {
					report, err = a.Pipeline.IndexDirectory(ctx, args[0], contextName, recursive)
				} else {
					report, err = a.Pipeline.IndexFile(ctx, args[0], contextName)
				}
			}
			if err != nil {
				return err
			}
			return s.printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&contextName, "context", "default", "context (namespace) to index into")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "descend into subdirectories")
	cmd.Flags().StringVar(&repoURL, "repo", "", "remote git repository to clone and index")
	cmd.Flags().StringVar(&branch, "branch", "", "branch to clone with --repo")
	return cmd
}

func newReindexCmd(s *state) *cobra.Command {
	var (
		contextName string
		removeStale bool
	)
	cmd := &cobra.Command{
		Use:   "reindex <path>",
		Short: "Bring a context in line with a source tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Pipeline.Reindex(ctx, contextName, args[0], removeStale)
			if err != nil {
				return err
			}
			return s.printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&contextName, "context", "default", "context (namespace) to reindex")
	cmd.Flags().BoolVar(&removeStale, "remove-stale", true, "delete files that no longer exist on disk")
	return cmd
}

func (s *state) printReport(w io.Writer, r *indexer.BatchReport) error {
	return s.print(w, r, func(w io.Writer) {
		fmt.Fprintf(w, "Context:    %s\n", r.Context)
		fmt.Fprintf(w, "  Indexed:   %d\n", r.Indexed)
		fmt.Fprintf(w, "  Unchanged: %d\n", r.Unchanged)
		fmt.Fprintf(w, "  Removed:   %d\n", r.Removed)
		if r.Stale > 0 {
			fmt.Fprintf(w, "  Stale:     %d\n", r.Stale)
		}
		fmt.Fprintf(w, "  Entities:  %d (%d relationships, %d weak)\n", r.Entities, r.Relationships, r.WeakReferences)
		if r.EmbeddingPending > 0 {
			fmt.Fprintf(w, "  Embedding pending: %d (run repair)\n", r.EmbeddingPending)
		}
		fmt.Fprintf(w, "  Duration:  %s\n", r.Duration)
		if len(r.Skipped) > 0 {
			fmt.Fprintln(w, "Skipped:")
			for _, f := range r.Skipped {
				fmt.Fprintf(w, "  - %s: %s\n", f.Path, f.Error)
			}
		}
		if len(r.Failures) > 0 {
			fmt.Fprintln(w, "Failed:")
			for _, f := range r.Failures {
				fmt.Fprintf(w, "  - %s: %s\n", f.Path, f.Error)
			}
		}
	})
}
