package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dpolishuk/codegraph/internal/models"
)

func newSearchCmd(s *state) *cobra.Command {
	var req models.SearchRequest
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search a context by structure and meaning",
		Example: `  codegraph search --context api "callers of ParseConfig"
  codegraph search --context api --relationships "how are requests authenticated"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.Engine.Search(ctx, req)
			if err != nil {
				return err
			}
			return s.print(cmd.OutOrStdout(), resp, func(w io.Writer) { printResults(w, resp) })
		},
	}
	cmd.Flags().StringVar(&req.Context, "context", "default", "context (namespace) to search")
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 0, "page size (default from config)")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "results to skip")
	cmd.Flags().Float64Var(&req.MinimumScore, "min-score", 0, "drop results scoring below this")
	cmd.Flags().BoolVar(&req.IncludeRelationships, "relationships", false, "include callers and dependencies")
	cmd.Flags().IntVar(&req.RelationshipDepth, "depth", 1, "relationship hops with --relationships")
	return cmd
}

func printResults(w io.Writer, resp *models.SearchResponse) {
	fmt.Fprintf(w, "Strategy: %s", resp.Strategy)
	if resp.Degraded {
		fmt.Fprint(w, " (degraded)")
	}
	fmt.Fprintf(w, "  %d of %d\n\n", resp.Count, resp.Total)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tKIND\tNAME\tLOCATION")
	for _, r := range resp.Results {
		e := r.Entity
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s:%d\n", r.Score, e.Kind, e.QualifiedName, e.FilePath, e.StartLine)
		for _, rel := range r.Callers {
			fmt.Fprintf(tw, "\t\t  <- %s %s\t\n", rel.Type, rel.QualifiedName)
		}
		for _, rel := range r.Dependencies {
			fmt.Fprintf(tw, "\t\t  -> %s %s\t\n", rel.Type, rel.QualifiedName)
		}
	}
	_ = tw.Flush()
	if resp.HasMore {
		fmt.Fprintln(w, "\nMore results available, use --offset.")
	}
}
