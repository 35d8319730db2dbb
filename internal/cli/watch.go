package cli

import (
	"github.com/spf13/cobra"

	"github.com/dpolishuk/codegraph/internal/indexer"
	"github.com/dpolishuk/codegraph/internal/manifest"
	"github.com/dpolishuk/codegraph/internal/watch"
)

func newWatchCmd(s *state) *cobra.Command {
	var (
		contextName string
		initial     bool
	)
	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Reindex files of a source tree as they change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := s.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if initial {
				report, err := a.Pipeline.Reindex(ctx, contextName, args[0], true)
				if err != nil {
					return err
				}
				if err := s.printReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}

			includes := s.cfg.Walker.Includes
			if len(includes) == 0 {
				includes = manifest.DefaultIncludes()
			}
			matcher := manifest.NewGlobMatcher(includes, append(append([]string{}, manifest.DefaultExcludes...), s.cfg.Walker.Excludes...))

			opts := watch.DefaultOptions()
			opts.Debounce = s.cfg.Watch.Debounce
			opts.IgnorePatterns = s.cfg.Watch.IgnorePatterns

			trigger, err := watch.NewTrigger(a.Pipeline, contextName, args[0], watch.TriggerOptions{
				Watch: opts,
				Match: matcher.Match,
				OnReport: func(r *indexer.BatchReport, err error) {
					if err != nil {
						s.logger.Error("reindex failed", "context", contextName, "error", err)
						return
					}
					_ = s.printReport(cmd.OutOrStdout(), r)
				},
			}, s.logger)
			if err != nil {
				return err
			}
			return trigger.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&contextName, "context", "default", "context (namespace) to keep up to date")
	cmd.Flags().BoolVar(&initial, "initial", true, "reindex the whole tree before watching")
	return cmd
}
