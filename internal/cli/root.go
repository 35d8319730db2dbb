// Package cli implements the codegraph command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpolishuk/codegraph/internal/app"
	"github.com/dpolishuk/codegraph/internal/config"
	"github.com/dpolishuk/codegraph/internal/logging"
)

// state is shared by the commands of one invocation.
type state struct {
	cfgFile string
	jsonOut bool
	v       *viper.Viper
	cfg     *config.Config
	logger  *slog.Logger
	stderr  io.Writer
	newApp  func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	s := &state{newApp: app.New, stderr: os.Stderr}

	root := &cobra.Command{
		Use:           "codegraph",
		Short:         "codegraph indexes source trees into a code graph and searches them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&s.cfgFile, "config", "c", "", "config file (default ./codegraph.yaml)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("graph-store", "", "graph store backend (neo4j, memory)")
	root.PersistentFlags().String("vector-store", "", "vector store backend (qdrant, neo4j, memory)")
	root.PersistentFlags().BoolVar(&s.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newIndexCmd(s),
		newReindexCmd(s),
		newSearchCmd(s),
		newWatchCmd(s),
		newSweepCmd(s),
		newRepairCmd(s),
		newConfigCmd(s),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads the configuration with flags taking precedence over the file,
// the environment and the defaults.
func (s *state) load(cmd *cobra.Command) error {
	v, err := config.New(s.cfgFile)
	if err != nil {
		return err
	}
	flags := map[string]string{
		"log.level":     "log-level",
		"stores.graph":  "graph-store",
		"stores.vector": "vector-store",
	}
	for key, name := range flags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	s.v = v
	s.cfg = cfg
	s.logger = logging.NewWithWriter(cfg.Log, s.stderr)
	return nil
}

func (s *state) open(ctx context.Context) (*app.App, error) {
	return s.newApp(ctx, s.cfg, s.logger)
}

// print writes v as JSON when --json is set, otherwise calls text.
func (s *state) print(w io.Writer, v any, text func(io.Writer)) error {
	if s.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
