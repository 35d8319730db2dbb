package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dpolishuk/codegraph/internal/indexer"
)

// Indexer is the part of the indexing pipeline the trigger drives.
type Indexer interface {
	Supersede(contextName, filePath string) uint64
	PlanFiles(ctx context.Context, contextName, root string, rels []string) (*indexer.Plan, error)
	Execute(ctx context.Context, plan *indexer.Plan, opts indexer.ExecuteOptions) (*indexer.BatchReport, error)
}

type TriggerOptions struct {
	Watch Options
	// Match filters relative paths worth reindexing. Nil accepts all.
	Match func(rel string) bool
	// OnReport is called after every batch.
	OnReport func(*indexer.BatchReport, error)
}

// Trigger reindexes the files of a context as they change on disk. A newer
// event for a path supersedes work still running for it: the stale result is
// discarded, and a batch whose paths were all superseded is cancelled.
type Trigger struct {
	idx     Indexer
	context string
	root    string
	opts    TriggerOptions
	logger  *slog.Logger

	mu      sync.Mutex
	batches map[*batch]struct{}
	wg      sync.WaitGroup
}

type batch struct {
	cancel context.CancelFunc
	// current holds the paths no newer batch has taken over.
	current map[string]bool
}

func NewTrigger(idx Indexer, contextName, root string, opts TriggerOptions, logger *slog.Logger) (*Trigger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Trigger{
		idx:     idx,
		context: contextName,
		root:    abs,
		opts:    opts,
		logger:  logger.With("context", contextName),
		batches: make(map[*batch]struct{}),
	}, nil
}

// Run watches the root until ctx is cancelled, then waits for running
// batches to finish.
func (t *Trigger) Run(ctx context.Context) error {
	w, err := New(t.root, func(changes []Change) { t.dispatch(ctx, changes) }, t.opts.Watch, t.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	t.logger.Info("watching for changes", "root", t.root)

	<-ctx.Done()
	w.Stop()
	t.Wait()
	return nil
}

// Wait blocks until every dispatched batch has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) dispatch(ctx context.Context, changes []Change) {
	rels := t.relevant(changes)
	if len(rels) == 0 {
		return
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &batch{cancel: cancel, current: make(map[string]bool, len(rels))}

	t.mu.Lock()
	for _, rel := range rels {
		b.current[rel] = true
		t.idx.Supersede(t.context, rel)
		for old := range t.batches {
			if !old.current[rel] {
				continue
			}
			delete(old.current, rel)
			if len(old.current) == 0 {
				old.cancel()
				delete(t.batches, old)
			}
		}
	}
	t.batches[b] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.finish(b)

		report, err := t.run(bctx, rels)
		switch {
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			t.logger.Debug("superseded batch cancelled", "paths", len(rels))
			return
		case err != nil:
			t.logger.Warn("reindex after change failed", "paths", len(rels), "error", err)
		}
		if t.opts.OnReport != nil {
			t.opts.OnReport(report, err)
		}
	}()
}

func (t *Trigger) run(ctx context.Context, rels []string) (*indexer.BatchReport, error) {
	plan, err := t.idx.PlanFiles(ctx, t.context, t.root, rels)
	if err != nil {
		return nil, err
	}
	if plan.Empty() {
		return &indexer.BatchReport{Context: t.context, Unchanged: plan.Unchanged}, nil
	}
	return t.idx.Execute(ctx, plan, indexer.ExecuteOptions{RemoveStale: true})
}

func (t *Trigger) finish(b *batch) {
	t.mu.Lock()
	delete(t.batches, b)
	t.mu.Unlock()
	b.cancel()
}

// relevant maps changes to distinct relative paths accepted by Match.
func (t *Trigger) relevant(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	var out []string
	for _, c := range changes {
		rel, err := filepath.Rel(t.root, c.Path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || seen[rel] {
			continue
		}
		if t.opts.Match != nil && !t.opts.Match(rel) {
			continue
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out
}
