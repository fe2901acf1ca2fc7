// Package integrity implements a startup consistency check for a sync
// task's mtime store against the local filesystem it describes: every
// cached path still exists and its cached mtime has not drifted out of
// step with the clock skew tolerance. The mtime gate downstream trusts
// this cache completely, so a stale entry or a skewed clock can silently
// defeat it if nothing checks the cache against disk first.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsync-run/fsync/config"
	"github.com/fsync-run/fsync/filter"
	"github.com/fsync-run/fsync/mtimestore"
)

// Options controls check behavior.
type Options struct {
	Repair  bool         // prune stale entries found during the check
	Verbose bool         // log each finding, not just the summary
	Logger  *slog.Logger // required
}

// Result contains check findings, one count per check type.
type Result struct {
	Issues      int
	IssuesFound map[string]int
	Repaired    bool
}

// clockSkewThreshold is how far in the future a stored mtime can sit
// relative to the file's current mtime before it is treated as a skew
// finding rather than ordinary staleness - a file legitimately modified
// again after being recorded has a store value in the past, not the
// future.
const clockSkewThreshold = 2 * time.Second

// Run checks store against cfg's local tree: every stored entry whose
// path no longer exists locally is a stale entry, and every stored entry
// whose timestamp sits ahead of the file's real mtime indicates a clock
// skew between whatever produced it. With Repair set, stale entries are
// pruned from store; skewed entries are left for the operator to
// investigate, since correcting them silently could paper over a root
// cause (a misconfigured NTP client, a container with a frozen clock).
func Run(ctx context.Context, cfg config.TaskConfig, store *mtimestore.Store, opts Options) (*Result, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts.Logger.Info("starting integrity check",
		"task", cfg.Name,
		"repair", opts.Repair,
	)

	result := &Result{IssuesFound: make(map[string]int)}

	stale, skewed, err := checkStore(ctx, cfg, store, opts)
	if err != nil {
		return nil, fmt.Errorf("check store: %w", err)
	}
	result.IssuesFound["stale_entries"] = len(stale)
	result.IssuesFound["clock_skew"] = len(skewed)

	f := filter.New(cfg.Include, cfg.Exclude)
	result.IssuesFound["unsynced_files"] = countUnsynced(ctx, cfg, f, store, opts)

	for _, count := range result.IssuesFound {
		result.Issues += count
	}

	opts.Logger.Info("integrity check complete",
		"task", cfg.Name,
		"issues_found", result.Issues,
		"stale_entries", result.IssuesFound["stale_entries"],
		"clock_skew", result.IssuesFound["clock_skew"],
		"unsynced_files", result.IssuesFound["unsynced_files"],
	)

	if opts.Repair && len(stale) > 0 {
		opts.Logger.Info("pruning stale mtime entries", "count", len(stale))
		for _, path := range stale {
			store.Delete(path)
		}
		result.Repaired = true
	}

	return result, nil
}

// checkStore walks every key recorded in store and classifies it as
// stale (the local path is gone) or skewed (the stored mtime is ahead of
// the file's actual mtime).
func checkStore(ctx context.Context, cfg config.TaskConfig, store *mtimestore.Store, opts Options) (stale, skewed []string, err error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, nil, err
	}

	for _, key := range keys {
		fi, statErr := os.Stat(key)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				stale = append(stale, key)
				if opts.Verbose {
					opts.Logger.Debug("stale mtime entry", "task", cfg.Name, "path", key)
				}
				continue
			}
			return nil, nil, fmt.Errorf("stat %s: %w", key, statErr)
		}

		recorded, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		actual := uint64(fi.ModTime().Unix())
		if recorded > actual+uint64(clockSkewThreshold.Seconds()) {
			skewed = append(skewed, key)
			if opts.Verbose {
				opts.Logger.Debug("clock skew on mtime entry", "task", cfg.Name, "path", key,
					"recorded", recorded, "actual", actual)
			}
		}
	}
	return stale, skewed, nil
}

// countUnsynced counts filtered-in local files the store has never seen -
// informational only: the next scan tick or the watcher will pick them up
// on its own, so there is nothing here to repair.
func countUnsynced(ctx context.Context, cfg config.TaskConfig, f *filter.Filter, store *mtimestore.Store, opts Options) int {
	count := 0
	_ = filepath.Walk(cfg.Local, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !f.Check(path) {
			return nil
		}
		if _, ok, getErr := store.Get(ctx, path); getErr == nil && !ok {
			count++
			if opts.Verbose {
				opts.Logger.Debug("unsynced file", "task", cfg.Name, "path", path)
			}
		}
		return nil
	})
	return count
}
