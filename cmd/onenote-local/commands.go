package main

import (
	"fmt"

	"github.com/spf13/cobra"

	onenotelocal "github.com/shulgaalexey/onenote-local"
	"github.com/shulgaalexey/onenote-local/internal/syncer"
)

func newSyncCmd(st *cliState) *cobra.Command {
	var (
		full   bool
		dryRun bool
		policy string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local cache with the remote service",
		RunE: func(_ *cobra.Command, _ []string) error {
			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if full {
				report, err := core.ContentFetcher().FullSync(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("full sync: %d notebooks, %d sections, %d pages fetched, %d failed (%s)\n",
					report.Notebooks, report.Sections, report.PagesFetched, report.PagesFailed, report.Duration)

				return nil
			}

			inc, err := core.IncrementalSync(ctx)
			if err != nil {
				return err
			}

			plan, err := inc.Plan(ctx)
			if err != nil {
				return err
			}

			report, err := inc.Execute(ctx, plan, syncer.ConflictPolicy(policy), dryRun)
			if err != nil {
				return err
			}

			fmt.Printf("sync %s: +%d ~%d -%d, %d failed, %d conflicts (%s)\n",
				report.CycleID, report.Added, report.Updated, report.Deleted,
				report.Failed, len(report.Conflicts), report.Duration)

			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "run a full sync instead of incremental")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without applying")
	cmd.Flags().StringVar(&policy, "conflict-policy", "", "override the configured conflict policy")

	return cmd
}

func newIndexCmd(st *cliState) *cobra.Command {
	var resumeID string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bulk-index cached pages into the search index",
		RunE: func(_ *cobra.Command, _ []string) error {
			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			indexer, err := core.BulkIndexer(ctx)
			if err != nil {
				return err
			}

			if resumeID != "" {
				report, err := indexer.Resume(ctx, resumeID)
				if report != nil {
					fmt.Printf("resume %s: %d ok, %d failed, %d skipped\n",
						report.CheckpointID, report.Succeeded, report.Failed, report.Skipped)
				}

				return err
			}

			if _, err := core.ContentFetcher().FullSync(ctx); err != nil {
				return err
			}

			ids, err := listAllPageIDs(core)
			if err != nil {
				return err
			}

			report, err := indexer.Run(ctx, ids)
			if report != nil {
				fmt.Printf("index %s: %d ok, %d failed\n",
					report.CheckpointID, report.Succeeded, report.Failed)
			}

			return err
		},
	}

	cmd.Flags().StringVar(&resumeID, "resume", "", "resume from a checkpoint id")

	return cmd
}

func newSearchCmd(st *cliState) *cobra.Command {
	var (
		notebooks []string
		remote    bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the local cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			result, err := core.SearchFacade().Query(ctx, args[0], &onenotelocal.QueryOptions{
				NotebookIDs:         notebooks,
				AllowRemoteFallback: remote,
				Limit:               limit,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%d hits (%s, %dms)\n", len(result.Hits), result.Source, result.ElapsedMS)

			for _, h := range result.Hits {
				fmt.Printf("  %-40s %s\n", h.Title, h.Snippet)
			}

			return nil
		},
	}

	cmd.Flags().StringSliceVar(&notebooks, "notebook", nil, "restrict to notebook ids")
	cmd.Flags().BoolVar(&remote, "remote-fallback", false, "fall back to remote title search")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum hits")

	return cmd
}

func newStatusCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache and index status",
		RunE: func(_ *cobra.Command, _ []string) error {
			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			status, err := core.SearchFacade().Status(ctx)
			if err != nil {
				return err
			}

			m := status.Manifest
			fmt.Printf("user: %s\n", m.UserID)
			fmt.Printf("last full sync: %s\n", m.LastFullSyncAt)
			fmt.Printf("last incremental sync: %s\n", m.LastIncrementalSyncAt)
			fmt.Printf("counters: %d notebooks, %d sections, %d pages, %d assets, %d bytes\n",
				m.Counters.Notebooks, m.Counters.Sections, m.Counters.Pages,
				m.Counters.Assets, m.Counters.TotalBytes)
			fmt.Printf("index: %s", status.IndexState)

			if status.IndexStats != nil {
				fmt.Printf(" (%d documents, %d bytes)", status.IndexStats.DocumentCount, status.IndexStats.ByteSize)
			}

			fmt.Println()

			return nil
		},
	}
}

func newGCCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Garbage-collect unreferenced assets",
		RunE: func(_ *cobra.Command, _ []string) error {
			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			stats, err := core.CacheAdmin().GarbageCollect(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("gc: %d marked, %d reaped, %d bytes freed\n",
				stats.AssetsMarked, stats.AssetsReaped, stats.BytesFreed)

			return nil
		},
	}
}

func newClearCmd(st *cliState) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the user's entire cache",
		RunE: func(_ *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}

			core, err := st.openCore()
			if err != nil {
				return err
			}
			defer core.Close()

			ctx, cancel := signalContext()
			defer cancel()

			return core.CacheAdmin().ClearUser(ctx)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	return cmd
}

// listAllPageIDs collects every cached page id for a bulk run.
func listAllPageIDs(core *onenotelocal.Core) ([]string, error) {
	return core.ListPageIDs()
}
