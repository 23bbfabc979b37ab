package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/daemon"
	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/netmon"
	"github.com/fieldline/fieldsync/internal/sync"
	"github.com/fieldline/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Run a single sync pass for the configured owner:

  1. Fetch the owner's records from the remote and merge them into the
     local cache. Records with unsynced local edits are left alone.
  2. Push queued local edits, oldest first. Records that failed 3 times
     are skipped until 'fieldsync record retry'.
  3. Trim the cache to the 30 most recent synced records plus every
     record with unsynced edits.

The remote is probed first; when it is unreachable nothing is attempted.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)
		logs := newLogger(cfg)
		defer logs.Close()

		store := openStore(cfg)
		defer store.Close()

		svc := newRemote(cfg)
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !probeRemote(ctx, cfg) {
			fmt.Printf("%s Remote unreachable, edits stay queued\n", ui.RenderWarn("⚠"))
			printPending(ctx, store, owner)
			os.Exit(1)
		}

		if createDB, _ := cmd.Flags().GetBool("create-db"); createDB {
			if err := svc.EnsureDatabase(ctx); err != nil {
				fatalf("%v", err)
			}
		}

		d, err := daemon.NewWithConfig(newReconciler(cfg, store, svc, logs), store, owner, &daemon.Config{
			PassTimeout: cfg.Sync.PassTimeout,
			Logger:      logs.For("daemon"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		updates, unsubscribe := d.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for p := range updates {
				if p.State == daemon.StateInProgress && p.Total > 0 {
					fmt.Printf("\r   Pushing %d/%d", p.Current, p.Total)
				}
			}
		}()

		fmt.Printf("%s Syncing %s with %s...\n", ui.RenderAccent("🔄"), owner, cfg.Remote.URL)
		res, err := d.SyncNow(ctx)
		unsubscribe()
		<-done

		if err != nil {
			fmt.Println()
			fatalf("sync failed: %v", err)
		}
		printResult(res)
		printPending(ctx, store, owner)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local cache and queue status",
	Long: `Show the local cache for the configured owner: how many records are
cached, how many carry unsynced edits and which ones automatic push has
given up on.

No network access is needed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)

		if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
			fmt.Printf("\n%s Local cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'fieldsync sync' to create it\n\n")
			return
		}

		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		stats, err := store.GetStats(ctx, owner, cfg.Sync.MaxRetries)
		if err != nil {
			fatalf("failed to read stats: %v", err)
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Owner: %s\n", owner)
		fmt.Printf("Location: %s\n", cfg.DBPath())
		fmt.Printf("Records: %d\n", stats.Total)
		if stats.Dirty == 0 {
			fmt.Printf("Pending: %s\n", ui.RenderPass("0 (all synced)"))
		} else {
			fmt.Printf("Pending: %s\n", ui.RenderWarn(fmt.Sprintf("%d", stats.Dirty)))
		}
		if stats.Failed > 0 {
			fmt.Printf("Failed: %s\n", ui.RenderFail(fmt.Sprintf("%d", stats.Failed)))
		}

		if stats.Failed > 0 {
			dirty, err := store.ListByOwner(ctx, owner, db.ListOptions{DirtyOnly: true})
			if err != nil {
				fatalf("failed to list records: %v", err)
			}
			fmt.Printf("\n%s Needs attention:\n", ui.RenderFail("✗"))
			for _, rec := range dirty {
				if !rec.IsFailed(cfg.Sync.MaxRetries) {
					continue
				}
				fmt.Printf("  %s  %s\n", rec.ID, rec.Title)
				if rec.LastSyncError != "" {
					fmt.Printf("     %s\n", ui.RenderMuted(rec.LastSyncError))
				}
			}
			fmt.Printf("\nRun 'fieldsync record retry --all' after fixing the cause\n")
		}
		fmt.Println()
	},
}

func init() {
	syncCmd.Flags().Bool("create-db", false, "Create the remote database if it does not exist")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

// probeRemote reports whether the remote host accepts connections.
func probeRemote(ctx context.Context, cfg *config.Config) bool {
	addr, err := remoteProbeAddr(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	return netmon.DialProber{Addr: addr, Timeout: cfg.Network.ProbeTimeout}.Probe(ctx)
}

func remoteProbeAddr(cfg *config.Config) (string, error) {
	if cfg.Network.ProbeAddr != "" {
		return cfg.Network.ProbeAddr, nil
	}
	return netmon.ProbeAddr(cfg.Remote.URL)
}

func printResult(res *sync.Result) {
	if res.Push != nil && res.Push.Candidates > 0 {
		fmt.Println()
	}

	if res.PullErr != nil {
		fmt.Printf("%s Pull failed: %v\n", ui.RenderWarn("⚠"), res.PullErr)
	}

	mark := ui.RenderPass("✓")
	if res.Failed() > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %v\n", mark, res.Duration().Round(time.Millisecond))
	if res.Merge != nil {
		fmt.Printf("   Pulled: %d (%d applied, %d kept local)\n",
			res.Merge.Fetched, res.Merge.Applied, res.Merge.SkippedDirty)
	}
	if res.Push != nil {
		fmt.Printf("   Pushed: %d of %d\n", res.Push.Pushed, res.Push.Candidates)
		if res.Push.Excluded > 0 {
			fmt.Printf("   Skipped: %d (retry limit reached)\n", res.Push.Excluded)
		}
	}
	if n := res.Failed(); n > 0 {
		fmt.Printf("   Failed: %s\n", ui.RenderFail(fmt.Sprintf("%d", n)))
	}
	if res.Trimmed > 0 {
		fmt.Printf("   Trimmed: %d\n", res.Trimmed)
	}
	if res.TrimErr != nil && !errors.Is(res.TrimErr, context.Canceled) {
		fmt.Printf("   %s Trim failed: %v\n", ui.RenderWarn("⚠"), res.TrimErr)
	}
}

func printPending(ctx context.Context, store *db.DB, owner string) {
	n, err := store.PendingCount(ctx, owner)
	if err != nil {
		return
	}
	if n == 0 {
		fmt.Printf("   Pending: %s\n", ui.RenderPass("0"))
		return
	}
	fmt.Printf("   Pending: %s\n", ui.RenderWarn(fmt.Sprintf("%d", n)))
}
