package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/daemon"
	"github.com/fieldline/fieldsync/internal/dashboard"
	"github.com/fieldline/fieldsync/internal/netmon"
	"github.com/fieldline/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync orchestrator (foreground)",
	Long: `Run the sync orchestrator until interrupted.

The daemon runs a sync pass:
  - at startup
  - every sync.interval (default 5m)
  - when the network comes back after an outage
  - when a record file lands in the inbox (if inbox.enabled)
  - when POST /api/sync is called on the dashboard (if dashboard.enabled)

Only one pass runs at a time. Triggers that arrive while a pass is running
or while the network is down are dropped; the next trigger covers them.

Edits to the config file are picked up for sync.interval without a restart.

Example usage:
  fieldsync daemon                      # Use config file settings
  fieldsync daemon --dashboard          # Also serve the status dashboard
  fieldsync daemon --dashboard -p 9000  # Dashboard on a custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, loader := loadConfig()
		owner := requireOwner(cfg)

		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("inbox") {
			cfg.Inbox.Enabled, _ = cmd.Flags().GetBool("inbox")
		}

		logs := newLogger(cfg)
		defer logs.Close()

		store := openStore(cfg)
		defer store.Close()

		svc := newRemote(cfg)
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		probeAddr, err := remoteProbeAddr(cfg)
		if err != nil {
			fatalf("%v", err)
		}
		monitor := netmon.New(netmon.Config{
			Prober:   netmon.DialProber{Addr: probeAddr, Timeout: cfg.Network.ProbeTimeout},
			Interval: cfg.Network.ProbeInterval,
			Logger:   logs.For("netmon"),
		})

		daemonCfg := &daemon.Config{
			SyncInterval: cfg.Sync.Interval,
			PassTimeout:  cfg.Sync.PassTimeout,
			SyncOnStart:  true,
			Connectivity: monitor.Events(),
			Logger:       logs.For("daemon"),
		}

		if cfg.Inbox.Enabled {
			inbox := daemon.NewInboxSource(cfg.InboxDir(), owner, store, logs.For("inbox"))
			inbox.Debounce = cfg.Inbox.Debounce
			daemonCfg.Sources = append(daemonCfg.Sources, inbox)
		}

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logs.For("dashboard"),
			})
			daemonCfg.Listener = dashboard.NewHandler(server, logs.For("dashboard"))
		}

		d, err := daemon.NewWithConfig(newReconciler(cfg, store, svc, logs), store, owner, daemonCfg)
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		if server != nil {
			server.SetController(d)
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()
		}

		daemonLog := logs.For("daemon")
		loader.Watch(func(next *config.Config) {
			d.SetSyncInterval(next.Sync.Interval)
		}, func(err error) {
			daemonLog.Printf("Ignoring config change: %v", err)
		})

		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				daemonLog.Printf("Network monitor stopped: %v", err)
			}
		}()

		fmt.Printf("%s Starting sync daemon for %s...\n", ui.RenderAccent("🚀"), owner)
		fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("   Cache: %s\n", cfg.DBPath())
		if cfg.Sync.Interval > 0 {
			fmt.Printf("   Interval: %s\n", cfg.Sync.Interval)
		}
		if cfg.Inbox.Enabled {
			fmt.Printf("   Inbox: %s\n", cfg.InboxDir())
		}
		if server != nil {
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.Dashboard.Port)
		}
		if f := loader.ConfigFile(); f != "" {
			fmt.Printf("   Config: %s\n", f)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until ctx is cancelled and the in-flight pass is done.
		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the status dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().Bool("inbox", false, "Import record files from the inbox directory (overrides inbox.enabled)")

	rootCmd.AddCommand(daemonCmd)
}
