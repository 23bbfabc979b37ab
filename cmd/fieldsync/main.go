package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/config"
	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/logging"
	"github.com/fieldline/fieldsync/internal/remote"
	"github.com/fieldline/fieldsync/internal/sync"
	"github.com/fieldline/fieldsync/internal/ui"
)

var (
	configFile string
	envFile    string
	ownerFlag  string
	quietFlag  bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync for field inspection reports and tasks",
	Long: `fieldsync keeps a local cache of an inspector's reports and tasks and
reconciles it with the remote CouchDB store whenever the network allows.

Records can be edited offline. Edits stay queued in the local cache until a
sync pass pushes them; remote changes never overwrite unsynced local edits.

Configuration is read from fieldsync.yaml (see 'fieldsync config show') and
FIELDSYNC_* environment variables, e.g. FIELDSYNC_OWNER or
FIELDSYNC_REMOTE_URL.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || !ui.ShouldUseColor() {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./fieldsync.yaml or ~/.config/fieldsync/fieldsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&ownerFlag, "owner", "o", "", "Owner (inspector) ID, overrides config")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only log to the log file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads the configuration, applying --owner.
func loadConfig() (*config.Config, *config.Loader) {
	cfg, loader, err := config.Load(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		fatalf("%v", err)
	}
	if ownerFlag != "" {
		cfg.Owner = ownerFlag
	}
	return cfg, loader
}

// requireOwner returns the configured owner or exits.
func requireOwner(cfg *config.Config) string {
	if cfg.Owner == "" {
		fatalf("no owner configured\nSet 'owner' in fieldsync.yaml, FIELDSYNC_OWNER, or pass --owner")
	}
	return cfg.Owner
}

func newLogger(cfg *config.Config) *logging.Logger {
	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Quiet:      quietFlag,
	})
	if err != nil {
		fatalf("failed to open log file: %v", err)
	}
	return logs
}

func openStore(cfg *config.Config) *db.DB {
	store, err := db.Open(cfg.DBPath())
	if err != nil {
		fatalf("failed to open local cache %s: %v", cfg.DBPath(), err)
	}
	return store
}

func newRemote(cfg *config.Config) *remote.CouchService {
	if cfg.Remote.URL == "" {
		fatalf("no remote configured\nSet 'remote.url' in fieldsync.yaml or FIELDSYNC_REMOTE_URL")
	}
	svc, err := remote.NewCouchService(remote.CouchConfig{
		URL:        cfg.Remote.URL,
		Database:   cfg.Remote.Database,
		Username:   cfg.Remote.Username,
		Password:   cfg.Remote.Password,
		Timeout:    cfg.Remote.Timeout,
		FetchLimit: cfg.Remote.FetchLimit,
	})
	if err != nil {
		fatalf("%v", err)
	}
	return svc
}

func newReconciler(cfg *config.Config, store *db.DB, svc remote.Service, logs *logging.Logger) sync.Reconciler {
	return sync.New(store, svc, &sync.Options{
		MaxRetries:   cfg.Sync.MaxRetries,
		RetentionCap: cfg.Sync.RetentionCap,
		Logger:       logs.For("sync"),
	})
}

// formatAge renders how long ago t was, e.g. "3m ago".
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
