package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fieldline/fieldsync/internal/db"
	"github.com/fieldline/fieldsync/internal/logging"
	"github.com/fieldline/fieldsync/internal/schema"
	"github.com/fieldline/fieldsync/internal/sync"
	"github.com/fieldline/fieldsync/internal/types"
	"github.com/fieldline/fieldsync/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "records",
	Short:   "Create, edit and inspect cached records",
	Long: `Work with reports and tasks in the local cache.

Every change is saved locally first and queued for the next sync pass, so
these commands work without a network connection.`,
}

var recordNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a report or task",
	Long: `Create a report or task in the local cache.

Without --title on an interactive terminal a form is shown. Due dates
accept YYYY-MM-DD, RFC 3339 or phrases like "next friday".

Example usage:
  fieldsync record new
  fieldsync record new --kind task --title "Replace filter" --due "in 3 days"`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)

		in := recordInput{}
		in.fromFlags(cmd)
		if in.Title == "" {
			if !ui.IsTerminal() {
				fatalf("--title is required when not running on a terminal")
			}
			if err := in.runForm(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fatalf("%v", err)
			}
		}

		rec := schema.NewRecord(types.KindReport, owner, in.Title)
		if err := in.apply(rec, time.Now()); err != nil {
			fatalf("%v", err)
		}

		store := openStore(cfg)
		defer store.Close()

		if err := store.CreateLocal(context.Background(), rec); err != nil {
			fatalf("failed to create record: %v", err)
		}
		fmt.Printf("%s Created %s %s\n", ui.RenderPass("✓"), rec.Kind, rec.ID)
		fmt.Printf("   %s\n", rec.Title)
		fmt.Printf("   Queued for the next sync\n")
	},
}

var recordEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a cached record",
	Long: `Change fields of a cached record. Only the flags given are changed.

Example usage:
  fieldsync record edit 3f1c... --status submitted
  fieldsync record edit 3f1c... --due none`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)

		in := recordInput{}
		in.fromFlags(cmd)
		if !in.changedAny(cmd) {
			fatalf("nothing to change; pass at least one field flag")
		}

		store := openStore(cfg)
		defer store.Close()

		rec, err := store.EditLocal(context.Background(), args[0], func(rec *schema.Record) error {
			if rec.OwnerID != owner {
				return &schema.ValidationError{ID: rec.ID, Field: "owner_id", Reason: fmt.Sprintf("belongs to %q, not %q", rec.OwnerID, owner)}
			}
			return in.applyChanged(cmd, rec, time.Now())
		})
		if errors.Is(err, db.ErrNotFound) {
			fatalf("no record %s in the local cache", args[0])
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Updated %s (local version %d)\n", ui.RenderPass("✓"), rec.ID, rec.LocalVersion)
		fmt.Printf("   Queued for the next sync\n")
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached records",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)

		order, _ := cmd.Flags().GetString("sort")
		dirtyOnly, _ := cmd.Flags().GetBool("pending")
		limit, _ := cmd.Flags().GetInt("limit")

		store := openStore(cfg)
		defer store.Close()

		records, err := store.ListByOwner(context.Background(), owner, db.ListOptions{
			OrderBy:   order,
			DirtyOnly: dirtyOnly,
			Limit:     limit,
		})
		if err != nil {
			fatalf("%v", err)
		}

		if len(records) == 0 {
			fmt.Println("No records")
			return
		}

		for _, rec := range records {
			mark := ui.RenderPass("✓")
			switch {
			case rec.IsFailed(cfg.Sync.MaxRetries):
				mark = ui.RenderFail("✗")
			case rec.NeedsSync:
				mark = ui.RenderWarn("●")
			}
			fmt.Printf("%s %s  %-6s %-12s %-7s %s\n", mark, ui.RenderMuted(rec.ID),
				rec.Kind, rec.Status, rec.Priority, rec.Title)
			if rec.DueAt != nil || rec.Location != "" {
				fmt.Printf("    due %s  %s\n", formatDue(rec.DueAt), rec.Location)
			}
		}
		fmt.Printf("\n%d records (%s synced, %s pending, %s failed)\n", len(records),
			ui.RenderPass("✓"), ui.RenderWarn("●"), ui.RenderFail("✗"))
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one cached record with its sync state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()

		store := openStore(cfg)
		defer store.Close()

		rec, err := store.Get(context.Background(), args[0])
		if errors.Is(err, db.ErrNotFound) {
			fatalf("no record %s in the local cache", args[0])
		}
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("\n%s %s\n\n", ui.RenderAccent("📋"), ui.RenderBold(rec.Title))
		fmt.Printf("ID: %s\n", rec.ID)
		fmt.Printf("Kind: %s\n", rec.Kind)
		fmt.Printf("Owner: %s\n", rec.OwnerID)
		fmt.Printf("Status: %s\n", rec.Status)
		fmt.Printf("Priority: %s\n", rec.Priority)
		if rec.Location != "" {
			fmt.Printf("Location: %s\n", rec.Location)
		}
		if rec.AssignedTo != "" {
			fmt.Printf("Assigned to: %s\n", rec.AssignedTo)
		}
		fmt.Printf("Due: %s\n", formatDue(rec.DueAt))
		fmt.Printf("Created: %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Printf("Updated: %s (%s)\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04"), formatAge(rec.UpdatedAt))
		if rec.Description != "" {
			fmt.Printf("\n%s\n", rec.Description)
		}

		fmt.Println()
		switch {
		case rec.IsFailed(cfg.Sync.MaxRetries):
			fmt.Printf("%s Push failed %d times: %s\n", ui.RenderFail("✗"), rec.SyncRetryCount, rec.LastSyncError)
		case rec.NeedsSync:
			fmt.Printf("%s Local edits pending (version %d, %d failed attempts)\n",
				ui.RenderWarn("●"), rec.LocalVersion, rec.SyncRetryCount)
		default:
			fmt.Printf("%s Synced\n", ui.RenderPass("✓"))
		}
		fmt.Println()
	},
}

var recordRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Make failed records eligible for push again",
	Long: `Reset the retry counter of records whose push failed too many times.

Fix whatever caused the failure first (usually a validation error shown by
'fieldsync status'), then retry.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		owner := requireOwner(cfg)
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fatalf("pass either a record ID or --all")
		}

		store := openStore(cfg)
		defer store.Close()
		ctx := context.Background()

		if all {
			r := sync.New(store, nil, &sync.Options{MaxRetries: cfg.Sync.MaxRetries, Logger: logging.Discard()})
			n, err := r.RetryFailed(ctx, owner)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%s Reset %d records\n", ui.RenderPass("✓"), n)
			return
		}

		if err := store.ResetRetry(ctx, args[0]); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				fatalf("no record %s in the local cache", args[0])
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Reset %s\n", ui.RenderPass("✓"), args[0])
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a record from the local cache",
	Long: `Remove a record from the local cache only. The remote copy is kept and
comes back on the next sync; unsynced local edits are lost.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _ := loadConfig()
		force, _ := cmd.Flags().GetBool("force")

		store := openStore(cfg)
		defer store.Close()
		ctx := context.Background()

		rec, err := store.Get(ctx, args[0])
		if errors.Is(err, db.ErrNotFound) {
			fatalf("no record %s in the local cache", args[0])
		}
		if err != nil {
			fatalf("%v", err)
		}
		if rec.NeedsSync && !force {
			fatalf("%s has unsynced edits; pass --force to discard them", rec.ID)
		}

		if err := store.Delete(ctx, rec.ID); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Removed %s from the local cache\n", ui.RenderPass("✓"), rec.ID)
	},
}

// recordInput carries record fields from flags or the form.
type recordInput struct {
	Kind        string
	Title       string
	Description string
	Location    string
	AssignedTo  string
	Status      string
	Priority    string
	Due         string
}

var recordFieldFlags = []string{"kind", "title", "description", "location", "assignee", "status", "priority", "due"}

func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("kind", "k", "report", "Record kind (report|task)")
	cmd.Flags().StringP("title", "t", "", "Title")
	cmd.Flags().StringP("description", "d", "", "Description")
	cmd.Flags().StringP("location", "l", "", "Location")
	cmd.Flags().String("assignee", "", "Assignee")
	cmd.Flags().StringP("status", "s", "", "Status (default depends on kind)")
	cmd.Flags().StringP("priority", "p", "medium", "Priority (low|medium|high|urgent)")
	cmd.Flags().String("due", "", "Due date, e.g. 2026-11-01 or \"next friday\"; \"none\" clears it")
}

func (in *recordInput) fromFlags(cmd *cobra.Command) {
	in.Kind, _ = cmd.Flags().GetString("kind")
	in.Title, _ = cmd.Flags().GetString("title")
	in.Description, _ = cmd.Flags().GetString("description")
	in.Location, _ = cmd.Flags().GetString("location")
	in.AssignedTo, _ = cmd.Flags().GetString("assignee")
	in.Status, _ = cmd.Flags().GetString("status")
	in.Priority, _ = cmd.Flags().GetString("priority")
	in.Due, _ = cmd.Flags().GetString("due")
}

func (in *recordInput) changedAny(cmd *cobra.Command) bool {
	for _, name := range recordFieldFlags {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func (in *recordInput) runForm() error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Kind").
				Options(huh.NewOption("Inspection report", "report"), huh.NewOption("Task", "task")).
				Value(&in.Kind),
			huh.NewInput().
				Title("Title").
				Value(&in.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&in.Description),
			huh.NewInput().
				Title("Location").
				Value(&in.Location),
			huh.NewSelect[string]().
				Title("Priority").
				Options(huh.NewOptions("low", "medium", "high", "urgent")...).
				Value(&in.Priority),
			huh.NewInput().
				Title("Due").
				Description("YYYY-MM-DD or e.g. \"next friday\"; empty for none").
				Value(&in.Due).
				Validate(func(s string) error {
					_, _, err := parseDue(s, time.Now())
					return err
				}),
		),
	)
	return form.Run()
}

// apply sets every field on a new record.
func (in *recordInput) apply(rec *schema.Record, now time.Time) error {
	kind, err := parseKind(in.Kind)
	if err != nil {
		return err
	}
	rec.Kind = kind
	rec.Title = strings.TrimSpace(in.Title)
	rec.Description = in.Description
	rec.Location = in.Location
	rec.AssignedTo = in.AssignedTo

	rec.Status = types.DefaultStatus(kind)
	if in.Status != "" {
		if rec.Status, err = parseStatus(kind, in.Status); err != nil {
			return err
		}
	}
	if rec.Priority, err = parsePriority(in.Priority); err != nil {
		return err
	}
	if rec.DueAt, _, err = parseDue(in.Due, now); err != nil {
		return err
	}
	return rec.Validate()
}

// applyChanged sets only the fields whose flags were given.
func (in *recordInput) applyChanged(cmd *cobra.Command, rec *schema.Record, now time.Time) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("kind") {
		if rec.Kind, err = parseKind(in.Kind); err != nil {
			return err
		}
		if !flags.Changed("status") && !rec.Status.ValidFor(rec.Kind) {
			rec.Status = types.DefaultStatus(rec.Kind)
		}
	}
	if flags.Changed("title") {
		rec.Title = strings.TrimSpace(in.Title)
	}
	if flags.Changed("description") {
		rec.Description = in.Description
	}
	if flags.Changed("location") {
		rec.Location = in.Location
	}
	if flags.Changed("assignee") {
		rec.AssignedTo = in.AssignedTo
	}
	if flags.Changed("status") {
		if rec.Status, err = parseStatus(rec.Kind, in.Status); err != nil {
			return err
		}
	}
	if flags.Changed("priority") {
		if rec.Priority, err = parsePriority(in.Priority); err != nil {
			return err
		}
	}
	if flags.Changed("due") {
		due, set, err := parseDue(in.Due, now)
		if err != nil {
			return err
		}
		if set {
			rec.DueAt = due
		}
	}
	return nil
}

func parseKind(raw string) (types.Kind, error) {
	k := types.Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid kind %q (want report or task)", raw)
	}
	return k, nil
}

func parseStatus(kind types.Kind, raw string) (types.Status, error) {
	s := types.Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !s.ValidFor(kind) {
		var names []string
		for _, candidate := range types.Statuses(kind) {
			names = append(names, string(candidate))
		}
		return "", fmt.Errorf("invalid %s status %q (want one of %s)", kind, raw, strings.Join(names, ", "))
	}
	return s, nil
}

func parsePriority(raw string) (types.Priority, error) {
	p := types.Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority %q (want low, medium, high or urgent)", raw)
	}
	return p, nil
}

func init() {
	addRecordFlags(recordNewCmd)
	addRecordFlags(recordEditCmd)

	recordListCmd.Flags().String("sort", db.OrderByCreated, "Sort by created_at, due_at or priority")
	recordListCmd.Flags().Bool("pending", false, "Only records with unsynced edits")
	recordListCmd.Flags().Int("limit", 0, "Maximum records to show (0 for all)")

	recordRetryCmd.Flags().Bool("all", false, "Reset every failed record of the owner")
	recordDeleteCmd.Flags().BoolP("force", "f", false, "Delete even with unsynced edits")

	recordCmd.AddCommand(recordNewCmd)
	recordCmd.AddCommand(recordEditCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordShowCmd)
	recordCmd.AddCommand(recordRetryCmd)
	recordCmd.AddCommand(recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}
