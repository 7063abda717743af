// recoveryctl is a command-line tool for inspecting backups and running
// backup, restore and cleanup operations against the configured stores.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/recovery"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/restore"
	"github.com/supporttools/RecoveryGuard/pkg/retention"
	"github.com/supporttools/RecoveryGuard/pkg/version"
)

const usage = `Usage: recoveryctl <command> [flags]

Commands:
  status    Show health, backup state and recovery objectives
  health    Run a health check
  list      List backups, newest first
  backup    Create a backup (-type manual|emergency|scheduled; -cleanup-older-than)
  restore   Restore a backup (-id required; -dry-run, -clear, -tables, -yes)
  cleanup   Delete old backups (-older-than, -before or -enforce)
  version   Print build information
`

// service is the part of the recovery manager the CLI drives
type service interface {
	GetRecoveryStatus(ctx context.Context) (*recovery.Status, error)
	CheckHealth(ctx context.Context) types.HealthStatus
	ListBackups(ctx context.Context) ([]*types.BackupRecord, error)
	CreateBackup(ctx context.Context, backupType types.BackupType) (*types.BackupRecord, error)
	CreateBackupWithCleanup(ctx context.Context, backupType types.BackupType, cutoff time.Time) (*recovery.CleanupOutcome, error)
	Restore(ctx context.Context, id string, opts restore.Options) (*types.RestoreResult, *types.RestoreSimulation, error)
	ClearOldBackups(ctx context.Context, cutoff time.Time) (*types.CleanupResult, error)
	EnforceRetention(ctx context.Context) (*types.CleanupResult, error)
}

type cli struct {
	svc service
	in  io.Reader
	out io.Writer
	now func() time.Time
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if args[0] == "version" {
		fmt.Println(version.Get())
		return 0
	}

	cfg, err := config.LoadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if err := cfg.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return 1
	}

	// Commands print their own output; keep logs quiet unless asked
	level := cfg.LogLevel
	if !cfg.Debug {
		level = "warn"
	}
	logger := logging.New(level, cfg.LogFormat)
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := recovery.Open(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer mgr.Close()

	c := &cli{svc: mgr, in: os.Stdin, out: os.Stdout, now: time.Now}
	if err := c.run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *cli) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		return c.status(ctx, rest)
	case "health":
		return c.health(ctx, rest)
	case "list":
		return c.list(ctx, rest)
	case "backup":
		return c.backup(ctx, rest)
	case "restore":
		return c.restore(ctx, rest)
	case "cleanup":
		return c.cleanup(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *cli) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) status(ctx context.Context, args []string) error {
	fs := newFlagSet("status")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status, err := c.svc.GetRecoveryStatus(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return c.printJSON(status)
	}

	h := status.HealthCheck
	fmt.Fprintf(c.out, "Overall:      %s\n", h.Overall)
	fmt.Fprintf(c.out, "Database:     %s\n", h.Database)
	fmt.Fprintf(c.out, "Storage:      %s (%s)\n", h.Storage, strings.Join(status.Objectives.Storage, ", "))
	fmt.Fprintf(c.out, "Backups:      %s (%d available)\n", status.BackupStatus.Level, status.BackupStatus.Count)
	fmt.Fprintf(c.out, "Replication:  %s\n", h.Replication)
	if latest := status.BackupStatus.Latest; latest != nil {
		fmt.Fprintf(c.out, "Latest:       %s, %s (%s)\n", latest.ID, humanize.RelTime(latest.Timestamp, c.now(), "ago", "from now"), latest.Status)
	}
	fmt.Fprintf(c.out, "Objectives:   RTO %dh, RPO %dm\n", status.Objectives.RTOHours, status.Objectives.RPOMinutes)
	for _, issue := range status.BackupStatus.Issues {
		fmt.Fprintf(c.out, "Issue:        %s\n", issue)
	}
	return nil
}

func (c *cli) health(ctx context.Context, args []string) error {
	fs := newFlagSet("health")
	if err := fs.Parse(args); err != nil {
		return err
	}
	status := c.svc.CheckHealth(ctx)
	if err := c.printJSON(status); err != nil {
		return err
	}
	if status.Overall == types.HealthError {
		return errors.New("recovery subsystem is unhealthy")
	}
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	backups, err := c.svc.ListBackups(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return c.printJSON(backups)
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRETENTION\tTABLES\tRECORDS\tCREATED")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			b.ID, b.Type, b.Status, b.Metadata.Retention, len(b.Tables),
			humanize.Comma(b.TotalRecords()), b.Timestamp.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *cli) backup(ctx context.Context, args []string) error {
	fs := newFlagSet("backup")
	typ := fs.String("type", string(types.BackupManual), "Backup type: manual, emergency or scheduled")
	cleanupOlderThan := fs.String("cleanup-older-than", "", "After the backup, delete other backups older than this duration, e.g. 720h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	backupType, err := types.ParseBackupType(*typ)
	if err != nil {
		return err
	}

	var (
		record  *types.BackupRecord
		cleanup *types.CleanupResult
	)
	if *cleanupOlderThan != "" {
		cutoff, err := retention.ParseCutoff(*cleanupOlderThan, "", c.now())
		if err != nil {
			return err
		}
		out, err := c.svc.CreateBackupWithCleanup(ctx, backupType, cutoff)
		if err != nil {
			return err
		}
		record, cleanup = out.Backup, out.Cleanup
	} else {
		record, err = c.svc.CreateBackup(ctx, backupType)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "Backup %s %s\n", record.ID, record.Status)
	for _, name := range record.OrderedTables() {
		info := record.Tables[name]
		if info.Status == types.TableFailed {
			fmt.Fprintf(c.out, "  %-24s failed: %s\n", name, info.Error)
			continue
		}
		fmt.Fprintf(c.out, "  %-24s %s records\n", name, humanize.Comma(info.Records))
	}
	if cleanup != nil {
		c.printCleanup(cleanup)
	}
	// No table made it into the backup
	if record.Status == types.BackupFailed || len(record.FailedTables()) == len(record.Tables) {
		return errors.New("backup failed")
	}
	return nil
}

func (c *cli) restore(ctx context.Context, args []string) error {
	fs := newFlagSet("restore")
	id := fs.String("id", "", "Backup ID to restore")
	dryRun := fs.Bool("dry-run", false, "Only show what would be restored")
	clearRows := fs.Bool("clear", false, "Delete existing rows in each table before inserting")
	tables := fs.String("tables", "", "Comma-separated tables to restore (default all)")
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("missing required flag: -id")
	}

	opts := restore.Options{
		DryRun:           *dryRun,
		ConfirmOverwrite: !*yes,
		Confirm:          c.confirm,
		ClearExisting:    *clearRows,
		Tables:           splitList(*tables),
	}

	result, sim, err := c.svc.Restore(ctx, *id, opts)
	if err != nil {
		return err
	}
	if result == nil {
		c.printSimulation(sim)
		return nil
	}

	fmt.Fprintf(c.out, "Restore of %s %s\n", result.BackupID, result.Status)
	names := make([]string, 0, len(result.TablesRestored))
	for name := range result.TablesRestored {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := result.TablesRestored[name]
		if info.Status == types.TableFailed {
			fmt.Fprintf(c.out, "  %-24s failed: %s\n", name, info.Error)
			continue
		}
		fmt.Fprintf(c.out, "  %-24s %s records\n", name, humanize.Comma(info.Records))
	}
	if len(result.TablesRestored) == 0 {
		for _, e := range result.Errors {
			fmt.Fprintf(c.out, "  %s\n", e.Error)
		}
	}
	if result.Status == types.RestoreFailed {
		return errors.New("restore failed")
	}
	return nil
}

func (c *cli) printSimulation(sim *types.RestoreSimulation) {
	fmt.Fprintf(c.out, "Backup %s from %s\n", sim.BackupID, sim.BackupTimestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(c.out, "Tables:    %s\n", strings.Join(sim.Tables, ", "))
	fmt.Fprintf(c.out, "Records:   %s\n", humanize.Comma(sim.TotalRecords))
	fmt.Fprintf(c.out, "Estimate:  %s\n", sim.EstimatedDuration.Round(time.Second))
	for _, w := range sim.Warnings {
		fmt.Fprintf(c.out, "Warning:   %s\n", w)
	}
}

// confirm shows the simulation and asks the operator to proceed
func (c *cli) confirm(_ context.Context, sim *types.RestoreSimulation) bool {
	c.printSimulation(sim)
	fmt.Fprint(c.out, "Existing data will be overwritten. Proceed? [y/N] ")
	answer, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (c *cli) cleanup(ctx context.Context, args []string) error {
	fs := newFlagSet("cleanup")
	olderThan := fs.String("older-than", "", "Delete backups older than this duration, e.g. 720h")
	before := fs.String("before", "", "Delete backups created before this RFC 3339 time")
	enforce := fs.Bool("enforce", false, "Apply the configured retention period, keeping permanent backups")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		result *types.CleanupResult
		err    error
	)
	if *enforce {
		if *olderThan != "" || *before != "" {
			return errors.New("-enforce cannot be combined with -older-than or -before")
		}
		result, err = c.svc.EnforceRetention(ctx)
	} else {
		cutoff, perr := retention.ParseCutoff(*olderThan, *before, c.now())
		if perr != nil {
			return perr
		}
		result, err = c.svc.ClearOldBackups(ctx, cutoff)
	}
	if err != nil {
		return err
	}

	c.printCleanup(result)
	return nil
}

func (c *cli) printCleanup(result *types.CleanupResult) {
	fmt.Fprintf(c.out, "Cleared %d backups\n", result.ClearedCount)
	for _, id := range result.ClearedBackups {
		fmt.Fprintf(c.out, "  %s\n", id)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(c.out, "Error: %s\n", e)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
