// Command mediadl is the operator CLI for the session store: listing,
// resuming, repairing, validating, exporting and cleaning up scraping
// sessions, plus importing legacy JSON session files.
//
// Reports go to stdout as JSON; logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediadl/config"
	"mediadl/dbpool"
	"mediadl/legacy"
	"mediadl/recovery"
	"mediadl/state"
)

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "mediadl",
		Short:         "session store operations for media downloads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		sessionsCmd(),
		resumeCmd(),
		repairCmd(),
		checkCmd(),
		validateCmd(),
		exportCmd(),
		cleanupCmd(),
		migrateCmd(),
		statsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env assembles the shared runtime: config, logger, pool, manager.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *dbpool.Pool
	mgr    *state.Manager
}

func setup() (*env, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", flagLogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.LoadFile(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	dbPath := cfg.Database.Path
	if flagDB != "" {
		dbPath = flagDB
	}

	pool, err := dbpool.New(dbPath,
		dbpool.WithMkdirAll(),
		dbpool.WithMaxConns(cfg.Database.MaxConns),
		dbpool.WithAcquireTimeout(cfg.Database.AcquireTimeout),
		dbpool.WithBusyTimeout(cfg.Database.BusyTimeoutMs),
		dbpool.WithCacheSize(cfg.Database.CacheSize),
		dbpool.WithSchema(state.Schema),
	)
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		mgr:    state.NewManager(pool, state.WithLogger(logger)),
	}, nil
}

func (e *env) close() {
	if err := e.pool.Close(); err != nil {
		e.logger.Warn("closing pool", "error", err)
	}
}

func (e *env) recovery(policy recovery.ChecksumPolicy) *recovery.Recovery {
	return recovery.New(e.mgr, e.pool,
		recovery.WithLogger(e.logger),
		recovery.WithChecksumPolicy(policy))
}

// emit writes a result document to stdout.
func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sessionsCmd() *cobra.Command {
	var status, targetType string
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "list sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			sessions, err := e.mgr.ListSessions(cmd.Context(), state.ListOptions{
				Status: status, TargetType: targetType, Limit: limit,
			})
			if err != nil {
				return err
			}
			return emit(sessions)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&targetType, "target-type", "", "filter by target type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}

func resumeCmd() *cobra.Command {
	var list bool
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "resume an interrupted session, or list resumable ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			rec := e.recovery(recovery.ReportOnly)

			if list || len(args) == 0 {
				found, err := rec.FindResumableSessions(cmd.Context(), maxAgeDays)
				if err != nil {
					return err
				}
				return emit(found)
			}
			report, err := rec.ResumeSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list resumable sessions instead of resuming")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 7, "ignore sessions older than this")
	return cmd
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair <session-id>",
		Short: "detect and fix inconsistencies in one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			report, err := e.recovery(recovery.ReportOnly).RepairSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "run database and referential integrity checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			report, err := e.mgr.CheckIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if err := emit(report); err != nil {
				return err
			}
			if !report.DatabaseOK {
				return fmt.Errorf("integrity check found %d issues", len(report.Issues))
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	var markFailed bool
	cmd := &cobra.Command{
		Use:   "validate <session-id>",
		Short: "verify downloaded files against the session's records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			policy := recovery.ReportOnly
			if markFailed {
				policy = recovery.MarkFailed
			}
			report, err := e.recovery(policy).ValidateFileIntegrity(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
	cmd.Flags().BoolVar(&markFailed, "mark-failed", false,
		"also mark checksum mismatches as failed (missing files always are)")
	return cmd
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "export the full session snapshot to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			if out == "" {
				out = args[0] + "_export.json"
			}
			report, err := e.recovery(recovery.ReportOnly).ExportSessionData(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default <session-id>_export.json)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "delete finished sessions older than the threshold",
		Long: "Delete completed and failed sessions older than the threshold.\n" +
			"Downloaded files are left on disk; only session bookkeeping is removed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			report, err := e.recovery(recovery.ReportOnly).CleanupAbandonedSessions(cmd.Context(), days)
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age threshold in days")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <dir>",
		Short: "import legacy JSON session files from a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			mig := legacy.New(e.mgr, e.cfg, legacy.WithLogger(e.logger))
			report, err := mig.MigrateAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(report)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session-id>",
		Short: "show a session's remaining work and statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()
			rs, err := e.mgr.ResumeState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(rs)
		},
	}
}
