package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/config"
	"github.com/peteski22/adsmirror/internal/conflict"
	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/logging"
	mirror "github.com/peteski22/adsmirror/internal/sync"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logFile    string
}

// runFlags holds the flags of the run command.
type runFlags struct {
	batchSize        int
	conflictPolicy   string
	customerID       string
	dryRun           bool
	entityIDs        []string
	entityTypes      []string
	fields           map[string]string
	historicalWindow time.Duration
	interval         time.Duration
	maxRetries       int
	metricsAddr      string
	parallel         bool
	retryDelay       time.Duration
	syncType         string
	timeout          time.Duration
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "adsmirror",
		Short:         "Mirror Google Ads account entities into a local snapshot store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to the config file (default ~/.adsmirror/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Also write logs to this file, rotated by size")

	cmd.AddCommand(initCmd())
	cmd.AddCommand(authCmd(g))
	cmd.AddCommand(runCmd(g))
	cmd.AddCommand(conflictsCmd(g))

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a sample config file in ~/.adsmirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout())
		},
	}
}

func authCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize adsmirror to read your Google Ads accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runAuth(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func runCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sync job and print its final status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			syncCfg, err := f.syncConfig(cfg)
			if err != nil {
				return err
			}

			logger := g.logger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			a, err := newLocalApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			status, err := runWithMetrics(cmd.Context(), a, syncCfg, f.metricsAddr)
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if status.Status == mirror.StatusFailed {
				return fmt.Errorf("sync job %s failed: %s", status.ID, status.LastError)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.customerID, "customer", "", "Customer ID to sync (default from config)")
	flags.StringVar(&f.syncType, "sync-type", string(mirror.SyncIncremental), "full, incremental, delta, selective or real_time")
	flags.StringSliceVar(&f.entityTypes, "entity-types", nil, "Entity types to sync (default all)")
	flags.StringVar(&f.conflictPolicy, "conflict-policy", string(conflict.PolicyTimestampBased), "How concurrent edits are settled")
	flags.BoolVar(&f.dryRun, "dry-run", false, "Log store writes instead of applying them")
	flags.BoolVar(&f.parallel, "parallel", false, "Sync entity types concurrently")
	flags.IntVar(&f.maxRetries, "max-retries", 2, "Retries after a failed attempt")
	flags.DurationVar(&f.retryDelay, "retry-delay", 0, "Pause between attempts (default 5s)")
	flags.IntVar(&f.batchSize, "batch-size", 0, "Entities per page and store write (default 100)")
	flags.DurationVar(&f.interval, "interval", 0, "Polling interval of real_time syncs (default 5m)")
	flags.DurationVar(&f.timeout, "timeout", 0, "Bound on the whole job (default 1h)")
	flags.DurationVar(&f.historicalWindow, "historical-window", 0, "How far back the first incremental sync reaches (default 720h)")
	flags.StringSliceVar(&f.entityIDs, "ids", nil, "Selective sync: entity IDs to include")
	flags.StringToStringVar(&f.fields, "field", nil, "Selective sync: field=value conditions")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while syncing")

	return cmd
}

func conflictsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and settle conflicts queued for manual review",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.localApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			items, err := a.orchestrator.PendingConflicts(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing conflicts: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	})

	var customerID, entityType, entityID, policy string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Settle a queued conflict with a policy and apply the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := entity.ParseType(entityType)
			if err != nil {
				return err
			}
			p, err := conflict.ParsePolicy(policy)
			if err != nil {
				return err
			}

			a, err := g.localApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if customerID == "" {
				customerID = a.customerID
			}

			resolved, err := a.orchestrator.ResolveConflict(cmd.Context(), customerID, t, entityID, p)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resolved)
		},
	}
	resolve.Flags().StringVar(&customerID, "customer", "", "Customer ID (default from config)")
	resolve.Flags().StringVar(&entityType, "entity-type", "", "Entity type of the conflict")
	resolve.Flags().StringVar(&entityID, "entity-id", "", "Entity ID of the conflict")
	resolve.Flags().StringVar(&policy, "policy", string(conflict.PolicyRemoteWins), "remote_wins, local_wins, merge or timestamp_based")
	_ = resolve.MarkFlagRequired("entity-type")
	_ = resolve.MarkFlagRequired("entity-id")
	cmd.AddCommand(resolve)

	return cmd
}

// loadConfig reads the config file named by --config, or the default one.
func (g *globalFlags) loadConfig() (*config.LocalConfig, error) {
	if g.configPath != "" {
		return config.LoadLocalFile(g.configPath)
	}
	return config.LoadLocal()
}

func (g *globalFlags) logger(cfg config.Log) *zap.Logger {
	opts := []logging.Option{
		logging.WithLevel(cfg.Level),
		logging.WithFormat(cfg.Format),
	}
	if g.logFile != "" {
		opts = append(opts, logging.WithFile(g.logFile, 10, 5))
	}
	return logging.New(opts...)
}

// localApp loads the config and wires the local stores for commands that only need the
// orchestrator's review operations.
func (g *globalFlags) localApp(cmd *cobra.Command) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := newLocalApp(cmd.Context(), cfg, g.logger(cfg.Log))
	if err != nil {
		return nil, err
	}
	a.customerID = cfg.GoogleAds.CustomerID
	return a, nil
}

// syncConfig turns the flags into a job configuration, filling gaps from cfg.
func (f *runFlags) syncConfig(cfg *config.LocalConfig) (mirror.SyncConfig, error) {
	var errs []error

	syncType, err := mirror.ParseSyncType(f.syncType)
	if err != nil {
		errs = append(errs, err)
	}
	policy, err := conflict.ParsePolicy(f.conflictPolicy)
	if err != nil {
		errs = append(errs, err)
	}

	types := entity.Types
	if len(f.entityTypes) > 0 {
		types = make([]entity.Type, 0, len(f.entityTypes))
		for _, s := range f.entityTypes {
			t, err := entity.ParseType(s)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			types = append(types, t)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return mirror.SyncConfig{}, err
	}

	customerID := strings.TrimSpace(f.customerID)
	if customerID == "" {
		customerID = cfg.GoogleAds.CustomerID
	}

	sc := mirror.SyncConfig{
		BatchSize:          f.batchSize,
		ConflictPolicy:     policy,
		CustomerID:         customerID,
		DryRun:             f.dryRun,
		EntityTypes:        types,
		HistoricalWindow:   f.historicalWindow,
		MaxRetries:         f.maxRetries,
		ParallelProcessing: f.parallel,
		RetryDelay:         f.retryDelay,
		SyncInterval:       f.interval,
		SyncType:           syncType,
		Timeout:            f.timeout,
		Workers:            cfg.Sync.Workers,
	}

	if len(f.entityIDs) > 0 || len(f.fields) > 0 {
		filter := &mirror.Filter{EntityIDs: f.entityIDs}
		if len(f.fields) > 0 {
			filter.Fields = make(map[string]any, len(f.fields))
			for k, v := range f.fields {
				filter.Fields[k] = v
			}
		}
		sc.Filter = filter
	}

	return sc, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
