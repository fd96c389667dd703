package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookherd/internal/config"
	"github.com/jackzampolin/bookherd/internal/home"
	"github.com/jackzampolin/bookherd/internal/oracle"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/supervisor"
	"github.com/jackzampolin/bookherd/internal/target"
)

var (
	superInterval  time.Duration
	superThreshold time.Duration
	superLLM       bool
	superDryRun    bool
	superDevice    string
)

var superviseCmd = &cobra.Command{
	Use:   "supervise <library-path>",
	Short: "Monitor and heal the worker fleet",
	Long: `Run the supervisor: every check interval it reads worker progress
files and logs, detects stuck workers, restarts dead shards, applies
bounded fixes (restart, config change, validated code patch) and scales
the fleet against disk-I/O pressure.

The supervisor launches workers with this binary's own "worker" command.
With --llm-enabled, stuck-worker diagnostics are sent to the advisory
oracle; its recommendations are validated and capped, and a fallback rule
(saturated disk + stuck worker = scale down) applies without it.

Example:
  bookherd supervise /mnt/library --llm-enabled --threshold 5m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()
		libraryDir := args[0]

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfg := cm.Get()

		store, err := progress.NewStore(h.ProgressDir())
		if err != nil {
			return err
		}
		hist, err := supervisor.LoadHistory(h.FixHistoryPath())
		if err != nil {
			return err
		}

		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own binary for worker launches: %w", err)
		}
		launcher := &supervisor.ExecLauncher{
			Binary: binary,
			BaseArgs: []string{
				"worker", libraryDir,
				"--shard-count", fmt.Sprint(cfg.Supervisor.MaxWorkers),
			},
			Home:   h,
			Logger: logger,
		}

		var an supervisor.Analyzer
		llm := superLLM || cfg.Supervisor.LLMEnabled
		if llm {
			an = oracle.NewClient(oracle.Config{
				APIKey: config.ResolveEnvVars(cfg.Supervisor.OracleAPIKey),
				Model:  cfg.Supervisor.OracleModel,
				Logger: logger,
			})
		}

		device := superDevice
		if device == "" {
			device = cfg.Supervisor.DiskDevice
		}

		supCfg := supervisor.Config{
			CheckInterval:   superInterval,
			StuckThreshold:  superThreshold,
			Cooldown:        cfg.Supervisor.Cooldown,
			MaxFixAttempts:  cfg.Supervisor.MaxFixAttempts,
			MinWorkers:      cfg.Supervisor.MinWorkers,
			TargetWorkers:   cfg.Supervisor.TargetWorkers,
			MaxWorkers:      cfg.Supervisor.MaxWorkers,
			DiskDevice:      device,
			LLMEnabled:      llm,
			EnableCodeFixes: cfg.Supervisor.EnableCodeFixes,
			PatchTargetFile: cfg.Supervisor.PatchTargetFile,
			DryRun:          superDryRun,
		}

		sup := supervisor.New(supCfg, h, store, hist, launcher, an, logger)

		// Target container logs enrich stuck-worker diagnostics when the
		// deployment names one.
		if cfg.Target.Container != "" {
			check, err := target.NewContainerCheck(cfg.Target.Container, cfg.Target.APIURL)
			if err != nil {
				logger.Warn("docker unavailable, diagnostics will omit target logs", "error", err)
			} else {
				defer check.Close()
				sup.SetTargetLogTailer(check)
			}
		}

		// Threshold changes apply on the next cycle after a config edit.
		cm.WatchConfig()

		return sup.Run(ctx)
	},
}

func init() {
	superviseCmd.Flags().DurationVar(&superInterval, "check-interval", supervisor.DefaultCheckInterval, "time between check cycles")
	superviseCmd.Flags().DurationVar(&superThreshold, "threshold", supervisor.DefaultStuckThreshold, "time without uploads before a worker is stuck")
	superviseCmd.Flags().BoolVar(&superLLM, "llm-enabled", false, "consult the advisory oracle for stuck workers")
	superviseCmd.Flags().BoolVar(&superDryRun, "dry-run", false, "log intended actions without executing them")
	superviseCmd.Flags().StringVar(&superDevice, "disk-device", "", "block device backing the library (for scaling)")

	rootCmd.AddCommand(superviseCmd)
}
