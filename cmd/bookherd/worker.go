package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookherd/internal/catalog"
	"github.com/jackzampolin/bookherd/internal/config"
	"github.com/jackzampolin/bookherd/internal/dedup"
	"github.com/jackzampolin/bookherd/internal/home"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
	"github.com/jackzampolin/bookherd/internal/uploader"
	"github.com/jackzampolin/bookherd/internal/worker"
)

var (
	workerShardID    int
	workerShardCount int
	workerLastKey    int64
	workerBatchSize  int
	workerParallel   int
	workerSymlinks   bool
	workerLimit      int
)

var workerCmd = &cobra.Command{
	Use:   "worker <library-path>",
	Short: "Migrate one shard of the source catalog",
	Long: `Run a single migration worker owning one shard of the catalog.

The worker resumes from its progress file; pass --last-key only to force a
different starting checkpoint. Multiple workers cooperate through progress
files and the target's fingerprint set, so each shard id must run at most
once at a time.

Examples:
  bookherd worker /mnt/library --shard-id 0 --shard-count 4
  bookherd worker /mnt/library --shard-id 2 --shard-count 4 --parallel-uploads 3 --use-symlinks`,
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

		if workerParallel < 1 || workerParallel > worker.MaxParallelUploads {
			return fmt.Errorf("--parallel-uploads must be in [1..%d]", worker.MaxParallelUploads)
		}

		cat, err := catalog.Open(libraryDir)
		if err != nil {
			return err
		}
		defer cat.Close()
		if err := cat.Ping(ctx); err != nil {
			return fmt.Errorf("source catalog unreadable: %w", err)
		}

		client := target.NewClient(target.Config{
			APIURL:        cfg.Target.APIURL,
			WSURL:         cfg.Target.WSURL,
			Username:      config.ResolveEnvVars(cfg.Target.Username),
			Password:      config.ResolveEnvVars(cfg.Target.Password),
			MaxUploadSize: int64(cfg.Target.MaxUploadSizeMB) << 20,
			Logger:        logger,
		})

		// Fatal preconditions: the target must be reachable and, when a
		// container is named, actually running with the right mounts.
		if cfg.Target.Container != "" {
			check, err := target.NewContainerCheck(cfg.Target.Container, cfg.Target.APIURL)
			if err != nil {
				return err
			}
			defer check.Close()
			if workerSymlinks || cfg.Worker.UseSymlinks {
				check.LibraryMount = cfg.Target.LibraryMount
			}
			if err := check.Verify(ctx, 30*time.Second); err != nil {
				return err
			}
		}
		if err := client.Login(ctx); err != nil {
			return err
		}

		store, err := progress.NewStore(h.ProgressDir())
		if err != nil {
			return err
		}

		extractor := metadata.NewExtractor(cfg.Worker.EbookMetaPath, logger)
		extractor.DefaultLanguage = cfg.Worker.DefaultLanguage

		batchSize := cfg.Worker.BatchSize
		if workerBatchSize > 0 {
			batchSize = workerBatchSize
		}

		mount := ""
		if workerSymlinks || cfg.Worker.UseSymlinks {
			mount = cfg.Target.LibraryMount
			if mount == "" {
				return fmt.Errorf("symlink mode needs target.library_mount configured")
			}
		}

		w, err := worker.New(worker.Config{
			ShardID:            workerShardID,
			ShardCount:         workerShardCount,
			LibraryDir:         libraryDir,
			TargetLibraryMount: mount,
			BatchSize:          batchSize,
			ParallelUploads:    workerParallel,
			SkipAheadStride:    cfg.Worker.SkipAheadStride,
			Limit:              workerLimit,
			LastKeyOverride:    workerLastKey,
			Source:             cat,
			Service:            client,
			Uploader: uploader.New(uploader.Config{
				Service:  client,
				Precheck: cfg.Worker.PrecheckExists,
				Logger:   logger,
			}),
			Cache: dedup.NewCache(dedup.Config{
				RefreshCount:    cfg.Worker.DedupRefreshCount,
				RefreshInterval: cfg.Worker.DedupRefreshInterval,
				Logger:          logger,
			}),
			Store:     store,
			Extractor: extractor,
			Logger:    logger,
		})
		if err != nil {
			return err
		}

		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerShardID, "shard-id", 0, "this worker's shard id")
	workerCmd.Flags().IntVar(&workerShardCount, "shard-count", 1, "total number of shards")
	workerCmd.Flags().Int64Var(&workerLastKey, "last-key", -1, "override the starting catalog key (default: resume from progress)")
	workerCmd.Flags().IntVar(&workerBatchSize, "batch-size", 0, "records per discovery batch (default from config)")
	workerCmd.Flags().IntVar(&workerParallel, "parallel-uploads", 1, "concurrent uploads (1-10)")
	workerCmd.Flags().BoolVar(&workerSymlinks, "use-symlinks", false, "upload by path reference instead of transferring bytes")
	workerCmd.Flags().IntVar(&workerLimit, "limit", 0, "max records this invocation (0 = unlimited)")

	rootCmd.AddCommand(workerCmd)
}
