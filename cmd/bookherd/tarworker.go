package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookherd/internal/archive"
	"github.com/jackzampolin/bookherd/internal/config"
	"github.com/jackzampolin/bookherd/internal/dedup"
	"github.com/jackzampolin/bookherd/internal/home"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
	"github.com/jackzampolin/bookherd/internal/uploader"
)

var (
	tarShardID    int
	tarShardCount int
	tarParallel   int
)

var tarWorkerCmd = &cobra.Command{
	Use:   "tar-worker <tar-dir>",
	Short: "Migrate an assigned set of tar bundles",
	Long: `Run an archive-mode worker over the tar files in a directory.

Assignment is by position: of the tars sorted by name, this worker takes
those whose index is congruent to its shard id modulo the shard count.
Extraction folders surviving from earlier runs are reused, and when the
assigned list is done the worker claims archives orphaned by dead peers.

Example:
  bookherd tar-worker /mnt/bundles --shard-id 1 --shard-count 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()
		tarDir := args[0]

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

		tars, err := filepath.Glob(filepath.Join(tarDir, "*.tar"))
		if err != nil {
			return err
		}
		if len(tars) == 0 {
			return fmt.Errorf("no tar files under %s", tarDir)
		}
		sort.Strings(tars)

		var assigned []string
		for i, t := range tars {
			if tarShardCount <= 1 || i%tarShardCount == tarShardID {
				assigned = append(assigned, t)
			}
		}
		logger.Info("archive assignment", "total", len(tars), "assigned", len(assigned))

		client := target.NewClient(target.Config{
			APIURL:        cfg.Target.APIURL,
			WSURL:         cfg.Target.WSURL,
			Username:      config.ResolveEnvVars(cfg.Target.Username),
			Password:      config.ResolveEnvVars(cfg.Target.Password),
			MaxUploadSize: int64(cfg.Target.MaxUploadSizeMB) << 20,
			Logger:        logger,
		})
		if err := client.Login(ctx); err != nil {
			return err
		}

		store, err := progress.NewStore(h.ProgressDir())
		if err != nil {
			return err
		}

		extractor := metadata.NewExtractor(cfg.Worker.EbookMetaPath, logger)
		extractor.DefaultLanguage = cfg.Worker.DefaultLanguage

		w, err := archive.New(archive.Config{
			ShardID:         tarShardID,
			ShardCount:      tarShardCount,
			Archives:        assigned,
			StagingDir:      h.StagingDir(),
			ParallelUploads: tarParallel,
			Service:         client,
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
	tarWorkerCmd.Flags().IntVar(&tarShardID, "shard-id", 0, "this worker's shard id")
	tarWorkerCmd.Flags().IntVar(&tarShardCount, "shard-count", 1, "total number of archive workers")
	tarWorkerCmd.Flags().IntVar(&tarParallel, "parallel-uploads", 1, "concurrent uploads (1-10)")

	rootCmd.AddCommand(tarWorkerCmd)
}
