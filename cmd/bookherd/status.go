package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/bookherd/internal/catalog"
	"github.com/jackzampolin/bookherd/internal/config"
	"github.com/jackzampolin/bookherd/internal/home"
	"github.com/jackzampolin/bookherd/internal/progress"
)

// shardStatus is one worker's row in the status report.
type shardStatus struct {
	Shard          int    `json:"shard" yaml:"shard"`
	Status         string `json:"status" yaml:"status"`
	Alive          bool   `json:"alive" yaml:"alive"`
	LastKey        int64  `json:"last_processed_shard_key" yaml:"last_processed_shard_key"`
	Uploaded       int64  `json:"uploaded" yaml:"uploaded"`
	AlreadyPresent int64  `json:"already_present" yaml:"already_present"`
	Failed         int64  `json:"failed" yaml:"failed"`
	LastUpload     string `json:"last_upload,omitempty" yaml:"last_upload,omitempty"`
	CurrentArchive string `json:"current_archive,omitempty" yaml:"current_archive,omitempty"`
	ArchivesDone   int    `json:"archives_done,omitempty" yaml:"archives_done,omitempty"`
}

// fleetStatus is the full status document.
type fleetStatus struct {
	Workers       []shardStatus `json:"workers" yaml:"workers"`
	TotalUploaded int64         `json:"total_uploaded" yaml:"total_uploaded"`
	CatalogTotal  int64         `json:"catalog_total,omitempty" yaml:"catalog_total,omitempty"`
	PercentDone   string        `json:"percent_done,omitempty" yaml:"percent_done,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status [library-path]",
	Short: "Show fleet progress",
	Long: `Read every worker's progress file and print a fleet summary.
With a library path, the source catalog total is included for a completion
percentage.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		store, err := progress.NewStore(h.ProgressDir())
		if err != nil {
			return err
		}
		all, err := store.LoadAll()
		if err != nil {
			return err
		}

		var report fleetStatus
		shards := make([]int, 0, len(all))
		for s := range all {
			shards = append(shards, s)
		}
		sort.Ints(shards)

		for _, s := range shards {
			p := all[s]
			row := shardStatus{
				Shard:          s,
				Status:         string(p.Status),
				Alive:          progress.ProcessAlive(p.PID),
				LastKey:        p.LastProcessedKey,
				Uploaded:       p.TotalUploaded,
				AlreadyPresent: p.TotalAlreadyPresent,
				Failed:         p.TotalPermanentErrors,
				CurrentArchive: p.CurrentArchive,
				ArchivesDone:   len(p.CompletedArchives),
			}
			if p.LastUploadedAt != nil {
				row.LastUpload = humanize.Time(*p.LastUploadedAt)
			}
			report.Workers = append(report.Workers, row)
			report.TotalUploaded += p.TotalUploaded
		}

		if len(args) == 1 {
			if cat, err := catalog.Open(args[0]); err == nil {
				defer cat.Close()
				if total, err := cat.CountTotal(cmd.Context()); err == nil && total > 0 {
					report.CatalogTotal = total
					report.PercentDone = humanize.FtoaWithDigits(float64(report.TotalUploaded)/float64(total)*100, 1) + "%"
				}
			}
		}

		switch outputFormat {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		default:
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		if h.ConfigExists() {
			cmd.Printf("config already exists at %s\n", h.ConfigPath())
			return nil
		}
		if err := config.WriteDefault(h.ConfigPath()); err != nil {
			return err
		}
		cmd.Printf("wrote %s\n", h.ConfigPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
}
