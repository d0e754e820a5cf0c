package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBPath string `long:"db-path" env:"DB_PATH" default:"./data/caijibot.db" description:"Path to the SQLite database file"`

	// Storage layout
	DownloadDir string `long:"download-dir" env:"DOWNLOAD_DIR" default:"./downloads" description:"Root directory for organized downloads"`
	TempDir     string `long:"temp-dir" env:"TEMP_DIR" default:"./downloads/.tmp" description:"Directory for in-flight transfers"`
	ChannelsDir string `long:"channels-dir" env:"CHANNELS_DIR" default:"./channels" description:"Directory containing channel configuration files"`

	// Application configuration
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Number of background workers for scheduled tasks"`
	SchedulerInterval int    `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"60" description:"Scheduler interval in seconds"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Download control
	MaxConcurrentDownloads int     `long:"max-concurrent-downloads" env:"MAX_CONCURRENT_DOWNLOADS" default:"3" description:"Maximum number of transfers in flight"`
	FetchRatePerSecond     float64 `long:"fetch-rate" env:"FETCH_RATE" default:"2" description:"Maximum platform fetch dispatches per second"`
	RetryBatchSize         int     `long:"retry-batch-size" env:"RETRY_BATCH_SIZE" default:"50" description:"Maximum failed downloads requeued per retry request"`

	// Deduplication control
	DisableHashDedup    bool    `long:"disable-hash-dedup" env:"DISABLE_HASH_DEDUP" description:"Disable content-digest deduplication"`
	DisableFeatureDedup bool    `long:"disable-feature-dedup" env:"DISABLE_FEATURE_DEDUP" description:"Disable perceptual deduplication"`
	HashAlgorithm       string  `long:"hash-algorithm" env:"HASH_ALGORITHM" default:"sha256" description:"Digest algorithm (md5, sha1, sha256)"`
	DuplicateThreshold  float64 `long:"duplicate-threshold" env:"DUPLICATE_THRESHOLD" default:"0.95" description:"Metadata similarity above which fetch is skipped"`
	ReviewThreshold     float64 `long:"review-threshold" env:"REVIEW_THRESHOLD" default:"0.85" description:"Metadata similarity above which an item is flagged for review"`
	ImageThreshold      float64 `long:"image-threshold" env:"IMAGE_THRESHOLD" default:"0.9" description:"Perceptual image similarity threshold"`
	VideoThreshold      float64 `long:"video-threshold" env:"VIDEO_THRESHOLD" default:"0.85" description:"Perceptual video similarity threshold"`
	TextThreshold       float64 `long:"text-threshold" env:"TEXT_THRESHOLD" default:"0.8" description:"Jaccard text similarity threshold"`
	DedupBatchSize      int     `long:"dedup-batch-size" env:"DEDUP_BATCH_SIZE" default:"100" description:"Items processed per deduplication batch"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	raw := rawCfg{}

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:                 raw.DBPath,
		DownloadDir:            raw.DownloadDir,
		TempDir:                raw.TempDir,
		ChannelsDir:            raw.ChannelsDir,
		Port:                   raw.Port,
		WorkerCount:            raw.WorkerCount,
		SchedulerInterval:      raw.SchedulerInterval,
		APIAccessKey:           raw.APIAccessKey,
		MaxConcurrentDownloads: raw.MaxConcurrentDownloads,
		FetchRatePerSecond:     raw.FetchRatePerSecond,
		RetryBatchSize:         raw.RetryBatchSize,
		EnableHashDedup:        !raw.DisableHashDedup,
		EnableFeatureDedup:     !raw.DisableFeatureDedup,
		HashAlgorithm:          raw.HashAlgorithm,
		DuplicateThreshold:     raw.DuplicateThreshold,
		ReviewThreshold:        raw.ReviewThreshold,
		ImageThreshold:         raw.ImageThreshold,
		VideoThreshold:         raw.VideoThreshold,
		TextThreshold:          raw.TextThreshold,
		DedupBatchSize:         raw.DedupBatchSize,
		Timezone:               raw.Timezone,
		Debug:                  raw.Debug,
		Version:                GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// Set installs a configuration without parsing flags. Used by tests.
func Set(c *Cfg) {
	globalCfg = c
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
