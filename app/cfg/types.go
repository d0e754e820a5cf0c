package cfg

type Cfg struct {
	// Database configuration
	DBPath string

	// Storage layout
	DownloadDir string
	TempDir     string
	ChannelsDir string

	// Application configuration
	Port              string
	WorkerCount       int
	SchedulerInterval int
	APIAccessKey      string

	// Download control
	MaxConcurrentDownloads int
	FetchRatePerSecond     float64
	RetryBatchSize         int

	// Deduplication control
	EnableHashDedup    bool
	EnableFeatureDedup bool
	HashAlgorithm      string
	DuplicateThreshold float64
	ReviewThreshold    float64
	ImageThreshold     float64
	VideoThreshold     float64
	TextThreshold      float64
	DedupBatchSize     int

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
