package channels

// Config is one monitored channel, loaded from a yaml file in the channels
// directory. The file name (without extension) becomes the config name.
type Config struct {
	Name    string        `yaml:"-"`
	Channel ConfigChannel `yaml:"channel"`

	Settings ConfigSettings `yaml:"settings"`
}

type ConfigChannel struct {
	ID    int64  `yaml:"id"`
	Title string `yaml:"title"`
}

type ConfigSettings struct {
	Enabled          bool `yaml:"enabled"`
	DownloadPriority int  `yaml:"download_priority"`

	// Per-channel overrides; zero means use the global value.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	TextThreshold      float64 `yaml:"text_threshold"`
}
