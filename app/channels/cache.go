package channels

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type ConfigCache struct {
	channelsDir string
	cache       map[string]*Config
	mu          sync.RWMutex
}

func NewConfigCache(channelsDir string) *ConfigCache {
	return &ConfigCache{
		channelsDir: channelsDir,
		cache:       make(map[string]*Config),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.channelsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.channelsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yml")

		config, err := cc.LoadConfig(name)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Channel configuration loaded", "channel", name, "enabled", config.Settings.Enabled, "priority", config.Settings.DownloadPriority)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(name string) (*Config, error) {
	configFile := filepath.Join(cc.channelsDir, name+".yml")

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.Name = name

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[config.Name] = &config

	return &config, nil
}

func (cc *ConfigCache) GetConfig(name string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	config, ok := cc.cache[name]
	if !ok {
		return nil, fmt.Errorf("channel config with name '%s' not found", name)
	}
	return config, nil
}

// GetConfigByChannelID finds the config for a platform channel ID.
func (cc *ConfigCache) GetConfigByChannelID(channelID int64) (*Config, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	for _, config := range cc.cache {
		if config.Channel.ID == channelID {
			return config, true
		}
	}
	return nil, false
}

func (cc *ConfigCache) GetConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configs := make([]*Config, 0, len(cc.cache))
	for _, config := range cc.cache {
		configs = append(configs, config)
	}
	return configs
}

func (cc *ConfigCache) GetEnabledConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configs := make([]*Config, 0, len(cc.cache))
	for _, config := range cc.cache {
		if config.Settings.Enabled {
			configs = append(configs, config)
		}
	}
	return configs
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func validateConfig(config *Config) error {
	if config.Channel.ID == 0 {
		return fmt.Errorf("channel id is required")
	}
	if config.Settings.DuplicateThreshold < 0 || config.Settings.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate_threshold must be within [0, 1]")
	}
	if config.Settings.TextThreshold < 0 || config.Settings.TextThreshold > 1 {
		return fmt.Errorf("text_threshold must be within [0, 1]")
	}
	return nil
}
