package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/ngstream/fetch"
	"github.com/janelia-flyem/ngstream/ngstream"
	"github.com/janelia-flyem/ngstream/stream"
)

const (
	// DefaultWebAddress is the default address of the console HTTP server.
	DefaultWebAddress = "localhost:8000"

	// DefaultFetchTimeout is the per-request timeout when the config has none.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultInfoCacheSize bounds the serialized metadata cache.
	DefaultInfoCacheSize = 64 * ngstream.Mega
)

// tomlConfig is the daemon configuration loaded from the TOML file passed to
// the serve command.
type tomlConfig struct {
	Server  serverConfig
	Logging ngstream.LogConfig
	Cache   cacheConfig
	Fetch   fetchConfig
	Kafka   kafkaConfig
	Auth    authConfig
	Dataset []datasetConfig
}

type serverConfig struct {
	HTTPAddress   string `toml:"httpAddress"`
	ShutdownDelay int    `toml:"shutdownDelay"` // seconds to drain before exit
}

type cacheConfig struct {
	MemoryBudget  string `toml:"memory_budget"` // e.g. "1 GB"; humanized
	DiskPath      string `toml:"disk_path"`     // empty disables the spill cache
	InfoCacheSize string `toml:"info_cache_size"`
}

type fetchConfig struct {
	TimeoutSecs     int   `toml:"timeout_secs"`
	GlobalSlots     int64 `toml:"global_slots"`
	SourceSlots     int64 `toml:"source_slots"`
	MaxAttempts     int   `toml:"max_attempts"`
	RetryDelayMsecs int   `toml:"retry_delay_msecs"`
}

type kafkaConfig struct {
	Topic   string   `toml:"topic"`
	Servers []string `toml:"servers"`
}

// authConfig holds shared credentials keyed by name, each a
// [auth.credentials.<key>] block.
type authConfig struct {
	Credentials map[string]credentialConfig
}

type credentialConfig struct {
	Server       string `toml:"server"`         // auth server identity
	Token        string `toml:"token"`          // static bearer token
	TokenEnvFile string `toml:"token_env_file"` // env var naming a token file
}

// datasetConfig is one [[dataset]] block naming a dataset to open at startup.
type datasetConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"` // backend://mirror[|mirror...][?auth params]
}

// loadConfig reads the TOML config, making relative paths absolute with
// respect to the config file's directory.
func loadConfig(path string) (*tomlConfig, error) {
	var config tomlConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("could not decode TOML config %q: %v", path, err)
	}
	configDir := filepath.Dir(path)
	if config.Logging.Logfile != "" && !filepath.IsAbs(config.Logging.Logfile) {
		config.Logging.Logfile = filepath.Join(configDir, config.Logging.Logfile)
	}
	if config.Cache.DiskPath != "" && !filepath.IsAbs(config.Cache.DiskPath) {
		config.Cache.DiskPath = filepath.Join(configDir, config.Cache.DiskPath)
	}
	if config.Server.HTTPAddress == "" {
		config.Server.HTTPAddress = DefaultWebAddress
	}
	return &config, nil
}

// memoryBudget parses the humanized budget string, e.g., "512 MB".
func (c *tomlConfig) memoryBudget() (int64, error) {
	if c.Cache.MemoryBudget == "" {
		return 0, nil // manager default
	}
	budget, err := humanize.ParseBytes(c.Cache.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("bad [cache] memory_budget %q: %v", c.Cache.MemoryBudget, err)
	}
	return int64(budget), nil
}

// infoCacheSize parses the humanized metadata cache size.
func (c *tomlConfig) infoCacheSize() (int, error) {
	if c.Cache.InfoCacheSize == "" {
		return DefaultInfoCacheSize, nil
	}
	numBytes, err := humanize.ParseBytes(c.Cache.InfoCacheSize)
	if err != nil {
		return 0, fmt.Errorf("bad [cache] info_cache_size %q: %v", c.Cache.InfoCacheSize, err)
	}
	return int(numBytes), nil
}

// fetchTimeout returns the per-request fetch timeout.
func (c *tomlConfig) fetchTimeout() time.Duration {
	if c.Fetch.TimeoutSecs <= 0 {
		return DefaultFetchTimeout
	}
	return time.Duration(c.Fetch.TimeoutSecs) * time.Second
}

// streamConfig assembles the chunk manager configuration, leaving zero
// values for the manager defaults.
func (c *tomlConfig) streamConfig() (stream.Config, error) {
	budget, err := c.memoryBudget()
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		GlobalFetchSlots: c.Fetch.GlobalSlots,
		SourceFetchSlots: c.Fetch.SourceSlots,
		MemoryBudget:     budget,
		MaxAttempts:      c.Fetch.MaxAttempts,
		RetryDelay:       time.Duration(c.Fetch.RetryDelayMsecs) * time.Millisecond,
	}, nil
}

// credentialsRegistry builds the shared credential registry from the
// [auth.credentials.*] blocks.
func (c *tomlConfig) credentialsRegistry() (*fetch.Registry, error) {
	registry := fetch.NewRegistry()
	for key, cc := range c.Auth.Credentials {
		var tokenSource fetch.TokenSource
		switch {
		case cc.Token != "" && cc.TokenEnvFile != "":
			return nil, fmt.Errorf("credentials %q sets both token and token_env_file", key)
		case cc.Token != "":
			tokenSource = fetch.StaticToken(cc.Token)
		case cc.TokenEnvFile != "":
			tokenSource = fetch.EnvFileToken(cc.TokenEnvFile)
		default:
			return nil, fmt.Errorf("credentials %q needs token or token_env_file", key)
		}
		registry.Add(fetch.NewCredentials(key, cc.Server, tokenSource))
		ngstream.Infof("Registered credentials %q for auth server %q\n", key, cc.Server)
	}
	return registry, nil
}
