package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds every runtime setting of the zapping controller: preload cache budgets,
// throughput probing, tier selection, failover timing, dead-channel watchdog timing,
// catalog source and the control API.
type Config struct {
	// preload cache
	PreloadLimit                  int   `json:"preloadLimit"`                  // Maximum preload cache entries
	MaxPreloadCache               int   `json:"maxPreloadCache"`               // Hard ceiling on preload entries
	MaxPreloadBytes               int64 `json:"maxPreloadBytes"`               // Byte budget across all preload entries
	MaxPreloadQualitiesPerChannel int   `json:"maxPreloadQualitiesPerChannel"` // Qualities pre-warmed per channel at full buffer health
	MaxConcurrentPreloads         int   `json:"maxConcurrentPreloads"`         // Channels ahead of the current one that get pre-warmed
	PreloadRangeBehind            int   `json:"preloadRangeBehind"`            // Channels behind the current one that get pre-warmed
	PreloadSampleBytes            int64 `json:"preloadSampleBytes"`            // Bytes a preload element fetches before it is fully ready
	PreloadOnZap                  bool  `json:"preloadOnZap"`                  // Pre-warm neighbours after every switch

	// quality
	ParallelStreams       int      `json:"parallelStreams"`       // Mirrors returned per quality by the source resolver
	QualityBlendLevels    int      `json:"qualityBlendLevels"`    // Quality labels considered per channel
	HighestQualityBlend   int      `json:"highestQualityBlend"`   // Qualities built on the last-resort path
	AutoQualityAdjust     bool     `json:"autoQualityAdjust"`     // Run the auto-quality cycle
	BufferHealthThreshold float64  `json:"bufferHealthThreshold"` // Seconds under which the stream counts as degraded
	DroppedFramesLimit    int      `json:"droppedFramesLimit"`    // Dropped frames above which the stream counts as heavy
	ConnectionCategory    string   `json:"connectionCategory"`    // Network class used for bandwidth caps
	AllowedTiers          []string `json:"allowedTiers"`          // Initial allowed tier keys (empty = all)

	// throughput
	ProbeBytes        int64   `json:"probeBytes"`        // Range probe size
	ThroughputAlpha   float64 `json:"throughputAlpha"`   // EWMA weight of the newest sample
	DefaultThroughput float64 `json:"defaultThroughput"` // Cold-start estimate in bytes/s
	LowThroughput     float64 `json:"lowThroughput"`     // bytes/s under which the stream counts as heavy
	ProbesPerSecond   int     `json:"probesPerSecond"`   // Rate limit on throughput probes
	PreloadsPerSecond int     `json:"preloadsPerSecond"` // Rate limit on preload element creation

	// timing
	HealInterval        time.Duration `json:"healInterval"`        // Quarantine length of a failed source
	FailoverMaxAttempts int           `json:"failoverMaxAttempts"` // Failures after which a source is abandoned
	MonitorInterval     time.Duration `json:"monitorInterval"`     // Buffer health sampling period
	MaintenanceInterval time.Duration `json:"maintenanceInterval"` // Periodic cache eviction
	StallCheckInterval  time.Duration `json:"stallCheckInterval"`  // Dead-channel watchdog tick
	StallsBeforeAdvance int           `json:"stallsBeforeAdvance"` // Stalls before the watchdog advances
	DeadChannelCooldown time.Duration `json:"deadChannelCooldown"` // Quarantine of a dead channel
	DeadChannelSweep    time.Duration `json:"deadChannelSweep"`    // Dead-channel expiry sweep period
	StreamTimeout       time.Duration `json:"streamTimeout"`       // Timeout for manifest and probe requests
	ManifestCacheTTL    time.Duration `json:"manifestCacheTTL"`    // How long decoded manifests are reused

	// history
	HistoryPath       string `json:"historyPath"`       // SQLite file; empty keeps history in memory
	HistoryLimit      int    `json:"historyLimit"`      // Entries kept in the watch log
	HistoryRankWindow int    `json:"historyRankWindow"` // Recent entries used for ranking
	TopFrequent       int    `json:"topFrequent"`       // Most-watched channels pre-warmed

	// infinity buffer
	InfinityBufferEnabled   bool    `json:"infinityBufferEnabled"`
	InfinityMaxSeconds      float64 `json:"infinityMaxSeconds"`
	InfinityDataBudgetBytes int64   `json:"infinityDataBudgetBytes"`

	// catalog and session
	CatalogSource string `json:"catalogSource"` // Path or URL of the channel list
	SessionToken  string `json:"sessionToken"`  // Bearer token for an authenticated catalog
	IncludeRegex  string `json:"includeRegex,omitempty"`
	ExcludeRegex  string `json:"excludeRegex,omitempty"`

	// process
	ListenAddr        string `json:"listenAddr"`
	AdminUser         string `json:"adminUser"`
	AdminPasswordHash string `json:"adminPasswordHash"` // bcrypt hash
	WorkerThreads     int    `json:"workerThreads"`
	UserAgent         string `json:"userAgent"`
	ReqOrigin         string `json:"reqOrigin"`
	ReqReferrer       string `json:"reqReferrer"`
	Debug             bool   `json:"debug"`
	ObfuscateUrls     bool   `json:"obfuscateUrls"`
	LogLevel          string `json:"logLevel"`
}

// ConfigFile represents the JSON file structure. Duration fields are strings
// (e.g. "25s") that are parsed into time.Duration values.
type ConfigFile struct {
	PreloadLimit                  int      `json:"preloadLimit"`
	MaxPreloadCache               int      `json:"maxPreloadCache"`
	MaxPreloadBytes               int64    `json:"maxPreloadBytes"`
	MaxPreloadQualitiesPerChannel int      `json:"maxPreloadQualitiesPerChannel"`
	MaxConcurrentPreloads         int      `json:"maxConcurrentPreloads"`
	PreloadRangeBehind            int      `json:"preloadRangeBehind"`
	PreloadSampleBytes            int64    `json:"preloadSampleBytes"`
	PreloadOnZap                  *bool    `json:"preloadOnZap"`
	ParallelStreams               int      `json:"parallelStreams"`
	QualityBlendLevels            int      `json:"qualityBlendLevels"`
	HighestQualityBlend           int      `json:"highestQualityBlend"`
	AutoQualityAdjust             *bool    `json:"autoQualityAdjust"`
	BufferHealthThreshold         float64  `json:"bufferHealthThreshold"`
	DroppedFramesLimit            int      `json:"droppedFramesLimit"`
	ConnectionCategory            string   `json:"connectionCategory"`
	AllowedTiers                  []string `json:"allowedTiers"`
	ProbeBytes                    int64    `json:"probeBytes"`
	ThroughputAlpha               float64  `json:"throughputAlpha"`
	DefaultThroughput             float64  `json:"defaultThroughput"`
	LowThroughput                 float64  `json:"lowThroughput"`
	ProbesPerSecond               int      `json:"probesPerSecond"`
	PreloadsPerSecond             int      `json:"preloadsPerSecond"`
	HealInterval                  string   `json:"healInterval"`
	FailoverMaxAttempts           int      `json:"failoverMaxAttempts"`
	MonitorInterval               string   `json:"monitorInterval"`
	MaintenanceInterval           string   `json:"maintenanceInterval"`
	StallCheckInterval            string   `json:"stallCheckInterval"`
	StallsBeforeAdvance           int      `json:"stallsBeforeAdvance"`
	DeadChannelCooldown           string   `json:"deadChannelCooldown"`
	DeadChannelSweep              string   `json:"deadChannelSweep"`
	StreamTimeout                 string   `json:"streamTimeout"`
	ManifestCacheTTL              string   `json:"manifestCacheTTL"`
	HistoryPath                   string   `json:"historyPath"`
	HistoryLimit                  int      `json:"historyLimit"`
	HistoryRankWindow             int      `json:"historyRankWindow"`
	TopFrequent                   int      `json:"topFrequent"`
	InfinityBufferEnabled         bool     `json:"infinityBufferEnabled"`
	InfinityMaxSeconds            float64  `json:"infinityMaxSeconds"`
	InfinityDataBudgetBytes       int64    `json:"infinityDataBudgetBytes"`
	CatalogSource                 string   `json:"catalogSource"`
	SessionToken                  string   `json:"sessionToken"`
	IncludeRegex                  string   `json:"includeRegex,omitempty"`
	ExcludeRegex                  string   `json:"excludeRegex,omitempty"`
	ListenAddr                    string   `json:"listenAddr"`
	AdminUser                     string   `json:"adminUser"`
	AdminPasswordHash             string   `json:"adminPasswordHash"`
	WorkerThreads                 int      `json:"workerThreads"`
	UserAgent                     string   `json:"userAgent"`
	ReqOrigin                     string   `json:"reqOrigin"`
	ReqReferrer                   string   `json:"reqReferrer"`
	Debug                         bool     `json:"debug"`
	ObfuscateUrls                 bool     `json:"obfuscateUrls"`
	LogLevel                      string   `json:"logLevel"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is used when KPTV_ZAP_CONFIG is unset.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the path in KPTV_ZAP_CONFIG, else `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("KPTV_ZAP_CONFIG")
	if configPath == "" {
		configPath = DefaultPath
	}
	config, err := LoadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Catalog: %s", obfuscateURL(config.CatalogSource))
		log.Printf("  Preload limit: %d entries / %d bytes", config.PreloadLimit, config.MaxPreloadBytes)
		log.Printf("  Heal interval: %s, max attempts: %d", config.HealInterval, config.FailoverMaxAttempts)
		log.Printf("  Connection category: %s", config.ConnectionCategory)
		log.Printf("  History: %s", config.HistoryPath)
	}

	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig re-reads the file.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// LoadFromFile reads, parses and validates the configuration at path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// parseDuration parses an optional duration string; empty leaves the zero value
// for validateAndSetDefaults to fill.
func parseDuration(name, value string, into *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*into = d
	return nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		PreloadLimit:                  cf.PreloadLimit,
		MaxPreloadCache:               cf.MaxPreloadCache,
		MaxPreloadBytes:               cf.MaxPreloadBytes,
		MaxPreloadQualitiesPerChannel: cf.MaxPreloadQualitiesPerChannel,
		MaxConcurrentPreloads:         cf.MaxConcurrentPreloads,
		PreloadRangeBehind:            cf.PreloadRangeBehind,
		PreloadSampleBytes:            cf.PreloadSampleBytes,
		PreloadOnZap:                  cf.PreloadOnZap == nil || *cf.PreloadOnZap,
		ParallelStreams:               cf.ParallelStreams,
		QualityBlendLevels:            cf.QualityBlendLevels,
		HighestQualityBlend:           cf.HighestQualityBlend,
		AutoQualityAdjust:             cf.AutoQualityAdjust == nil || *cf.AutoQualityAdjust,
		BufferHealthThreshold:         cf.BufferHealthThreshold,
		DroppedFramesLimit:            cf.DroppedFramesLimit,
		ConnectionCategory:            cf.ConnectionCategory,
		AllowedTiers:                  cf.AllowedTiers,
		ProbeBytes:                    cf.ProbeBytes,
		ThroughputAlpha:               cf.ThroughputAlpha,
		DefaultThroughput:             cf.DefaultThroughput,
		LowThroughput:                 cf.LowThroughput,
		ProbesPerSecond:               cf.ProbesPerSecond,
		PreloadsPerSecond:             cf.PreloadsPerSecond,
		FailoverMaxAttempts:           cf.FailoverMaxAttempts,
		StallsBeforeAdvance:           cf.StallsBeforeAdvance,
		HistoryPath:                   cf.HistoryPath,
		HistoryLimit:                  cf.HistoryLimit,
		HistoryRankWindow:             cf.HistoryRankWindow,
		TopFrequent:                   cf.TopFrequent,
		InfinityBufferEnabled:         cf.InfinityBufferEnabled,
		InfinityMaxSeconds:            cf.InfinityMaxSeconds,
		InfinityDataBudgetBytes:       cf.InfinityDataBudgetBytes,
		CatalogSource:                 cf.CatalogSource,
		SessionToken:                  cf.SessionToken,
		IncludeRegex:                  cf.IncludeRegex,
		ExcludeRegex:                  cf.ExcludeRegex,
		ListenAddr:                    cf.ListenAddr,
		AdminUser:                     cf.AdminUser,
		AdminPasswordHash:             cf.AdminPasswordHash,
		WorkerThreads:                 cf.WorkerThreads,
		UserAgent:                     cf.UserAgent,
		ReqOrigin:                     cf.ReqOrigin,
		ReqReferrer:                   cf.ReqReferrer,
		Debug:                         cf.Debug,
		ObfuscateUrls:                 cf.ObfuscateUrls,
		LogLevel:                      cf.LogLevel,
	}

	durations := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"healInterval", cf.HealInterval, &config.HealInterval},
		{"monitorInterval", cf.MonitorInterval, &config.MonitorInterval},
		{"maintenanceInterval", cf.MaintenanceInterval, &config.MaintenanceInterval},
		{"stallCheckInterval", cf.StallCheckInterval, &config.StallCheckInterval},
		{"deadChannelCooldown", cf.DeadChannelCooldown, &config.DeadChannelCooldown},
		{"deadChannelSweep", cf.DeadChannelSweep, &config.DeadChannelSweep},
		{"streamTimeout", cf.StreamTimeout, &config.StreamTimeout},
		{"manifestCacheTTL", cf.ManifestCacheTTL, &config.ManifestCacheTTL},
	}
	for _, d := range durations {
		if err := parseDuration(d.name, d.value, d.into); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	config := &Config{
		PreloadOnZap:      true,
		AutoQualityAdjust: true,
	}
	validateAndSetDefaults(config)
	return config
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	return getDefaultConfig()
}

// validateAndSetDefaults ensures all config values are valid, filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.MaxPreloadCache <= 0 {
		config.MaxPreloadCache = 120
	}
	if config.PreloadLimit <= 0 {
		config.PreloadLimit = 50
	}
	if config.PreloadLimit > config.MaxPreloadCache {
		config.PreloadLimit = config.MaxPreloadCache
	}
	if config.MaxPreloadBytes <= 0 {
		config.MaxPreloadBytes = 512 * 1024 * 1024
	}
	if config.MaxPreloadQualitiesPerChannel <= 0 {
		config.MaxPreloadQualitiesPerChannel = 3
	}
	if config.MaxConcurrentPreloads <= 0 {
		config.MaxConcurrentPreloads = 12
	}
	if config.PreloadRangeBehind < 0 {
		config.PreloadRangeBehind = 0
	} else if config.PreloadRangeBehind == 0 {
		config.PreloadRangeBehind = 2
	}
	if config.PreloadSampleBytes <= 0 {
		config.PreloadSampleBytes = 2 * 1024 * 1024
	}
	if config.ParallelStreams <= 0 {
		config.ParallelStreams = 16
	}
	if config.QualityBlendLevels <= 0 {
		config.QualityBlendLevels = 8
	}
	if config.HighestQualityBlend <= 0 {
		config.HighestQualityBlend = 4
	}
	if config.BufferHealthThreshold <= 0 {
		config.BufferHealthThreshold = 2
	}
	if config.DroppedFramesLimit <= 0 {
		config.DroppedFramesLimit = 5
	}
	if config.ConnectionCategory == "" {
		config.ConnectionCategory = "unknown"
	}
	if config.ProbeBytes <= 0 {
		config.ProbeBytes = 64 * 1024
	}
	if config.ThroughputAlpha <= 0 || config.ThroughputAlpha > 1 {
		config.ThroughputAlpha = 0.2
	}
	if config.DefaultThroughput <= 0 {
		config.DefaultThroughput = 300 * 1024
	}
	if config.LowThroughput <= 0 {
		config.LowThroughput = 200 * 1024
	}
	if config.ProbesPerSecond <= 0 {
		config.ProbesPerSecond = 2
	}
	if config.PreloadsPerSecond <= 0 {
		config.PreloadsPerSecond = 8
	}
	if config.HealInterval <= 0 {
		config.HealInterval = 25 * time.Second
	}
	if config.FailoverMaxAttempts <= 0 {
		config.FailoverMaxAttempts = 5
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 250 * time.Millisecond
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = 5 * time.Minute
	}
	if config.StallCheckInterval <= 0 {
		config.StallCheckInterval = 8 * time.Second
	}
	if config.StallsBeforeAdvance <= 0 {
		config.StallsBeforeAdvance = 3
	}
	if config.DeadChannelCooldown <= 0 {
		config.DeadChannelCooldown = 60 * time.Second
	}
	if config.DeadChannelSweep <= 0 {
		config.DeadChannelSweep = 30 * time.Second
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = 10 * time.Second
	}
	if config.ManifestCacheTTL <= 0 {
		config.ManifestCacheTTL = 30 * time.Second
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 5000
	}
	if config.HistoryRankWindow <= 0 {
		config.HistoryRankWindow = 200
	}
	if config.TopFrequent <= 0 {
		config.TopFrequent = 10
	}
	if config.InfinityMaxSeconds <= 0 {
		config.InfinityMaxSeconds = 1200
	}
	if config.InfinityDataBudgetBytes <= 0 {
		config.InfinityDataBudgetBytes = 400 * 1024 * 1024
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8088"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if config.LogLevel == "" {
		if config.Debug {
			config.LogLevel = "debug"
		} else {
			config.LogLevel = "info"
		}
	}
}

// CreateExampleConfig writes an example config file to path.
func CreateExampleConfig(path string) error {
	yes := true
	example := ConfigFile{
		PreloadLimit:                  50,
		MaxPreloadCache:               120,
		MaxPreloadQualitiesPerChannel: 3,
		MaxConcurrentPreloads:         12,
		PreloadOnZap:                  &yes,
		AutoQualityAdjust:             &yes,
		BufferHealthThreshold:         2,
		ConnectionCategory:            "wifi",
		AllowedTiers:                  []string{"low", "medium", "high", "ultra"},
		HealInterval:                  "25s",
		FailoverMaxAttempts:           5,
		StallCheckInterval:            "8s",
		DeadChannelCooldown:           "60s",
		StreamTimeout:                 "10s",
		HistoryPath:                   "/settings/history.db",
		CatalogSource:                 "http://example.com/channels.json",
		ListenAddr:                    ":8088",
		WorkerThreads:                 8,
		ObfuscateUrls:                 true,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// obfuscateURL hides path and query of a URL for startup logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return urlStr
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
