package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Network struct {
	Name       string  `yaml:"name"`
	BasePrefix string  `yaml:"basePrefix"`
	LossRate   float64 `yaml:"lossRate"`
}

type NodeDefaults struct {
	BandwidthMbps  float64       `yaml:"bandwidthMbps"`
	CapacityGB     float64       `yaml:"capacityGB"`
	ChunkSizeBytes int           `yaml:"chunkSizeBytes"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	StoreSegment    RateLimiterConfig `yaml:"storeSegment"`
	RetrieveSegment RateLimiterConfig `yaml:"retrieveSegment"`
	HealthCheck     RateLimiterConfig `yaml:"healthCheck"`
	StorageInfo     RateLimiterConfig `yaml:"storageInfo"`
	Default         RateLimiterConfig `yaml:"default"`
}

type Cluster struct {
	Network      Network      `yaml:"network"`
	NodeCount    int          `yaml:"nodeCount"`
	StorageRoot  string       `yaml:"storageRoot"`
	Defaults     NodeDefaults `yaml:"defaults"`
	RateLimiters RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrNetworkNameMissing        = errors.New("network.name is missing in config")
	ErrLossRateInvalid           = errors.New("network.lossRate must be in [0, 1)")
	ErrNodeCountInvalid          = errors.New("nodeCount must be at least 1")
	ErrStorageRootMissing        = errors.New("storageRoot is missing in config")
	ErrBandwidthInvalid          = errors.New("defaults.bandwidthMbps must be positive")
	ErrCapacityInvalid           = errors.New("defaults.capacityGB must be positive")
	ErrChunkSizeInvalid          = errors.New("defaults.chunkSizeBytes must be positive")
	ErrRateLimiterDefaultMissing = errors.New("rateLimiters.default.limit is missing in config")
)

func LoadConfig(configFile string) (*Cluster, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Cluster
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Cluster) error {
	if cfg.Network.Name == "" {
		return ErrNetworkNameMissing
	}
	if cfg.Network.LossRate < 0 || cfg.Network.LossRate >= 1 {
		return ErrLossRateInvalid
	}
	if cfg.NodeCount < 1 {
		return ErrNodeCountInvalid
	}
	if cfg.StorageRoot == "" {
		return ErrStorageRootMissing
	}
	if cfg.Defaults.BandwidthMbps <= 0 {
		return ErrBandwidthInvalid
	}
	if cfg.Defaults.CapacityGB <= 0 {
		return ErrCapacityInvalid
	}
	if cfg.Defaults.ChunkSizeBytes <= 0 {
		return ErrChunkSizeInvalid
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimiterDefaultMissing
	}
	return nil
}

func GenerateConfig() *Cluster {
	return &Cluster{
		Network: Network{
			Name:       "atoll",
			BasePrefix: "192.168.1",
			LossRate:   0.01,
		},
		NodeCount:   5,
		StorageRoot: "node_storage",
		Defaults: NodeDefaults{
			BandwidthMbps:  64.0,
			CapacityGB:     10.0,
			ChunkSizeBytes: 64 * 1024,
			CacheTTL:       5 * time.Minute,
		},
		RateLimiters: RateLimiters{
			StoreSegment:    RateLimiterConfig{Limit: 100.0, Burst: 200},
			RetrieveSegment: RateLimiterConfig{Limit: 100.0, Burst: 200},
			HealthCheck:     RateLimiterConfig{Limit: 50.0, Burst: 100},
			StorageInfo:     RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:         RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
	}
}

// WriteConfig serializes a cluster config to disk, used by the daemon's
// --generate flag.
func WriteConfig(cfg *Cluster, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
