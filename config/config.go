// Package config centralises runtime configuration for the bus.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTopicCount is the number of topic ids a bus carries unless
	// configured otherwise. Must be a multiple of 32.
	DefaultTopicCount = 128
	// DefaultInboxDepth bounds the dispatcher command queue.
	DefaultInboxDepth = 16
	// DefaultDispatcherPriority is the declared scheduling priority of the
	// dispatcher. Queue-sink listeners must declare a strictly lower value.
	DefaultDispatcherPriority = 10
)

// PoolSpec sizes one fixed-block pool.
type PoolSpec struct {
	// BlockSize is the byte capacity of each block, envelope header included.
	BlockSize int `yaml:"block_size"`
	// BlockCount is the number of blocks carved at initialization.
	BlockCount int `yaml:"block_count"`
}

// PoolSpecs holds the three pool configurations that partition the dynamic
// event space.
type PoolSpecs struct {
	Small  PoolSpec `yaml:"small"`
	Medium PoolSpec `yaml:"medium"`
	Large  PoolSpec `yaml:"large"`
}

// Settings contains the bus configuration tree loaded from defaults and
// overrides.
type Settings struct {
	TopicCount         uint32    `yaml:"topic_count"`
	InboxDepth         int       `yaml:"inbox_depth"`
	DispatcherPriority int       `yaml:"dispatcher_priority"`
	Pools              PoolSpecs `yaml:"pools"`
}

// Default returns the default bus configuration.
func Default() Settings {
	return Settings{
		TopicCount:         DefaultTopicCount,
		InboxDepth:         DefaultInboxDepth,
		DispatcherPriority: DefaultDispatcherPriority,
		Pools: PoolSpecs{
			Small:  PoolSpec{BlockSize: 64, BlockCount: 32},
			Medium: PoolSpec{BlockSize: 256, BlockCount: 16},
			Large:  PoolSpec{BlockSize: 1024, BlockCount: 8},
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()
	if v, ok := envUint("EMBUS_TOPIC_COUNT"); ok {
		cfg.TopicCount = v
	}
	if v, ok := envInt("EMBUS_INBOX_DEPTH"); ok {
		cfg.InboxDepth = v
	}
	if v, ok := envInt("EMBUS_DISPATCHER_PRIORITY"); ok {
		cfg.DispatcherPriority = v
	}
	return cfg
}

// LoadFile reads settings from a YAML file layered over the defaults.
func LoadFile(path string) (Settings, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault reads settings from path when the file exists; otherwise it
// returns the defaults. The second result reports whether a file was loaded.
func LoadOrDefault(path string) (Settings, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return Default(), false, fmt.Errorf("stat config %s: %w", path, err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithTopicCount overrides the topic id space width.
func WithTopicCount(count uint32) Option {
	return func(s *Settings) {
		s.TopicCount = count
	}
}

// WithInboxDepth overrides the dispatcher inbox bound.
func WithInboxDepth(depth int) Option {
	return func(s *Settings) {
		s.InboxDepth = depth
	}
}

// WithDispatcherPriority overrides the declared dispatcher priority.
func WithDispatcherPriority(priority int) Option {
	return func(s *Settings) {
		s.DispatcherPriority = priority
	}
}

// WithPools overrides all three pool specs at once.
func WithPools(pools PoolSpecs) Option {
	return func(s *Settings) {
		s.Pools = pools
	}
}

// Validate checks the structural invariants the bus depends on.
func (s Settings) Validate() error {
	if s.TopicCount == 0 || s.TopicCount%32 != 0 {
		return fmt.Errorf("config: topic count %d must be a positive multiple of 32", s.TopicCount)
	}
	if s.InboxDepth <= 0 {
		return fmt.Errorf("config: inbox depth %d must be positive", s.InboxDepth)
	}
	specs := []struct {
		name string
		spec PoolSpec
	}{
		{"small", s.Pools.Small},
		{"medium", s.Pools.Medium},
		{"large", s.Pools.Large},
	}
	for _, p := range specs {
		if p.spec.BlockCount <= 0 {
			return fmt.Errorf("config: %s pool block count %d must be positive", p.name, p.spec.BlockCount)
		}
		if p.spec.BlockSize <= 0 {
			return fmt.Errorf("config: %s pool block size %d must be positive", p.name, p.spec.BlockSize)
		}
	}
	if s.Pools.Small.BlockSize > s.Pools.Medium.BlockSize || s.Pools.Medium.BlockSize > s.Pools.Large.BlockSize {
		return fmt.Errorf("config: pool block sizes must be ascending (small=%d medium=%d large=%d)",
			s.Pools.Small.BlockSize, s.Pools.Medium.BlockSize, s.Pools.Large.BlockSize)
	}
	return nil
}

func envUint(key string) (uint32, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
