package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/Adarsh-Kmt/DragonCore/buffercache"
	"github.com/Adarsh-Kmt/DragonCore/disk"
	"github.com/Adarsh-Kmt/DragonCore/pageallocator"
)

const (
	DEFAULT_CPUS            = 8
	DEFAULT_MEMORY_SIZE     = 128 * 1024 * 1024
	DEFAULT_KERNEL_RESERVED = 2 * 1024 * 1024
	DEFAULT_BUFFERS         = 30
	DEFAULT_BLOCK_SIZE      = 4096
	DEFAULT_DEVICE_BLOCKS   = 2000
)

var ErrInvalidConfig = fmt.Errorf("config: invalid configuration")

// Config describes the machine both resource pools are sized for.
type Config struct {
	CPUs    int           `json:"cpus"`
	Memory  MemoryConfig  `json:"memory"`
	Cache   CacheConfig   `json:"cache"`
	Devices []Device      `json:"devices,omitempty"`
	Metrics MetricsConfig `json:"metrics"`
}

type MemoryConfig struct {
	// Size of physical memory in bytes, PHYSTOP - KERNBASE.
	Size int `json:"size"`
	// KernelReserved is the size of the kernel image at the bottom of memory, never handed out.
	KernelReserved int `json:"kernelReserved"`
}

type CacheConfig struct {
	Buffers   int `json:"buffers"`
	Buckets   int `json:"buckets"`
	BlockSize int `json:"blockSize"`
}

// Device is a block device backed by an image file. A config without devices runs on in-memory devices.
type Device struct {
	ID       uint32 `json:"id"`
	Path     string `json:"path"`
	Blocks   uint32 `json:"blocks"`
	DirectIO bool   `json:"directIO"`
}

type MetricsConfig struct {
	Address string `json:"address,omitempty"`
}

// Default returns the configuration used for every field a config file leaves out.
func Default() *Config {
	return &Config{
		CPUs: DEFAULT_CPUS,
		Memory: MemoryConfig{
			Size:           DEFAULT_MEMORY_SIZE,
			KernelReserved: DEFAULT_KERNEL_RESERVED,
		},
		Cache: CacheConfig{
			Buffers:   DEFAULT_BUFFERS,
			Buckets:   buffercache.DEFAULT_BUCKETS,
			BlockSize: DEFAULT_BLOCK_SIZE,
		},
	}
}

// Load reads a YAML config file, fills in defaults and validates the result.
func Load(path string) (*Config, error) {

	data, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	return Parse(data)
}

// Parse decodes a YAML config, fills in defaults and validates the result.
func Parse(data []byte) (*Config, error) {

	cfg := Default()

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		slog.Error("Failed to parse config", "error", err.Error(), "function", "Parse", "at", "Config")
		return nil, errors.Wrap(err, "parsing config")
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].Blocks == 0 {
			cfg.Devices[i].Blocks = DEFAULT_DEVICE_BLOCKS
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) Validate() error {

	if cfg.CPUs <= 0 {
		return fmt.Errorf("%w: cpus must be positive, got %d", ErrInvalidConfig, cfg.CPUs)
	}

	if cfg.Memory.Size <= 0 || cfg.Memory.Size%pageallocator.PAGE_SIZE != 0 {
		return fmt.Errorf("%w: memory size %d is not a positive multiple of %d", ErrInvalidConfig, cfg.Memory.Size, pageallocator.PAGE_SIZE)
	}

	if cfg.Memory.KernelReserved < 0 || cfg.Memory.KernelReserved >= cfg.Memory.Size {
		return fmt.Errorf("%w: kernel reserved %d does not fit in memory size %d", ErrInvalidConfig, cfg.Memory.KernelReserved, cfg.Memory.Size)
	}

	if cfg.Cache.Buffers <= 0 || cfg.Cache.Buckets <= 0 || cfg.Cache.BlockSize <= 0 {
		return fmt.Errorf("%w: cache needs positive buffers, buckets and block size", ErrInvalidConfig)
	}

	seen := make(map[uint32]bool)

	for _, device := range cfg.Devices {

		if device.Path == "" {
			return fmt.Errorf("%w: device %d has no path", ErrInvalidConfig, device.ID)
		}

		if seen[device.ID] {
			return fmt.Errorf("%w: device %d listed twice", ErrInvalidConfig, device.ID)
		}
		seen[device.ID] = true
	}

	return nil
}

// DiskDevices converts the configured devices for the disk package.
func (cfg *Config) DiskDevices() []disk.Device {

	devices := make([]disk.Device, len(cfg.Devices))

	for i, device := range cfg.Devices {
		devices[i] = disk.Device{
			ID:       device.ID,
			Path:     device.Path,
			Blocks:   device.Blocks,
			DirectIO: device.DirectIO,
		}
	}

	return devices
}
