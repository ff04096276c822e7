package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sarchlab/akita/v4/sim"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/mtsim/timing/cache"
	"github.com/sarchlab/mtsim/timing/regfile"
	"github.com/sarchlab/mtsim/timing/sched"
)

// Config holds the parameters of the multithreaded core.
type Config struct {
	// NumThreads is the number of hardware thread slots. Default: 4.
	NumThreads int `json:"num_threads" yaml:"num_threads"`

	// ReadPorts is the number of register file read ports, 2 or 3.
	// Default: 2.
	ReadPorts int `json:"read_ports" yaml:"read_ports"`

	// ZeroRegister hard-wires x0 to zero. Default: true.
	ZeroRegister bool `json:"zero_register" yaml:"zero_register"`

	// Quota is the number of instructions a thread issues before the
	// round-robin policy rotates. Default: 8.
	Quota int `json:"quota" yaml:"quota"`

	// ResetVector is the next-PC every slot holds after reset. Default: 0.
	ResetVector uint64 `json:"reset_vector" yaml:"reset_vector"`

	// RejectOutOfRangeSwitch drops CTXT writes that do not name a slot.
	// Default: false, the written id is accepted as is.
	RejectOutOfRangeSwitch bool `json:"reject_out_of_range_switch" yaml:"reject_out_of_range_switch"`

	// ClockFreq is used to convert cycles to simulated time. Default: 1GHz.
	ClockFreq sim.Freq `json:"clock_freq_hz" yaml:"clock_freq_hz"`

	// DescriptorCache is the geometry of the thread descriptor cache.
	DescriptorCache cache.Config `json:"descriptor_cache" yaml:"descriptor_cache"`
}

// DefaultConfig returns a 4-thread configuration.
func DefaultConfig() *Config {
	return &Config{
		NumThreads:      4,
		ReadPorts:       2,
		ZeroRegister:    true,
		Quota:           sched.DefaultQuota,
		ClockFreq:       1 * sim.GHz,
		DescriptorCache: cache.DefaultDescriptorConfig(),
	}
}

// LoadConfig loads a Config from a JSON or YAML file, chosen by extension.
// Fields missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read core config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse core config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config to a JSON or YAML file, chosen by extension.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize core config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write core config file: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.NumThreads <= 0 {
		return fmt.Errorf("num_threads must be > 0")
	}
	if c.NumThreads > 256 {
		return fmt.Errorf("num_threads must be <= 256, physical thread ids are 8 bits")
	}
	if err := (regfile.Config{NumThreads: c.NumThreads, ReadPorts: c.ReadPorts}).Validate(); err != nil {
		return err
	}
	if c.Quota <= 0 {
		return fmt.Errorf("quota must be > 0")
	}
	if c.ClockFreq <= 0 {
		return fmt.Errorf("clock_freq_hz must be > 0")
	}
	if err := c.DescriptorCache.Validate(); err != nil {
		return fmt.Errorf("descriptor_cache: %w", err)
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Seconds converts a cycle count to simulated seconds.
func (c *Config) Seconds(cycles uint64) float64 {
	return float64(cycles) / float64(c.ClockFreq)
}
