package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimingConfig holds latency values for the instruction cost classes.
type TimingConfig struct {
	// TrivialLatency covers integer add/logic, branches, jumps, and
	// address arithmetic. Default: 1 cycle.
	TrivialLatency uint64 `json:"trivial_latency"`

	// ModerateLatency covers shifts, most floating-point arithmetic,
	// and FP/integer transfers. Default: 4 cycles.
	ModerateLatency uint64 `json:"moderate_latency"`

	// LoadLatency is the latency for load operations assuming an L1
	// hit. Default: 3 cycles.
	LoadLatency uint64 `json:"load_latency"`

	// StoreLatency is the latency for store operations (fire-and-forget
	// into the write buffer). Default: 1 cycle.
	StoreLatency uint64 `json:"store_latency"`

	// MultiplyLatency is the latency for integer multiply operations.
	// Default: 7 cycles.
	MultiplyLatency uint64 `json:"multiply_latency"`

	// HeavyLatencyMin is the minimum latency for variable-latency heavy
	// operations (FP divide, square root). Default: 12 cycles.
	HeavyLatencyMin uint64 `json:"heavy_latency_min"`

	// HeavyLatencyMax is the maximum latency for variable-latency heavy
	// operations. Default: 24 cycles.
	HeavyLatencyMax uint64 `json:"heavy_latency_max"`

	// BranchMispredictPenalty is the additional cycles lost on a branch
	// misprediction. Default: 7 cycles.
	BranchMispredictPenalty uint64 `json:"branch_mispredict_penalty"`
}

// DefaultTimingConfig returns a TimingConfig with the default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		TrivialLatency:          1,
		ModerateLatency:         4,
		LoadLatency:             3,
		StoreLatency:            1,
		MultiplyLatency:         7,
		HeavyLatencyMin:         12,
		HeavyLatencyMax:         24,
		BranchMispredictPenalty: 7,
	}
}

// LoadConfig loads a TimingConfig from a JSON file. Missing fields keep
// their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are usable.
func (c *TimingConfig) Validate() error {
	if c.TrivialLatency == 0 {
		return fmt.Errorf("trivial_latency must be > 0")
	}
	if c.ModerateLatency == 0 {
		return fmt.Errorf("moderate_latency must be > 0")
	}
	if c.LoadLatency == 0 {
		return fmt.Errorf("load_latency must be > 0")
	}
	if c.StoreLatency == 0 {
		return fmt.Errorf("store_latency must be > 0")
	}
	if c.MultiplyLatency == 0 {
		return fmt.Errorf("multiply_latency must be > 0")
	}
	if c.HeavyLatencyMin > c.HeavyLatencyMax {
		return fmt.Errorf("heavy_latency_min must be <= heavy_latency_max")
	}
	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
