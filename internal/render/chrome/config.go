package chrome

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/littb/snapshot/internal/render/engine"
)

// Config holds browser process and pool sizing settings
type Config struct {
	PoolSize    string        // "auto" or integer string
	ExecPath    string        // Chrome binary; empty lets chromedp find one
	NoSandbox   bool          // Required when running as root in containers
	Headless    bool          // Run without a display
	CallTimeout time.Duration // Bound for every non-navigation CDP call
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		PoolSize:    "auto",
		NoSandbox:   true,
		Headless:    true,
		CallTimeout: 10 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PoolSize != "auto" {
		size, err := strconv.Atoi(c.PoolSize)
		if err != nil {
			return fmt.Errorf("pool size must be 'auto' or valid integer")
		}
		if size <= 0 {
			return fmt.Errorf("pool size must be positive")
		}
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive")
	}

	return nil
}

// LaunchOptions converts the config to engine launch options
func (c *Config) LaunchOptions() engine.LaunchOptions {
	return engine.LaunchOptions{
		ExecPath:    c.ExecPath,
		NoSandbox:   c.NoSandbox,
		Headless:    c.Headless,
		CallTimeout: c.CallTimeout,
	}
}

// CalculatePoolSize determines the pool size, sizing from RAM for "auto".
// Each pooled session is a tab in one browser, so the per-session estimate
// is much lower than a whole browser process.
func (c *Config) CalculatePoolSize() int {
	if c.PoolSize == "auto" {
		return c.calculateAutoPoolSize()
	}

	size, err := strconv.Atoi(c.PoolSize)
	if err != nil || size <= 0 {
		return c.calculateAutoPoolSize()
	}

	return size
}

// calculateAutoPoolSize: (total RAM - 2GB reserved) / 250MB per tab, clamped to 2..32
func (c *Config) calculateAutoPoolSize() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64

	if err != nil {
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024) // 8GB fallback
	} else {
		totalRAMBytes = int64(v.Total)
	}

	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	availableBytes := totalRAMBytes - reservedBytes

	sessionBytes := int64(250 * 1024 * 1024)

	poolSize := int(availableBytes / sessionBytes)

	if poolSize < 2 {
		poolSize = 2
	}
	if poolSize > 32 {
		poolSize = 32
	}

	return poolSize
}
