package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"vpnward/internal/storage/models"
)

// Config represents sampler configuration
type Config struct {
	DiskPath    string        // filesystem whose usage is reported
	CPUInterval time.Duration // measurement window for CPU percent
}

// DefaultConfig returns default sampler configuration
func DefaultConfig() Config {
	return Config{
		DiskPath:    "/",
		CPUInterval: time.Second,
	}
}

// Sampler captures point-in-time host metrics.
type Sampler struct {
	config Config
	clock  clockwork.Clock
	active func() int
}

// NewSampler creates a sampler. active reports the current connection count.
func NewSampler(config Config, clock clockwork.Clock, active func() int) *Sampler {
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if config.CPUInterval <= 0 {
		config.CPUInterval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if active == nil {
		active = func() int { return 0 }
	}
	return &Sampler{config: config, clock: clock, active: active}
}

// Sample takes one reading. Individual readings that fail leave their fields
// zero; an error is returned only when every reading failed.
func (s *Sampler) Sample(ctx context.Context) (*models.MetricsSample, error) {
	sample := &models.MetricsSample{
		SampledAt:         s.clock.Now(),
		ActiveConnections: s.active(),
	}
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, s.config.CPUInterval, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryAvailable = vm.Available
	}

	if du, err := disk.UsageWithContext(ctx, s.config.DiskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else {
		sample.DiskPercent = du.UsedPercent
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	} else if len(counters) > 0 {
		sample.NetworkSent = counters[0].BytesSent
		sample.NetworkReceived = counters[0].BytesRecv
	}

	if len(errs) == 4 {
		return nil, errors.Join(errs...)
	}
	return sample, nil
}
