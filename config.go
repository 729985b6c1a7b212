package gpupool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config configures a Manager.
type Config struct {
	// Classes maps each resource class to its pool's initial size in bytes.
	// Each configured class gets exactly one pool for the manager's lifetime.
	Classes map[Class]uint64

	// Alignment is the default byte alignment for allocations that pass 0.
	// Must be a power of two.
	Alignment uint64

	// SmallBlockThreshold is the free-block size below which a block counts
	// as fragmented for the fragmentation ratio.
	SmallBlockThreshold uint64

	// Growth decides how many bytes a pool grows by when an allocation
	// cannot be satisfied even after compaction. Textures and uniforms have
	// very different churn, so the policy is pluggable.
	Growth GrowthFunc

	// GCInterval is the minimum wall-clock time between Maintain's
	// fragmentation checks.
	GCInterval time.Duration

	// GCFragmentationThreshold is the aggregate fragmentation ratio above
	// which Maintain compacts all pools.
	GCFragmentationThreshold float64

	// PressureUtilization and PressureFragmentation are the aggregate
	// thresholds for UnderMemoryPressure.
	PressureUtilization   float64
	PressureFragmentation float64

	// Uploader receives uploads and relocation plans for the real backing
	// store. Optional; without one the allocator tracks ranges logically
	// and callers apply relocation plans themselves.
	Uploader Uploader

	Logger *slog.Logger
}

// DefaultConfig returns a config with one pool per resource class, sized
// for a mid-sized scene.
func DefaultConfig() Config {
	return Config{
		Classes: map[Class]uint64{
			ClassVertexBuffer:  64 * MiB,
			ClassIndexBuffer:   16 * MiB,
			ClassUniformBuffer: 8 * MiB,
			ClassTexture:       256 * MiB,
			ClassFramebuffer:   64 * MiB,
		},
		Alignment:                4,                // GPU buffer offsets are 4-byte aligned at minimum.
		SmallBlockThreshold:      1 * KiB,          // Free blocks under 1KB count as fragmented.
		Growth:                   DefaultGrowth,    // max(2*requested, allocated/2).
		GCInterval:               30 * time.Second, // Check fragmentation at most every 30s.
		GCFragmentationThreshold: 0.3,              // Compact on aggregate fragmentation > 30%.
		PressureUtilization:      0.85,             // Pressure on used/capacity > 85%.
		PressureFragmentation:    0.5,              // Pressure on aggregate fragmentation > 50%.
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Classes) == 0 {
		errs = append(errs, errors.New("invalid config: at least one resource class must be configured"))
	}
	for class, size := range c.Classes {
		if size == 0 {
			errs = append(errs, fmt.Errorf("invalid config: %v pool initial size must be positive", class))
		}
	}
	if c.Alignment != 0 && c.Alignment&(c.Alignment-1) != 0 {
		errs = append(errs, fmt.Errorf("invalid config: alignment %d is not a power of two", c.Alignment))
	}
	if c.GCInterval < 0 {
		errs = append(errs, errors.New("invalid config: GCInterval cannot be negative"))
	}
	for _, ratio := range []struct {
		name  string
		value float64
	}{
		{"GCFragmentationThreshold", c.GCFragmentationThreshold},
		{"PressureUtilization", c.PressureUtilization},
		{"PressureFragmentation", c.PressureFragmentation},
	} {
		if ratio.value < 0.0 || ratio.value > 1.0 {
			errs = append(errs, fmt.Errorf("invalid config: %s must be between 0.0 and 1.0", ratio.name))
		}
	}
	return errors.Join(errs...)
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alignment == 0 {
		c.Alignment = d.Alignment
	}
	if c.SmallBlockThreshold == 0 {
		c.SmallBlockThreshold = d.SmallBlockThreshold
	}
	if c.Growth == nil {
		c.Growth = d.Growth
	}
	if c.GCInterval == 0 {
		c.GCInterval = d.GCInterval
	}
	if c.GCFragmentationThreshold == 0 {
		c.GCFragmentationThreshold = d.GCFragmentationThreshold
	}
	if c.PressureUtilization == 0 {
		c.PressureUtilization = d.PressureUtilization
	}
	if c.PressureFragmentation == 0 {
		c.PressureFragmentation = d.PressureFragmentation
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
