// Package gpupool implements a per-resource-class memory pool allocator for
// GPU buffer ranges. A Manager owns one pool per resource class (vertex,
// index, uniform, texture, framebuffer); each pool hands out byte ranges
// inside its logical address space, reclaims freed ranges, merges adjacent
// free space, and compacts itself when fragmentation grows.
//
// The allocator only governs where a byte range lives and how its lifetime
// is tracked. Writing bytes into the real backing buffer is the Uploader's
// job; callers pair Allocate with Upload using the returned offset.
//
// All mutating operations assume a single mutator thread (the render or
// control thread). Calls from other goroutines must be marshaled onto that
// thread first; this is a hard caller contract, not enforced internally.
package gpupool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/meshforge/gpupool/internal/pool"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// Core allocator types, re-exported from the internal pool package.
type (
	Block      = pool.Block
	Class      = pool.Class
	Status     = pool.Status
	Move       = pool.Move
	GrowthFunc = pool.GrowthFunc
	PoolStats  = pool.Stats
	Relocator  = pool.Relocator
)

const (
	ClassVertexBuffer  = pool.ClassVertexBuffer
	ClassIndexBuffer   = pool.ClassIndexBuffer
	ClassUniformBuffer = pool.ClassUniformBuffer
	ClassTexture       = pool.ClassTexture
	ClassFramebuffer   = pool.ClassFramebuffer

	StatusFree       = pool.StatusFree
	StatusAllocated  = pool.StatusAllocated
	StatusFragmented = pool.StatusFragmented
)

var (
	ErrOutOfMemory   = pool.ErrOutOfMemory
	ErrInvalidSize   = pool.ErrInvalidSize
	ErrBadAlignment  = pool.ErrBadAlignment
	ErrUnknownBlock  = pool.ErrUnknownBlock
	ErrBlockNotOwned = pool.ErrBlockNotOwned
	ErrPoolCorrupted = pool.ErrPoolCorrupted
	ErrUnknownClass  = errors.New("no pool configured for resource class")
	ErrNoUploader    = errors.New("no uploader configured")
	ErrUploadBounds  = errors.New("upload exceeds block range")
)

// DefaultGrowth is the default growth policy: max(2*requested, allocated/2).
var DefaultGrowth GrowthFunc = pool.DefaultGrowth

// Uploader applies byte writes and relocation plans to the real backing
// store of a pool class, e.g. a graphics-API buffer binding or a CPU
// staging region. Relocate must finish before the pool's compacted offsets
// are trusted; it receives the plan during defragmentation.
type Uploader interface {
	Upload(class Class, offset uint64, data []byte) error
	Relocate(class Class, moves []Move) error
}

// Manager routes allocation requests to per-class pools, aggregates their
// stats, and drives fragmentation-triggered compaction.
type Manager struct {
	logger   *slog.Logger
	config   Config
	pools    map[Class]*pool.Pool
	uploader Uploader
	lastGC   time.Time
}

// New creates a manager with one pool per configured resource class.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	var relocator pool.Relocator
	if config.Uploader != nil {
		relocator = config.Uploader
	}
	m := &Manager{
		logger:   config.Logger,
		config:   config,
		pools:    make(map[Class]*pool.Pool, len(config.Classes)),
		uploader: config.Uploader,
		lastGC:   time.Now(),
	}
	for class, size := range config.Classes {
		m.pools[class] = pool.New(class, size, pool.Config{
			Alignment:           config.Alignment,
			SmallBlockThreshold: config.SmallBlockThreshold,
			Growth:              config.Growth,
			Relocator:           relocator,
			Logger:              config.Logger,
		})
	}
	return m, nil
}

// Allocate returns a block of at least size bytes from the class's pool,
// rounded up to alignment (the configured default when 0). The pool handles
// its own compact-and-grow retry; the manager does not retry.
func (m *Manager) Allocate(class Class, size, alignment uint64) (*Block, error) {
	p, ok := m.pools[class]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownClass, class)
	}
	return p.Allocate(size, alignment)
}

// Release drops one logical owner of the block, routing to its pool by
// class. Nil blocks, unknown ids and already-free blocks are a no-op.
func (m *Manager) Release(b *Block) {
	if b == nil {
		return
	}
	p, ok := m.pools[b.Class()]
	if !ok {
		return
	}
	p.Release(b.ID())
}

// Acquire adds a logical owner to the block, so the underlying range stays
// allocated until a matching Release.
func (m *Manager) Acquire(b *Block) error {
	if b == nil {
		return ErrUnknownBlock
	}
	p, ok := m.pools[b.Class()]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownClass, b.Class())
	}
	return p.Acquire(b.ID())
}

// Upload writes data into the block's range through the configured
// uploader. The data must fit inside the block.
func (m *Manager) Upload(b *Block, data []byte) error {
	if b == nil {
		return ErrUnknownBlock
	}
	if m.uploader == nil {
		return ErrNoUploader
	}
	if uint64(len(data)) > b.Size() {
		return fmt.Errorf("%w: %d bytes into a %d byte block", ErrUploadBounds, len(data), b.Size())
	}
	return m.uploader.Upload(b.Class(), b.Offset(), data)
}

// GarbageCollect defragments every pool unconditionally. Relocation plans
// are applied through the configured uploader as each pool compacts; any
// failures are joined and returned.
func (m *Manager) GarbageCollect() error {
	var errs []error
	for _, class := range m.classes() {
		if _, err := m.pools[class].Defragment(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Maintain runs the periodic compaction policy. The render loop calls it
// once per frame (or every few frames); it checks the elapsed wall clock
// itself and compacts all pools when aggregate fragmentation exceeds the
// configured threshold. Failures are logged, never propagated, so
// background maintenance cannot interrupt rendering.
func (m *Manager) Maintain() {
	now := time.Now()
	if now.Sub(m.lastGC) < m.config.GCInterval {
		return
	}
	m.lastGC = now

	frag := m.Stats().Aggregate.FragmentationRatio()
	if frag <= m.config.GCFragmentationThreshold {
		return
	}
	m.logger.Info("high fragmentation detected, compacting pools", "fragmentation", frag)
	if err := m.GarbageCollect(); err != nil {
		m.logger.Error("error during compaction", "error", err)
	}
}

// Stats represents manager stats, derived from the pools on demand.
type Stats struct {
	Aggregate PoolStats
	Classes   map[Class]PoolStats
}

// Stats recomputes per-class and aggregate stats from the pools.
func (m *Manager) Stats() Stats {
	s := Stats{Classes: make(map[Class]PoolStats, len(m.pools))}
	for class, p := range m.pools {
		ps := p.Stats()
		s.Classes[class] = ps
		s.Aggregate.Accumulate(ps)
	}
	return s
}

// UnderMemoryPressure reports whether aggregate utilization or aggregate
// fragmentation exceeds the configured pressure thresholds. Pure query.
func (m *Manager) UnderMemoryPressure() bool {
	s := m.Stats().Aggregate
	return s.Utilization() > m.config.PressureUtilization ||
		s.FragmentationRatio() > m.config.PressureFragmentation
}

// Recommendations returns advisory strings derived from current stats, for
// diagnostics and telemetry. It never mutates allocator state.
func (m *Manager) Recommendations() []string {
	var recs []string
	s := m.Stats()
	for _, class := range m.classes() {
		ps := s.Classes[class]
		if r := ps.FragmentationRatio(); r > m.config.GCFragmentationThreshold {
			recs = append(recs, fmt.Sprintf("%v pool is %.0f%% fragmented; schedule a compaction", class, r*100))
		}
		if u := ps.Utilization(); u > m.config.PressureUtilization {
			recs = append(recs, fmt.Sprintf("%v pool is %.0f%% utilized; expect growth on the next large allocation", class, u*100))
		}
	}
	if m.UnderMemoryPressure() {
		recs = append(recs, "allocator is under memory pressure; release unused resources or defer new uploads")
	}
	return recs
}

// Close tears down every pool and closes the uploader if it owns resources.
// All outstanding block handles become dangling.
func (m *Manager) Close() error {
	for _, p := range m.pools {
		p.Reset()
	}
	m.pools = map[Class]*pool.Pool{}
	if c, ok := m.uploader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// classes returns the configured classes in stable order.
func (m *Manager) classes() []Class {
	keys := make([]Class, 0, len(m.pools))
	for c := range m.pools {
		keys = append(keys, c)
	}
	slices.Sort(keys)
	return keys
}
