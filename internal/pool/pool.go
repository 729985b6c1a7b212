// Package pool implements the offset-based block allocator backing one
// resource class's logical address space. It hands out byte ranges with
// first-fit search, splits oversized free blocks, coalesces adjacent free
// space on release, and compacts allocated blocks to the front of the
// address space when fragmentation grows.
//
// A pool assumes a single mutator: all operations must run on one logical
// thread, never concurrently. This is a hard caller contract; no internal
// locking is performed.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	// DefaultAlignment is the byte alignment applied when a caller passes 0.
	DefaultAlignment = 4

	// DefaultSmallBlockThreshold is the free-block size below which a block
	// counts as fragmented for the fragmentation ratio.
	DefaultSmallBlockThreshold = 1 * KiB
)

var (
	ErrOutOfMemory   = errors.New("pool is out of memory")
	ErrInvalidSize   = errors.New("allocation size must be positive")
	ErrBadAlignment  = errors.New("alignment must be a power of two")
	ErrUnknownBlock  = errors.New("unknown block id")
	ErrBlockNotOwned = errors.New("block is not allocated")
	ErrPoolCorrupted = errors.New("pool backing store has diverged")
)

// GrowthFunc decides how many bytes a pool grows by when an allocation
// cannot be satisfied. requested is the aligned size that failed to fit;
// allocatedBytes is the pool's current sum of allocated block sizes.
type GrowthFunc func(requested, allocatedBytes uint64) uint64

// DefaultGrowth grows by max(2*requested, allocatedBytes/2), so growth
// always covers the failed request with headroom.
func DefaultGrowth(requested, allocatedBytes uint64) uint64 {
	grow := requested * 2
	if half := allocatedBytes / 2; half > grow {
		grow = half
	}
	return grow
}

// Move describes one block relocation produced by Defragment. The bytes in
// [OldOffset, OldOffset+Size) must be copied to NewOffset in the backing
// store before the pool's new offsets are trusted.
type Move struct {
	ID        uint64
	OldOffset uint64
	NewOffset uint64
	Size      uint64
}

// Relocator applies a relocation plan to the real backing store of a pool
// class. Defragment calls it with the plan before reporting success; a
// failure leaves the backing store diverged from the pool's bookkeeping.
type Relocator interface {
	Relocate(class Class, moves []Move) error
}

// Config holds per-pool tuning knobs.
type Config struct {
	Alignment           uint64     // Default byte alignment (power of two).
	SmallBlockThreshold uint64     // Free blocks below this size count as fragmented.
	Growth              GrowthFunc // Growth policy for allocation misses.
	Relocator           Relocator  // Optional; receives relocation plans from Defragment.
	Logger              *slog.Logger
}

func (c Config) Validate() error {
	var errs []error
	if c.Alignment != 0 && c.Alignment&(c.Alignment-1) != 0 {
		errs = append(errs, fmt.Errorf("invalid config: alignment %d is not a power of two", c.Alignment))
	}
	return errors.Join(errs...)
}

// Stats represents pool stats. Counters accumulate so one Stats value can
// aggregate several pools via Accumulate.
type Stats struct {
	TotalBytes       uint64 // Current logical capacity.
	AllocatedBytes   uint64 // Sum of allocated block sizes.
	UsedBytes        uint64 // Equal to AllocatedBytes; no reserved-but-unwritten state.
	FreeBytes        uint64 // Sum of free block sizes.
	AllocatedBlocks  int
	FreeBlocks       int
	FragmentedBlocks int // Free blocks below the small-block threshold.
}

// Accumulate adds other's counters into s.
func (s *Stats) Accumulate(other Stats) {
	s.TotalBytes += other.TotalBytes
	s.AllocatedBytes += other.AllocatedBytes
	s.UsedBytes += other.UsedBytes
	s.FreeBytes += other.FreeBytes
	s.AllocatedBlocks += other.AllocatedBlocks
	s.FreeBlocks += other.FreeBlocks
	s.FragmentedBlocks += other.FragmentedBlocks
}

// FragmentationRatio returns the proportion of free blocks below the
// small-block threshold. It is a cheap proxy for fragmentation, not a
// measure of wasted bytes, and is 0 with at most one free block.
func (s Stats) FragmentationRatio() float64 {
	if s.FreeBlocks <= 1 {
		return 0
	}
	return float64(s.FragmentedBlocks) / float64(s.FreeBlocks)
}

// Utilization returns the ratio of used bytes to capacity (0.0 to 1.0).
func (s Stats) Utilization() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes)
}

// Pool owns one contiguous logical address space of a growable total size.
// The free and allocated lists partition the block registry; together their
// ranges tile [0, totalSize) with no gaps or overlaps.
type Pool struct {
	logger    *slog.Logger
	class     Class
	config    Config
	totalSize uint64
	nextID    uint64
	corrupted bool

	// registry holds every live block, free or allocated, keyed by id.
	registry  map[uint64]*Block
	free      []*Block // Kept in ascending offset order; first-fit scans front to back.
	allocated []*Block
}

// New creates a pool for class covering [0, initialSize).
// It panics if the config is invalid.
func New(class Class, initialSize uint64, config Config) *Pool {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	if config.Alignment == 0 {
		config.Alignment = DefaultAlignment
	}
	if config.SmallBlockThreshold == 0 {
		config.SmallBlockThreshold = DefaultSmallBlockThreshold
	}
	if config.Growth == nil {
		config.Growth = DefaultGrowth
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	p := &Pool{
		logger:   config.Logger,
		class:    class,
		config:   config,
		registry: make(map[uint64]*Block),
	}
	if initialSize > 0 {
		p.totalSize = initialSize
		p.free = append(p.free, p.newBlock(0, initialSize, StatusFree, 0))
	}
	return p
}

// Class returns the resource class the pool serves.
func (p *Pool) Class() Class { return p.class }

// TotalSize returns the pool's current logical capacity.
func (p *Pool) TotalSize() uint64 { return p.totalSize }

// Allocate returns an allocated block of at least size bytes, rounded up to
// the given alignment (the pool default when 0). The free list is scanned
// first-fit; on a miss the pool compacts once, rescans, grows per the growth
// policy and rescans again before giving up with ErrOutOfMemory.
func (p *Pool) Allocate(size, alignment uint64) (*Block, error) {
	if p.corrupted {
		return nil, ErrPoolCorrupted
	}
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if alignment == 0 {
		alignment = p.config.Alignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadAlignment, alignment)
	}
	aligned := alignUp(size, alignment)

	if b := p.fit(aligned); b != nil {
		return p.commit(b, aligned), nil
	}

	// No single free block fits. Compaction may consolidate enough space.
	if _, err := p.Defragment(); err != nil {
		return nil, err
	}
	if b := p.fit(aligned); b != nil {
		return p.commit(b, aligned), nil
	}

	p.Expand(p.config.Growth(aligned, p.allocatedBytes()))
	if b := p.fit(aligned); b != nil {
		return p.commit(b, aligned), nil
	}
	return nil, fmt.Errorf("%w: %d bytes (%d aligned) in %v pool of %d bytes",
		ErrOutOfMemory, size, aligned, p.class, p.totalSize)
}

// fit returns the first free block large enough for size, in list order.
func (p *Pool) fit(size uint64) *Block {
	for _, b := range p.free {
		if b.size >= size {
			return b
		}
	}
	return nil
}

// commit turns a fitting free block into an allocated block of exactly size
// bytes, splitting off the remainder as a new free block in the original's
// free-list position.
func (p *Pool) commit(b *Block, size uint64) *Block {
	now := time.Now()
	if b.size == size {
		b.status = StatusAllocated
		b.refCount = 1
		b.lastUsed = now
		p.free = removeBlock(p.free, b)
		p.allocated = append(p.allocated, b)
		return b
	}

	alloc := p.newBlock(b.offset, size, StatusAllocated, 1)
	remainder := p.newBlock(b.offset+size, b.size-size, StatusFree, 0)
	for i, fb := range p.free {
		if fb == b {
			p.free[i] = remainder
			break
		}
	}
	delete(p.registry, b.id)
	p.allocated = append(p.allocated, alloc)
	return alloc
}

// Release decrements the block's refCount, freeing and coalescing it when
// the count reaches 0. Unknown or already-free ids are a silent no-op so
// double frees cannot corrupt state.
func (p *Pool) Release(id uint64) {
	b, ok := p.registry[id]
	if !ok || b.isFree() {
		return
	}
	if b.refCount > 0 {
		b.refCount--
	}
	if b.refCount > 0 {
		return
	}
	b.status = StatusFree
	b.lastUsed = time.Now()
	p.allocated = removeBlock(p.allocated, b)
	p.free = insertByOffset(p.free, b)
	p.coalesce(b)
}

// Acquire adds a logical owner to an allocated block, incrementing its
// refCount. The block stays allocated until a matching number of Release
// calls drop the count to 0.
func (p *Pool) Acquire(id uint64) error {
	if p.corrupted {
		return ErrPoolCorrupted
	}
	b, ok := p.registry[id]
	if !ok {
		return fmt.Errorf("%w: %d in %v pool", ErrUnknownBlock, id, p.class)
	}
	if b.isFree() {
		return fmt.Errorf("%w: %d in %v pool", ErrBlockNotOwned, id, p.class)
	}
	b.refCount++
	b.lastUsed = time.Now()
	return nil
}

// coalesce merges every free block adjacent to b into b, repeating the
// adjacency scan against the merged result until no neighbour qualifies.
func (p *Pool) coalesce(b *Block) {
	for {
		merged := false
		for _, other := range p.free {
			if other == b || !b.adjacentTo(other) {
				continue
			}
			if other.offset < b.offset {
				b.offset = other.offset
			}
			b.size += other.size
			b.lastUsed = time.Now()
			delete(p.registry, other.id)
			p.free = removeBlock(p.free, other)
			merged = true
			break
		}
		if !merged {
			return
		}
	}
}

// Defragment compacts all allocated blocks to the front of the address
// space in stable offset order and rebuilds the free space as one trailing
// block. It returns the relocation plan the backing store must apply; if a
// Relocator is configured the plan is applied before Defragment returns,
// and a relocation failure marks the pool corrupted since the backing bytes
// no longer match the bookkeeping.
//
// Allocated block ids and sizes are preserved exactly; only offsets change.
func (p *Pool) Defragment() ([]Move, error) {
	if p.corrupted {
		return nil, ErrPoolCorrupted
	}
	sort.SliceStable(p.allocated, func(i, j int) bool {
		return p.allocated[i].offset < p.allocated[j].offset
	})

	now := time.Now()
	var moves []Move
	var cursor uint64
	for _, b := range p.allocated {
		if b.offset != cursor {
			moves = append(moves, Move{ID: b.id, OldOffset: b.offset, NewOffset: cursor, Size: b.size})
			b.offset = cursor
			b.lastUsed = now
		}
		cursor += b.size
	}

	// All free blocks are discarded and rebuilt as a single trailing block.
	for _, b := range p.free {
		delete(p.registry, b.id)
	}
	p.free = p.free[:0]
	if cursor < p.totalSize {
		p.free = append(p.free, p.newBlock(cursor, p.totalSize-cursor, StatusFree, 0))
	}

	if len(moves) > 0 && p.config.Relocator != nil {
		if err := p.config.Relocator.Relocate(p.class, moves); err != nil {
			p.setCorrupted(err)
			return moves, fmt.Errorf("applying relocation plan for %v pool: %w", p.class, err)
		}
	}
	return moves, nil
}

// Expand appends additional bytes of free space at the end of the address
// space and coalesces it with a free block trailing at the old boundary.
func (p *Pool) Expand(additional uint64) {
	if additional == 0 {
		return
	}
	b := p.newBlock(p.totalSize, additional, StatusFree, 0)
	p.totalSize += additional
	p.free = append(p.free, b)
	p.coalesce(b)
}

// Stats returns a snapshot of the pool's stats.
func (p *Pool) Stats() Stats {
	var s Stats
	p.UpdateStats(&s)
	return s
}

// UpdateStats accumulates the pool's stats into s. Free blocks below the
// small-block threshold are reclassified to StatusFragmented as a side
// effect (advisory only).
func (p *Pool) UpdateStats(s *Stats) {
	s.TotalBytes += p.totalSize
	alloc := p.allocatedBytes()
	s.AllocatedBytes += alloc
	s.UsedBytes += alloc
	s.AllocatedBlocks += len(p.allocated)
	s.FreeBlocks += len(p.free)
	for _, b := range p.free {
		s.FreeBytes += b.size
		if b.size < p.config.SmallBlockThreshold {
			b.status = StatusFragmented
			s.FragmentedBlocks++
		} else {
			b.status = StatusFree
		}
	}
}

// Reset clears all bookkeeping, emptying the pool. Any outstanding block
// handles become dangling; only call on teardown.
func (p *Pool) Reset() {
	p.registry = make(map[uint64]*Block)
	p.free = nil
	p.allocated = nil
	p.totalSize = 0
	p.corrupted = false
}

func (p *Pool) allocatedBytes() uint64 {
	var n uint64
	for _, b := range p.allocated {
		n += b.size
	}
	return n
}

// setCorrupted disables further allocation after the backing store and the
// pool's bookkeeping have diverged.
func (p *Pool) setCorrupted(err error) {
	p.corrupted = true
	p.logger.Error(
		"Backing store relocation failed. Pool allocation is disabled",
		"pool", p.class.String(),
		"error", err,
	)
}

func (p *Pool) newBlock(offset, size uint64, status Status, refs uint32) *Block {
	p.nextID++
	b := &Block{
		id:       p.nextID,
		class:    p.class,
		offset:   offset,
		size:     size,
		status:   status,
		refCount: refs,
		lastUsed: time.Now(),
	}
	p.registry[b.id] = b
	return b
}

// checkInvariants verifies the pool's structural invariants: the free and
// allocated lists partition the registry, no block has zero size, refCounts
// match block status, and the block ranges exactly tile [0, totalSize).
func (p *Pool) checkInvariants() error {
	if len(p.free)+len(p.allocated) != len(p.registry) {
		return fmt.Errorf("invariant violation: %d free + %d allocated != %d registered",
			len(p.free), len(p.allocated), len(p.registry))
	}
	all := make([]*Block, 0, len(p.registry))
	for _, b := range p.free {
		if p.registry[b.id] != b {
			return fmt.Errorf("invariant violation: free block %d missing from registry", b.id)
		}
		if b.refCount != 0 {
			return fmt.Errorf("invariant violation: free block %d has refCount %d", b.id, b.refCount)
		}
		if !b.isFree() {
			return fmt.Errorf("invariant violation: block %d in free list has status %v", b.id, b.status)
		}
		all = append(all, b)
	}
	for _, b := range p.allocated {
		if p.registry[b.id] != b {
			return fmt.Errorf("invariant violation: allocated block %d missing from registry", b.id)
		}
		if b.refCount < 1 {
			return fmt.Errorf("invariant violation: allocated block %d has refCount 0", b.id)
		}
		if b.status != StatusAllocated {
			return fmt.Errorf("invariant violation: block %d in allocated list has status %v", b.id, b.status)
		}
		all = append(all, b)
	}
	for _, b := range all {
		if b.size == 0 {
			return fmt.Errorf("invariant violation: block %d has zero size", b.id)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].offset < all[j].offset })
	var cursor uint64
	for _, b := range all {
		if b.offset != cursor {
			return fmt.Errorf("invariant violation: gap or overlap at offset %d (block %d starts at %d)",
				cursor, b.id, b.offset)
		}
		cursor += b.size
	}
	if cursor != p.totalSize {
		return fmt.Errorf("invariant violation: blocks cover %d bytes of a %d byte pool", cursor, p.totalSize)
	}
	return nil
}

// insertByOffset inserts b keeping the list in ascending offset order, so
// first-fit always prefers the lowest usable offset.
func insertByOffset(list []*Block, b *Block) []*Block {
	i := sort.Search(len(list), func(i int) bool { return list[i].offset > b.offset })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = b
	return list
}

// removeBlock removes the first occurrence of b, preserving list order.
func removeBlock(list []*Block, b *Block) []*Block {
	for i, other := range list {
		if other == b {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// alignUp rounds size up to the next multiple of align (a power of two).
func alignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
