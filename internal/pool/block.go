package pool

import (
	"fmt"
	"time"
)

// Class identifies the resource class a pool serves. Each class owns a
// disjoint logical address space; a block never moves between classes.
type Class int

const (
	ClassVertexBuffer Class = iota
	ClassIndexBuffer
	ClassUniformBuffer
	ClassTexture
	ClassFramebuffer
)

var classMapping = map[Class]string{
	ClassVertexBuffer:  "vertex",
	ClassIndexBuffer:   "index",
	ClassUniformBuffer: "uniform",
	ClassTexture:       "texture",
	ClassFramebuffer:   "framebuffer",
}

func (c Class) String() string {
	s, ok := classMapping[c]
	if !ok {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return s
}

// Status describes a block's allocation state.
type Status int

const (
	StatusFree Status = iota
	StatusAllocated

	// StatusFragmented marks a free block smaller than the pool's
	// small-block threshold. It is advisory, set during stats updates,
	// and never changes allocation behaviour.
	StatusFragmented
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusAllocated:
		return "allocated"
	case StatusFragmented:
		return "fragmented"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Block is a contiguous byte range [Offset, Offset+Size) within one pool's
// logical address space. Blocks are created by the pool and returned from
// Allocate; callers never construct them.
type Block struct {
	id       uint64
	class    Class
	offset   uint64
	size     uint64
	status   Status
	refCount uint32
	lastUsed time.Time
}

// ID returns the block's identifier, unique within its pool for its lifetime.
func (b *Block) ID() uint64 { return b.id }

// Class returns the resource class the block belongs to.
func (b *Block) Class() Class { return b.class }

// Offset returns the start of the block's byte range.
func (b *Block) Offset() uint64 { return b.offset }

// Size returns the length of the block's byte range.
func (b *Block) Size() uint64 { return b.size }

// Status returns the block's allocation state.
func (b *Block) Status() Status { return b.status }

// RefCount returns the number of logical owners holding the block.
func (b *Block) RefCount() uint32 { return b.refCount }

// LastUsed returns the time of the last allocate, split, free or coalesce
// touching the block. Diagnostics only.
func (b *Block) LastUsed() time.Time { return b.lastUsed }

func (b *Block) isFree() bool {
	return b.status != StatusAllocated
}

// adjacentTo reports whether b and other share a range boundary.
func (b *Block) adjacentTo(other *Block) bool {
	return b.offset+b.size == other.offset || other.offset+other.size == b.offset
}
