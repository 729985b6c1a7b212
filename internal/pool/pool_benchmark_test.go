package pool

import (
	"math/rand"
	"testing"
)

// go test -bench=BenchmarkPool -benchmem ./internal/pool

// BenchmarkPoolAllocateRelease measures a tight allocate/free round trip
// with no fragmentation, the hot path of per-frame transient buffers.
func BenchmarkPoolAllocateRelease(b *testing.B) {
	p := New(ClassUniformBuffer, 16*MiB, Config{})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		blk, err := p.Allocate(256, 0)
		if err != nil {
			b.Fatal(err)
		}
		p.Release(blk.ID())
	}
}

// BenchmarkPoolChurn measures mixed allocate/release traffic over a
// fragmented free list, the steady state of a long-running scene.
func BenchmarkPoolChurn(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	p := New(ClassVertexBuffer, 64*MiB, Config{})
	live := make([]*Block, 0, 1024)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if len(live) == 0 || rng.Intn(100) < 55 {
			blk, err := p.Allocate(uint64(rng.Intn(8*KiB)+1), 0)
			if err != nil {
				b.Fatal(err)
			}
			live = append(live, blk)
		} else {
			j := rng.Intn(len(live))
			p.Release(live[j].ID())
			live = append(live[:j], live[j+1:]...)
		}
	}
	b.ReportMetric(float64(len(live)), "live-blocks")
}

// BenchmarkPoolDefragment measures full compaction of a checkerboard of
// holes, the worst case the periodic GC can hit.
func BenchmarkPoolDefragment(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		p := New(ClassTexture, 16*MiB, Config{})
		var blocks []*Block
		for n := 0; n < 1024; n++ {
			blk, err := p.Allocate(8*KiB, 0)
			if err != nil {
				b.Fatal(err)
			}
			blocks = append(blocks, blk)
		}
		for i := 0; i < len(blocks); i += 2 {
			p.Release(blocks[i].ID())
		}
		b.StartTimer()

		if _, err := p.Defragment(); err != nil {
			b.Fatal(err)
		}
	}
}
