package gpupool_test

import (
	"fmt"
	"log"

	"github.com/meshforge/gpupool"
)

func ExampleManager() {
	classes := map[gpupool.Class]uint64{
		gpupool.ClassVertexBuffer: 1 * gpupool.MiB,
	}

	// The staging uploader stands in for the graphics-API binding; it keeps
	// staged bytes in sync with the allocator during compaction.
	uploader, err := gpupool.NewStagingUploader(classes, false)
	if err != nil {
		log.Fatal(err)
	}

	m, err := gpupool.New(gpupool.Config{Classes: classes, Uploader: uploader})
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	mesh, err := m.Allocate(gpupool.ClassVertexBuffer, 1024, 0)
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Upload(mesh, make([]byte, 1024)); err != nil {
		log.Fatal(err)
	}
	fmt.Println(mesh.Class(), mesh.Offset(), mesh.Size())

	// Drop the mesh; its range is reclaimed and merged back into the pool.
	m.Release(mesh)
	fmt.Println(m.Stats().Aggregate.AllocatedBytes)

	// Output:
	// vertex 0 1024
	// 0
}
