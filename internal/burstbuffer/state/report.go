package state

import (
	"io"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/snapshot"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
)

// PackState writes the number of buffers followed by each buffer. The buffers are copied under
// the lock and written after it has been released.
func (r *Runtime) PackState(w io.Writer) error {
	allocations := r.Allocations()
	ptrs := make([]*store.Allocation, len(allocations))
	for i := range allocations {
		ptrs[i] = &allocations[i]
	}
	return snapshot.EncodeState(w, ptrs)
}

// PackConfig writes the active configuration.
func (r *Runtime) PackConfig(w io.Writer) error {
	return snapshot.EncodeConfig(w, r.Config())
}
