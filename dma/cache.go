package dma

// Cache performs cache maintenance on device-visible memory. Platforms where
// the device is not coherent with the CPU clean before handing memory to the
// device and invalidate before reading what the device wrote.
type Cache interface {
	Clean(phys uint64, n int)
	Invalidate(phys uint64, n int)
}

// Coherent is the Cache for cache-coherent platforms. It does nothing.
type Coherent struct{}

func (Coherent) Clean(uint64, int)      {}
func (Coherent) Invalidate(uint64, int) {}
