package ring

// publishToDevice hands the descriptor at pos to the device by storing its
// ownership word. All other fields must already be written; the atomic store
// orders them before the flag.
func (r *Ring[D]) publishToDevice(pos uint32, word uint32) {
	phys := r.descPhys(pos)

	r.cache.Clean(phys, r.descSize)
	r.layout.Ownership(&r.desc[pos]).Store(word)
	r.cache.Clean(phys, r.descSize)
}

// acquireFromDevice loads the ownership word of the descriptor at pos. Fields
// the device writes may only be read after this, and only if the word says
// the driver owns the descriptor.
func (r *Ring[D]) acquireFromDevice(pos uint32) uint32 {
	r.cache.Invalidate(r.descPhys(pos), r.descSize)
	return r.layout.Ownership(&r.desc[pos]).Load()
}

// returned reports whether the device gave back the descriptor at i.
func (r *Ring[D]) returned(i Index) (word uint32, ok bool) {
	word = r.acquireFromDevice(i.Pos)
	return word, !r.layout.DeviceOwned(word, r.slotAt(i))
}
