// Package dma provides device-visible memory for descriptor rings and packet
// buffers: an mmaped arena with stable physical addresses, a fixed-size
// buffer pool carved out of it, and cache-maintenance hooks.
package dma

import "errors"

// Region is a chunk of device-visible memory.
type Region struct {
	Phys  uint64 // address the device uses
	Bytes []byte // the same memory as seen by the CPU
}

// Allocator hands out device-visible memory.
type Allocator interface {
	Alloc(size, align int) (Region, error)
	Free(Region)
}

var (
	ErrConfig  = errors.New("dma: invalid config")
	ErrMmap    = errors.New("dma: mmap failed")
	ErrNoSpace = errors.New("dma: arena exhausted")
	ErrRange   = errors.New("dma: address out of range")
)
