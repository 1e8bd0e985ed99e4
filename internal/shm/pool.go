// Package shm manages anonymous shared-memory pools backing compositor
// frame buffers. Pools are memfd-backed so the descriptor can be handed
// to a peer process over a unix socket for zero-copy pixel exchange.
//
// A Pool performs no internal locking: concurrent Remap/Unmap on the
// same pool must be serialized by the caller (single-writer contract).
package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/termdesk/termdesk/internal/logger"
)

var (
	// ErrAllocation is returned when the OS refuses to back a new pool
	// (descriptor exhaustion, memory pressure).
	ErrAllocation = errors.New("shm: allocation failed")

	// ErrResize is returned when a pool cannot be regrown, typically
	// because the descriptor was already released.
	ErrResize = errors.New("shm: resize failed")
)

// Pool is a mapped shared-memory region. The mapping is owned by the
// Pool from Create until Unmap; the previous mapping becomes invalid
// the moment Remap returns.
type Pool struct {
	fd   int
	size int
	data []byte
}

// Create maps a new memfd-backed region of at least size bytes.
func Create(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocation, size)
	}

	fd, err := unix.MemfdCreate("termdesk-pool", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %v", ErrAllocation, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: ftruncate to %d: %v", ErrAllocation, size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	logger.WithComponent("shm").Debug().
		Int("fd", fd).
		Int("size", size).
		Msg("Pool created")

	return &Pool{fd: fd, size: size, data: data}, nil
}

// Remap grows or shrinks the pool's backing store and re-establishes
// the mapping. Leading bytes written before a grow are preserved. The
// old mapping must not be touched after Remap returns.
func (p *Pool) Remap(newSize int) error {
	if p.fd < 0 {
		return fmt.Errorf("%w: descriptor already released", ErrResize)
	}
	if newSize <= 0 {
		return fmt.Errorf("%w: invalid size %d", ErrResize, newSize)
	}

	if err := unix.Ftruncate(p.fd, int64(newSize)); err != nil {
		return fmt.Errorf("%w: ftruncate to %d: %v", ErrResize, newSize, err)
	}

	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("%w: munmap: %v", ErrResize, err)
		}
		p.data = nil
	}

	data, err := unix.Mmap(p.fd, 0, newSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		// The old mapping is gone; the pool is unusable until a
		// successful Remap or Unmap.
		return fmt.Errorf("%w: mmap %d bytes: %v", ErrResize, newSize, err)
	}

	logger.WithComponent("shm").Debug().
		Int("fd", p.fd).
		Int("old_size", p.size).
		Int("new_size", newSize).
		Msg("Pool remapped")

	p.data = data
	p.size = newSize
	return nil
}

// Unmap releases the mapping and closes the descriptor. Calls after the
// first are no-ops.
func (p *Pool) Unmap() error {
	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			return fmt.Errorf("shm: munmap: %w", err)
		}
		p.data = nil
	}
	if p.fd >= 0 {
		if err := unix.Close(p.fd); err != nil {
			return fmt.Errorf("shm: close fd: %w", err)
		}
		p.fd = -1
	}
	return nil
}

// FD returns the pool's file descriptor, or -1 after Unmap. The
// descriptor stays valid in this process even after it has been sent
// to a peer.
func (p *Pool) FD() int {
	return p.fd
}

// Size returns the current mapped size in bytes.
func (p *Pool) Size() int {
	return p.size
}

// Bytes returns the mapped region. The slice is invalidated by Remap
// and Unmap.
func (p *Pool) Bytes() []byte {
	return p.data
}

// FromFD wraps and maps a descriptor received from a peer. Ownership of
// the descriptor transfers to the returned pool.
func FromFD(fd int, size int) (*Pool, error) {
	if fd < 0 || size <= 0 {
		return nil, fmt.Errorf("%w: fd=%d size=%d", ErrAllocation, fd, size)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap received fd %d: %v", ErrAllocation, fd, err)
	}
	return &Pool{fd: fd, size: size, data: data}, nil
}
