package shm

import (
	"bytes"
	"errors"
	"testing"
)

func TestCreateAndUnmap(t *testing.T) {
	p, err := Create(4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if p.Size() != 4096 {
		t.Errorf("Expected size 4096, got %d", p.Size())
	}
	if len(p.Bytes()) != 4096 {
		t.Errorf("Expected mapped length 4096, got %d", len(p.Bytes()))
	}
	if p.FD() < 0 {
		t.Error("Expected valid fd after Create")
	}

	if err := p.Unmap(); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
}

func TestUnmapIdempotent(t *testing.T) {
	p, err := Create(4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := p.Unmap(); err != nil {
		t.Fatalf("First Unmap failed: %v", err)
	}
	// Second release must be a no-op, not a fault.
	if err := p.Unmap(); err != nil {
		t.Errorf("Second Unmap should be a no-op, got: %v", err)
	}
	if p.FD() != -1 {
		t.Errorf("Expected fd -1 after Unmap, got %d", p.FD())
	}
}

func TestRemapPreservesLeadingBytes(t *testing.T) {
	p, err := Create(4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer p.Unmap()

	marker := []byte("frame-header")
	copy(p.Bytes(), marker)

	if err := p.Remap(8192); err != nil {
		t.Fatalf("Remap failed: %v", err)
	}

	if p.Size() != 8192 {
		t.Errorf("Expected size 8192 after Remap, got %d", p.Size())
	}
	if !bytes.Equal(p.Bytes()[:len(marker)], marker) {
		t.Errorf("Leading bytes not preserved across Remap: got %q", p.Bytes()[:len(marker)])
	}
}

func TestRemapAfterUnmapFails(t *testing.T) {
	p, err := Create(4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := p.Unmap(); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	err = p.Remap(8192)
	if !errors.Is(err, ErrResize) {
		t.Errorf("Expected ErrResize after Unmap, got: %v", err)
	}
}

func TestCreateRejectsBadSize(t *testing.T) {
	if _, err := Create(0); !errors.Is(err, ErrAllocation) {
		t.Errorf("Expected ErrAllocation for size 0, got: %v", err)
	}
	if _, err := Create(-1); !errors.Is(err, ErrAllocation) {
		t.Errorf("Expected ErrAllocation for negative size, got: %v", err)
	}
}
