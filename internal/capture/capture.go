// Package capture produces raw RGBA frames from the desktop. Two
// backends exist: a compositor-backed source that negotiates shared
// memory over a unix socket, and a framework-backed source that asks
// the desktop portal's screenshot service first and falls back to X11
// pixel readback. Backend selection happens once, at construction.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrCaptureUnavailable is returned when no backend can produce a
	// frame. Transport and permission failures inside a backend are
	// translated into this error at the package boundary; they never
	// leak upward as wire or dbus error kinds.
	ErrCaptureUnavailable = errors.New("capture: no backend can produce a frame")
)

// Display describes one attached output. Descriptors are snapshots:
// re-query rather than mutate.
type Display struct {
	ID        int     `json:"id"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Main      bool    `json:"is_main"`
	Scale     float64 `json:"scale_factor"`
	RefreshHz float64 `json:"refresh_hz"`
}

// FrameBuffer holds one captured frame as contiguous RGBA bytes with
// stride = Width*4. It is owned by the capture source until handed to
// the encoder, which only reads it.
type FrameBuffer struct {
	Pixels []byte
	Width  int
	Height int
	Stride int
}

// Source is a desktop frame producer.
type Source interface {
	// Displays returns a fresh snapshot of attached outputs. Ordering
	// is backend-defined; identity is the ID field, not the position.
	Displays() ([]Display, error)

	// MainDisplay returns the primary output's descriptor.
	MainDisplay() (Display, error)

	// Frame captures the current desktop contents into a fresh
	// buffer. It never returns cached pixels.
	Frame(ctx context.Context) (*FrameBuffer, error)

	// Close releases backend resources, including any in-flight
	// shared-memory mappings.
	Close() error
}

// fallbackDisplay is reported when a backend has no enumeration path.
// Dimensions match the historical default used before display metadata
// was negotiated.
func fallbackDisplay() Display {
	return Display{
		ID:        1,
		Width:     1920,
		Height:    1080,
		Main:      true,
		Scale:     1.0,
		RefreshHz: 60.0,
	}
}

// bgrxToRGBA converts packed 32-bit BGRX/BGRA rows into tight RGBA
// output with stride width*4. Source rows may carry padding.
func bgrxToRGBA(src []byte, width, height, srcStride int) []byte {
	out := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		srcRow := y * srcStride
		dstRow := y * width * 4
		for x := 0; x < width; x++ {
			si := srcRow + x*4
			di := dstRow + x*4
			if si+3 >= len(src) {
				return out
			}
			out[di] = src[si+2]
			out[di+1] = src[si+1]
			out[di+2] = src[si]
			out[di+3] = 255
		}
	}
	return out
}
