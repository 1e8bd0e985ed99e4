package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/termdesk/termdesk/internal/logger"
	"github.com/termdesk/termdesk/internal/shm"
	"github.com/termdesk/termdesk/internal/wire"
)

const compositorProtocolVersion = 1

// geometry mirrors the MsgGeometry / MsgFrameReady payload.
type geometry struct {
	width  int
	height int
	stride int
	format uint32
}

func (g geometry) poolSize() int {
	return g.stride * g.height
}

func encodeGeometry(g geometry) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(g.width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(g.height))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(g.stride))
	binary.LittleEndian.PutUint32(buf[12:16], g.format)
	return buf
}

func decodeGeometry(payload []byte) (geometry, error) {
	if len(payload) < 16 {
		return geometry{}, fmt.Errorf("%w: geometry payload %d bytes", wire.ErrProtocol, len(payload))
	}
	g := geometry{
		width:  int(binary.LittleEndian.Uint32(payload[0:4])),
		height: int(binary.LittleEndian.Uint32(payload[4:8])),
		stride: int(binary.LittleEndian.Uint32(payload[8:12])),
		format: binary.LittleEndian.Uint32(payload[12:16]),
	}
	if g.width <= 0 || g.height <= 0 || g.stride < g.width*4 {
		return geometry{}, fmt.Errorf("%w: implausible geometry %dx%d stride %d",
			wire.ErrProtocol, g.width, g.height, g.stride)
	}
	return g, nil
}

// compositorSource captures frames through a shared-memory buffer
// negotiated with the display server. The source owns both the socket
// and the pool; the mutex serializes Frame against renegotiation so
// the pool's single-writer contract holds.
type compositorSource struct {
	socketPath string

	mu   sync.Mutex
	conn *wire.Conn
	pool *shm.Pool
	geom geometry
}

func newCompositorSource(socketName string) (*compositorSource, error) {
	path, err := wire.SocketPathFromName(socketName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	s := &compositorSource{socketPath: path}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return s, nil
}

// connect dials the compositor, performs the hello/geometry exchange
// and hands over a freshly created pool. Caller holds no lock during
// construction; Frame-path callers hold s.mu.
func (s *compositorSource) connect() error {
	conn, err := wire.Dial(s.socketPath)
	if err != nil {
		return err
	}

	if err := conn.Send(wire.Message{
		Type:    wire.MsgHello,
		Payload: []byte{compositorProtocolVersion},
	}); err != nil {
		conn.Close()
		return err
	}

	msg, err := conn.Receive()
	if err != nil {
		conn.Close()
		return err
	}
	if msg.Type != wire.MsgGeometry {
		conn.Close()
		return fmt.Errorf("%w: expected geometry, got message type %d", wire.ErrProtocol, msg.Type)
	}
	geom, err := decodeGeometry(msg.Payload)
	if err != nil {
		conn.Close()
		return err
	}

	pool, err := shm.Create(geom.poolSize())
	if err != nil {
		conn.Close()
		return err
	}

	sizePayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizePayload, uint32(pool.Size()))
	if err := conn.Send(wire.Message{
		Type:    wire.MsgCreatePool,
		Payload: sizePayload,
		FDs:     []int{pool.FD()},
	}); err != nil {
		pool.Unmap()
		conn.Close()
		return err
	}

	logger.WithComponent("compositor-capture").Info().
		Str("socket", s.socketPath).
		Int("width", geom.width).
		Int("height", geom.height).
		Int("pool_size", pool.Size()).
		Msg("Shared buffer negotiated")

	s.conn = conn
	s.pool = pool
	s.geom = geom
	return nil
}

// teardownLocked drops the connection and mapping after a fatal
// exchange error. s.mu must be held.
func (s *compositorSource) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.pool != nil {
		s.pool.Unmap()
		s.pool = nil
	}
}

// resizeLocked regrows the pool for a new geometry and informs the
// peer. s.mu must be held.
func (s *compositorSource) resizeLocked(geom geometry) error {
	if err := s.pool.Remap(geom.poolSize()); err != nil {
		return err
	}
	sizePayload := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizePayload, uint32(s.pool.Size()))
	if err := s.conn.Send(wire.Message{
		Type:    wire.MsgResizePool,
		Payload: sizePayload,
		FDs:     []int{s.pool.FD()},
	}); err != nil {
		return err
	}

	logger.WithComponent("compositor-capture").Info().
		Int("width", geom.width).
		Int("height", geom.height).
		Msg("Geometry changed, buffer renegotiated")

	s.geom = geom
	return nil
}

// Frame requests the compositor to populate the shared buffer and
// copies the pixels out as RGBA. A closed connection triggers one
// reconnect and renegotiation before the failure is surfaced; repeat
// failures mean the session is gone.
func (s *compositorSource) Frame(ctx context.Context) (*FrameBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fb, err := s.frameLocked(ctx)
	if err == nil {
		return fb, nil
	}
	if !errors.Is(err, wire.ErrConnectionClosed) {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	logger.WithComponent("compositor-capture").Warn().
		Err(err).
		Msg("Compositor disconnected, renegotiating")

	s.teardownLocked()
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("%w: reconnect: %v", ErrCaptureUnavailable, err)
	}
	fb, err = s.frameLocked(ctx)
	if err != nil {
		s.teardownLocked()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return fb, nil
}

func (s *compositorSource) frameLocked(ctx context.Context) (*FrameBuffer, error) {
	if s.conn == nil {
		return nil, wire.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.conn.Send(wire.Message{Type: wire.MsgFrameRequest}); err != nil {
		return nil, err
	}

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			return nil, err
		}

		switch msg.Type {
		case wire.MsgGeometry:
			// Output changed between request and delivery.
			geom, err := decodeGeometry(msg.Payload)
			if err != nil {
				return nil, err
			}
			if err := s.resizeLocked(geom); err != nil {
				return nil, err
			}
			if err := s.conn.Send(wire.Message{Type: wire.MsgFrameRequest}); err != nil {
				return nil, err
			}

		case wire.MsgFrameReady:
			geom, err := decodeGeometry(msg.Payload)
			if err != nil {
				return nil, err
			}
			if geom.poolSize() > s.pool.Size() {
				return nil, fmt.Errorf("%w: frame %d bytes exceeds pool %d",
					wire.ErrProtocol, geom.poolSize(), s.pool.Size())
			}
			var pixels []byte
			switch geom.format {
			case wire.FormatRGBA:
				pixels = make([]byte, geom.width*geom.height*4)
				copyTight(pixels, s.pool.Bytes(), geom.width, geom.height, geom.stride)
			default:
				pixels = bgrxToRGBA(s.pool.Bytes(), geom.width, geom.height, geom.stride)
			}
			return &FrameBuffer{
				Pixels: pixels,
				Width:  geom.width,
				Height: geom.height,
				Stride: geom.width * 4,
			}, nil

		case wire.MsgClose:
			return nil, wire.ErrConnectionClosed

		default:
			return nil, fmt.Errorf("%w: unexpected message type %d while awaiting frame",
				wire.ErrProtocol, msg.Type)
		}
	}
}

// copyTight copies possibly-padded RGBA rows into a tight buffer.
func copyTight(dst, src []byte, width, height, srcStride int) {
	rowBytes := width * 4
	for y := 0; y < height; y++ {
		lo := y * srcStride
		if lo+rowBytes > len(src) {
			return
		}
		copy(dst[y*rowBytes:(y+1)*rowBytes], src[lo:lo+rowBytes])
	}
}

// Displays reports the single output the compositor session exposes.
func (s *compositorSource) Displays() ([]Display, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.geom.width == 0 {
		return []Display{fallbackDisplay()}, nil
	}
	return []Display{{
		ID:        1,
		Width:     s.geom.width,
		Height:    s.geom.height,
		Main:      true,
		Scale:     1.0,
		RefreshHz: 60.0,
	}}, nil
}

func (s *compositorSource) MainDisplay() (Display, error) {
	displays, err := s.Displays()
	if err != nil {
		return Display{}, err
	}
	return displays[0], nil
}

// Close ends the session and releases the mapping. Safe to call twice.
func (s *compositorSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		// Best effort: the peer may already be gone.
		s.conn.Send(wire.Message{Type: wire.MsgClose})
	}
	s.teardownLocked()
	return nil
}
