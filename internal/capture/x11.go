package capture

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/termdesk/termdesk/internal/logger"
)

// x11Source reads the root window back pixel by pixel. It is the
// lower-level fallback behind the portal path: always available under
// X11 or XWayland, no permission dialog, but slower than a compositor
// shared buffer.
type x11Source struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo
	mu     sync.Mutex
}

func newX11Source() (*x11Source, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	return &x11Source{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
	}, nil
}

// capture grabs the full root window as RGBA.
func (s *x11Source) capture() (*FrameBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	width := int(s.screen.WidthInPixels)
	height := int(s.screen.HeightInPixels)

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.root),
		0, 0,
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	depth := int(s.screen.RootDepth)
	if depth != 24 && depth != 32 {
		return nil, fmt.Errorf("unsupported root depth %d", depth)
	}

	return &FrameBuffer{
		Pixels: bgrxToRGBA(reply.Data, width, height, width*4),
		Width:  width,
		Height: height,
		Stride: width * 4,
	}, nil
}

// displays enumerates the X screens. The default screen is reported as
// main; X11 core protocol exposes neither scale nor refresh, so those
// carry the conventional defaults.
func (s *x11Source) displays() []Display {
	setup := xproto.Setup(s.conn)
	defaultRoot := s.screen.Root

	out := make([]Display, 0, len(setup.Roots))
	for i, screen := range setup.Roots {
		out = append(out, Display{
			ID:        i + 1,
			Width:     int(screen.WidthInPixels),
			Height:    int(screen.HeightInPixels),
			Main:      screen.Root == defaultRoot,
			Scale:     1.0,
			RefreshHz: 60.0,
		})
	}
	if len(out) == 0 {
		out = append(out, fallbackDisplay())
	}
	return out
}

func (s *x11Source) close() {
	s.conn.Close()
	logger.WithComponent("x11-capture").Debug().Msg("X connection closed")
}
