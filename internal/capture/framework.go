package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/termdesk/termdesk/internal/logger"
)

// frameworkSource captures through desktop services rather than a
// negotiated shared buffer. It prefers the portal's screenshot service
// and falls back to X11 readback when the portal is absent. A portal
// denial is not retried through X11: the user said no, and the X path
// would sidestep that answer.
type frameworkSource struct {
	mu     sync.Mutex
	portal *portalClient
	x11    *x11Source
}

func newFrameworkSource() (*frameworkSource, error) {
	log := logger.WithComponent("capture")

	portal, portalErr := newPortalClient()
	if portalErr != nil {
		log.Debug().Err(portalErr).Msg("Portal capture unavailable, trying X11")
	}

	x11, x11Err := newX11Source()
	if x11Err != nil {
		log.Debug().Err(x11Err).Msg("X11 capture unavailable")
	}

	if portal == nil && x11 == nil {
		return nil, fmt.Errorf("%w: portal: %v; x11: %v", ErrCaptureUnavailable, portalErr, x11Err)
	}

	return &frameworkSource{portal: portal, x11: x11}, nil
}

func (s *frameworkSource) Frame(ctx context.Context) (*FrameBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var portalErr error
	if s.portal != nil {
		fb, err := s.portal.capture()
		if err == nil {
			return fb, nil
		}
		if isPermissionDenied(err) {
			return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
		}
		portalErr = err
		logger.WithComponent("capture").Warn().Err(err).Msg("Portal capture failed, falling back to X11")
	}

	if s.x11 != nil {
		fb, err := s.x11.capture()
		if err == nil {
			return fb, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, portalErr)
}

// Displays enumerates via X11 when possible; the portal exposes no
// display metadata, so a portal-only session reports the fallback.
func (s *frameworkSource) Displays() ([]Display, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.x11 != nil {
		return s.x11.displays(), nil
	}
	return []Display{fallbackDisplay()}, nil
}

func (s *frameworkSource) MainDisplay() (Display, error) {
	displays, err := s.Displays()
	if err != nil {
		return Display{}, err
	}
	for _, d := range displays {
		if d.Main {
			return d, nil
		}
	}
	return displays[0], nil
}

func (s *frameworkSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.portal != nil {
		s.portal.close()
		s.portal = nil
	}
	if s.x11 != nil {
		s.x11.close()
		s.x11 = nil
	}
	return nil
}
