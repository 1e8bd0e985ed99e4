package capture

import (
	"fmt"
	"os"

	"github.com/termdesk/termdesk/internal/logger"
	"github.com/termdesk/termdesk/internal/wire"
)

// Backend names accepted in configuration.
const (
	BackendAuto       = "auto"
	BackendCompositor = "compositor"
	BackendFramework  = "framework"
)

// Options control backend selection.
type Options struct {
	// Backend is one of the Backend* constants. Empty means auto.
	Backend string

	// SocketName overrides the compositor socket. Resolution follows
	// wire.SocketPathFromName.
	SocketName string
}

// NewSource picks a capture backend once, at construction. Auto mode
// probes for a compositor socket and falls through to the framework
// path when none is reachable. The selected backend is fixed for the
// life of the source; callers wanting a different backend build a new
// source.
func NewSource(opts Options) (Source, error) {
	log := logger.WithComponent("capture")

	switch opts.Backend {
	case BackendCompositor:
		return newCompositorSource(opts.SocketName)

	case BackendFramework:
		return newFrameworkSource()

	case BackendAuto, "":
		if compositorReachable(opts.SocketName) {
			src, err := newCompositorSource(opts.SocketName)
			if err == nil {
				log.Info().Msg("Using compositor capture backend")
				return src, nil
			}
			log.Warn().Err(err).Msg("Compositor backend failed, trying framework")
		}
		src, err := newFrameworkSource()
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Using framework capture backend")
		return src, nil

	default:
		return nil, fmt.Errorf("unknown capture backend %q", opts.Backend)
	}
}

// compositorReachable checks that the socket path resolves and exists
// without dialing it.
func compositorReachable(socketName string) bool {
	path, err := wire.SocketPathFromName(socketName)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}
