package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/termdesk/termdesk/internal/logger"
)

const (
	portalDest       = "org.freedesktop.portal.Desktop"
	portalPath       = "/org/freedesktop/portal/desktop"
	screenshotIface  = "org.freedesktop.portal.Screenshot"
	requestIface     = "org.freedesktop.portal.Request"
	responseMember   = "Response"
	responseSuccess  = uint32(0)
	responseDenied   = uint32(1)
	propertiesGetter = "org.freedesktop.DBus.Properties.Get"
)

// portalClient captures frames through the desktop portal's screenshot
// service. This is the "modern" path: it works on any compositor that
// ships the portal, at the cost of a dbus round trip per frame.
type portalClient struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

func newPortalClient() (*portalClient, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}

	obj := conn.Object(portalDest, dbus.ObjectPath(portalPath))

	// Probe the interface version; a missing interface means the
	// portal is not installed or this is not a desktop session.
	var version dbus.Variant
	if err := obj.Call(propertiesGetter, 0, screenshotIface, "version").Store(&version); err != nil {
		return nil, fmt.Errorf("screenshot portal unavailable: %w", err)
	}

	logger.WithComponent("portal-capture").Info().
		Interface("version", version.Value()).
		Msg("Screenshot portal available")

	return &portalClient{conn: conn, obj: obj}, nil
}

// capture asks the portal for a non-interactive screenshot and decodes
// the resulting PNG into a tight RGBA buffer.
func (p *portalClient) capture() (*FrameBuffer, error) {
	options := map[string]dbus.Variant{
		"interactive": dbus.MakeVariant(false),
	}

	var requestPath dbus.ObjectPath
	call := p.obj.Call(screenshotIface+".Screenshot", 0, "", options)
	if call.Err != nil {
		return nil, fmt.Errorf("screenshot call: %w", call.Err)
	}
	if err := call.Store(&requestPath); err != nil {
		return nil, fmt.Errorf("screenshot request path: %w", err)
	}

	status, results, err := p.waitResponse(requestPath)
	if err != nil {
		return nil, err
	}
	if status != responseSuccess {
		if status == responseDenied {
			return nil, fmt.Errorf("screenshot permission denied")
		}
		return nil, fmt.Errorf("screenshot request ended with status %d", status)
	}

	uriVariant, ok := results["uri"]
	if !ok {
		return nil, fmt.Errorf("screenshot response missing uri")
	}
	uri, ok := uriVariant.Value().(string)
	if !ok {
		return nil, fmt.Errorf("screenshot uri has unexpected type %T", uriVariant.Value())
	}

	return loadScreenshotFile(uri)
}

// waitResponse subscribes to the request object's Response signal and
// blocks until it fires.
func (p *portalClient) waitResponse(path dbus.ObjectPath) (uint32, map[string]dbus.Variant, error) {
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember(responseMember),
	); err != nil {
		return 0, nil, fmt.Errorf("subscribe to response: %w", err)
	}
	defer p.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember(responseMember),
	)

	signals := make(chan *dbus.Signal, 1)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	for sig := range signals {
		if sig.Path != path || len(sig.Body) != 2 {
			continue
		}
		status, ok := sig.Body[0].(uint32)
		if !ok {
			return 0, nil, fmt.Errorf("response status has unexpected type %T", sig.Body[0])
		}
		results, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return 0, nil, fmt.Errorf("response results have unexpected type %T", sig.Body[1])
		}
		return status, results, nil
	}
	return 0, nil, fmt.Errorf("signal channel closed before response")
}

// loadScreenshotFile decodes the portal's PNG and removes it; the file
// is a one-shot artifact the portal expects the caller to consume.
func loadScreenshotFile(uri string) (*FrameBuffer, error) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "file" {
		return nil, fmt.Errorf("unexpected screenshot uri %q", uri)
	}
	path := parsed.Path

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	defer os.Remove(path)

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || bounds.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}

	return &FrameBuffer{
		Pixels: rgba.Pix,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Stride: rgba.Stride,
	}, nil
}

func (p *portalClient) close() {
	// The session bus connection is shared process-wide; nothing to
	// release beyond our match rules, which are removed per call.
}

// isPermissionDenied reports whether a portal error was a denial rather
// than a missing service.
func isPermissionDenied(err error) bool {
	return err != nil && strings.Contains(err.Error(), "permission denied")
}
