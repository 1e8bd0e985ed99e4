// Package engine ties capture and streaming into the control surface
// exposed by the CLI and the HTTP API.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/rs/zerolog"

	"github.com/termdesk/termdesk/internal/capture"
	"github.com/termdesk/termdesk/internal/logger"
	"github.com/termdesk/termdesk/internal/stream"
)

// Config assembles an engine.
type Config struct {
	Capture capture.Options

	// FPS and Quality seed the stream scheduler; zero values select its
	// defaults.
	FPS     float64
	Quality float64

	// OnStreamError is invoked when a running stream dies on its own.
	OnStreamError func(error)
}

// Engine owns one capture source and one stream scheduler.
type Engine struct {
	source capture.Source
	sched  *stream.Scheduler
	log    *zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New selects a capture backend per cfg and builds the engine around it.
func New(cfg Config) (*Engine, error) {
	src, err := capture.NewSource(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize capture: %w", err)
	}
	return NewWithSource(src, cfg), nil
}

// NewWithSource builds an engine over an existing source. The engine
// takes ownership and closes it.
func NewWithSource(src capture.Source, cfg Config) *Engine {
	return &Engine{
		source: src,
		sched: stream.NewScheduler(src, stream.Options{
			FPS:     cfg.FPS,
			Quality: cfg.Quality,
			OnError: cfg.OnStreamError,
		}),
		log: logger.WithComponent("engine"),
	}
}

// Displays returns a fresh snapshot of attached outputs.
func (e *Engine) Displays() ([]capture.Display, error) {
	return e.source.Displays()
}

// MainDisplay returns the primary output.
func (e *Engine) MainDisplay() (capture.Display, error) {
	return e.source.MainDisplay()
}

// CaptureFrame grabs a single raw frame outside any stream session.
func (e *Engine) CaptureFrame(ctx context.Context) (*capture.FrameBuffer, error) {
	return e.source.Frame(ctx)
}

// CapturePNG grabs a single frame and encodes it as PNG.
func (e *Engine) CapturePNG(ctx context.Context) ([]byte, error) {
	fb, err := e.CaptureFrame(ctx)
	if err != nil {
		return nil, err
	}

	img := &image.RGBA{
		Pix:    fb.Pixels,
		Stride: fb.Stride,
		Rect:   image.Rect(0, 0, fb.Width, fb.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// StartStream begins a session on the given cell grid.
func (e *Engine) StartStream(columns, rows int, fn stream.FrameFunc) error {
	return e.sched.Start(columns, rows, fn)
}

// StopStream ends the current session, if any.
func (e *Engine) StopStream() {
	e.sched.Stop()
}

// IsStreaming reports whether a session is running.
func (e *Engine) IsStreaming() bool {
	return e.sched.IsStreaming()
}

// SetQuality updates the stream quality factor and returns the value
// actually applied after clamping.
func (e *Engine) SetQuality(q float64) float64 {
	return e.sched.SetQuality(q)
}

// Quality returns the current quality factor.
func (e *Engine) Quality() float64 {
	return e.sched.Quality()
}

// Close stops any running stream and releases the capture backend.
// Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	e.sched.Stop()
	if err := e.source.Close(); err != nil {
		return fmt.Errorf("failed to close capture source: %w", err)
	}
	e.log.Debug().Msg("Engine closed")
	return nil
}
