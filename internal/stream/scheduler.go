// Package stream paces frame capture and encoding into a terminal-ready
// frame feed. One scheduler drives at most one session at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/termdesk/termdesk/internal/capture"
	"github.com/termdesk/termdesk/internal/glyph"
	"github.com/termdesk/termdesk/internal/logger"
)

// ErrAlreadyActive is returned by Start while a session is running.
var ErrAlreadyActive = errors.New("stream: session already active")

const (
	// DefaultFPS is the capture rate at quality 1.0.
	DefaultFPS = 10.0

	// minQuality is the floor that out-of-range quality values clamp
	// to; zero would stall the session entirely.
	minQuality = 0.1
)

// Frame is one encoded frame as handed to the session callback.
// Sequence increases by one per delivered or dropped frame, so gaps in
// the numbers a consumer sees are exactly the frames dropped for it.
type Frame struct {
	Sequence     uint64
	Data         []byte
	Columns      int
	Rows         int
	SourceWidth  int
	SourceHeight int
}

// FrameFunc consumes delivered frames. It runs on the scheduler's
// delivery goroutine; a slow callback causes frame drops, never
// backpressure into capture.
type FrameFunc func(Frame)

// Options tune a scheduler.
type Options struct {
	// FPS is the capture rate at quality 1.0. Zero selects DefaultFPS.
	FPS float64

	// Quality is the initial quality factor, clamped like SetQuality.
	Quality float64

	// OnError is invoked at most once per session, when capture becomes
	// unavailable and the session shuts itself down. Runs off the
	// caller's goroutine.
	OnError func(error)
}

// Scheduler runs capture/encode/deliver sessions against one source.
type Scheduler struct {
	source  capture.Source
	fps     float64
	onError func(error)
	log     *zerolog.Logger

	quality atomicFloat
	active  atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewScheduler builds a scheduler over src. The source stays owned by
// the caller; Close it after the scheduler is stopped.
func NewScheduler(src capture.Source, opts Options) *Scheduler {
	fps := opts.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	q := opts.Quality
	if q == 0 {
		q = 1.0
	}
	s := &Scheduler{
		source:  src,
		fps:     fps,
		onError: opts.OnError,
		log:     logger.WithComponent("stream"),
	}
	s.quality.store(clampQuality(q))
	return s
}

// Start begins a session rendering to a columns x rows grid and returns
// immediately; frames arrive through fn until Stop or a capture
// failure. A second Start without an intervening Stop fails with
// ErrAlreadyActive.
func (s *Scheduler) Start(columns, rows int, fn FrameFunc) error {
	if columns <= 0 || rows <= 0 {
		return fmt.Errorf("stream: invalid grid %dx%d", columns, rows)
	}
	if fn == nil {
		return fmt.Errorf("stream: nil frame callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return ErrAlreadyActive
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	slot := make(chan Frame, 1)
	s.stop = stop
	s.done = done
	s.active.Store(true)

	go s.deliver(slot, fn, done)
	go s.run(stop, slot, columns, rows)

	s.log.Info().
		Int("columns", columns).
		Int("rows", rows).
		Float64("quality", s.quality.load()).
		Msg("Stream started")
	return nil
}

// Stop ends the current session and waits for in-flight delivery to
// finish. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.active.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info().Msg("Stream stopped")
}

// IsStreaming reports whether a session is currently running.
func (s *Scheduler) IsStreaming() bool {
	return s.active.Load()
}

// SetQuality updates the quality factor and returns the value actually
// applied. Inputs above 1 clamp to 1; zero and below clamp to a small
// positive floor. Takes effect from the next frame.
func (s *Scheduler) SetQuality(q float64) float64 {
	clamped := clampQuality(q)
	s.quality.store(clamped)
	s.log.Debug().Float64("quality", clamped).Msg("Quality updated")
	return clamped
}

// Quality returns the current quality factor.
func (s *Scheduler) Quality() float64 {
	return s.quality.load()
}

// run is the capture/encode loop. It owns the slot channel and closes
// it on exit so delivery drains and finishes.
func (s *Scheduler) run(stop chan struct{}, slot chan Frame, columns, rows int) {
	defer close(slot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	encoder := glyph.NewEncoder(columns, rows)
	encCols, encRows := columns, rows

	var seq uint64
	var dropped uint64
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		started := time.Now()
		q := s.quality.load()

		if c, r := scaledGrid(columns, rows, q); c != encCols || r != encRows {
			encoder = glyph.NewEncoder(c, r)
			encCols, encRows = c, r
		}

		fb, err := s.source.Frame(ctx)
		switch {
		case err == nil:
			seq++
			frame := Frame{
				Sequence:     seq,
				Data:         encoder.Encode(fb).Data,
				Columns:      encCols,
				Rows:         encRows,
				SourceWidth:  fb.Width,
				SourceHeight: fb.Height,
			}
			select {
			case slot <- frame:
			default:
				// Consumer still busy with the previous frame.
				dropped++
				if dropped%100 == 1 {
					s.log.Debug().Uint64("dropped", dropped).Msg("Consumer lagging, dropping frames")
				}
			}

		case ctx.Err() != nil:
			return

		case errors.Is(err, capture.ErrCaptureUnavailable):
			s.fail(stop, err)
			return

		default:
			s.log.Warn().Err(err).Msg("Frame capture failed, continuing")
		}

		timer.Reset(remainingInterval(s.fps, q, time.Since(started)))
	}
}

// deliver invokes the callback for each frame in order.
func (s *Scheduler) deliver(slot chan Frame, fn FrameFunc, done chan struct{}) {
	defer close(done)
	for frame := range slot {
		fn(frame)
	}
}

// fail shuts the session down after an unrecoverable capture error,
// unless Stop already won or a newer session replaced this one.
func (s *Scheduler) fail(stop chan struct{}, err error) {
	s.mu.Lock()
	mine := s.stop == stop && s.active.CompareAndSwap(true, false)
	s.mu.Unlock()

	if !mine {
		return
	}
	s.log.Error().Err(err).Msg("Capture unavailable, stream ended")
	if s.onError != nil {
		s.onError(err)
	}
}

func clampQuality(q float64) float64 {
	switch {
	case q > 1:
		return 1
	case q <= 0 || math.IsNaN(q):
		return minQuality
	default:
		return q
	}
}

// scaledGrid shrinks the cell grid with quality. Linear in each axis:
// half quality means a quarter of the cells.
func scaledGrid(columns, rows int, q float64) (int, int) {
	c := int(float64(columns)*q + 0.5)
	r := int(float64(rows)*q + 0.5)
	if c < 1 {
		c = 1
	}
	if r < 1 {
		r = 1
	}
	return c, r
}

// remainingInterval spaces frames at fps*quality, accounting for the
// time capture and encoding already spent.
func remainingInterval(fps, q float64, elapsed time.Duration) time.Duration {
	interval := time.Duration(float64(time.Second) / (fps * q))
	if elapsed >= interval {
		return time.Nanosecond
	}
	return interval - elapsed
}

// atomicFloat is a float64 stored through math bit conversion.
type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat) load() float64   { return math.Float64frombits(a.bits.Load()) }
