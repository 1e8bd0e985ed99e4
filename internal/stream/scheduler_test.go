package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/termdesk/termdesk/internal/capture"
)

// scriptedSource drives the scheduler with test-controlled frames.
type scriptedSource struct {
	frame func(context.Context) (*capture.FrameBuffer, error)
}

func (s *scriptedSource) Displays() ([]capture.Display, error) {
	return []capture.Display{{ID: 1, Width: 8, Height: 8, Main: true, Scale: 1.0, RefreshHz: 60.0}}, nil
}

func (s *scriptedSource) MainDisplay() (capture.Display, error) {
	d, _ := s.Displays()
	return d[0], nil
}

func (s *scriptedSource) Frame(ctx context.Context) (*capture.FrameBuffer, error) {
	return s.frame(ctx)
}

func (s *scriptedSource) Close() error { return nil }

func testFrame() (*capture.FrameBuffer, error) {
	pix := make([]byte, 8*8*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
	return &capture.FrameBuffer{Pixels: pix, Width: 8, Height: 8, Stride: 32}, nil
}

func steadySource() *scriptedSource {
	return &scriptedSource{frame: func(context.Context) (*capture.FrameBuffer, error) {
		return testFrame()
	}}
}

func TestStartWhileActive(t *testing.T) {
	s := NewScheduler(steadySource(), Options{FPS: 1000})
	defer s.Stop()

	if err := s.Start(4, 2, func(Frame) {}); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if err := s.Start(4, 2, func(Frame) {}); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewScheduler(steadySource(), Options{FPS: 1000})

	if err := s.Start(4, 2, func(Frame) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()
	s.Stop()
	s.Stop()

	if s.IsStreaming() {
		t.Error("Expected IsStreaming false after stop")
	}

	// A fresh session after stop must work.
	if err := s.Start(4, 2, func(Frame) {}); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	s.Stop()
}

func TestStartRejectsBadArguments(t *testing.T) {
	s := NewScheduler(steadySource(), Options{})

	if err := s.Start(0, 10, func(Frame) {}); err == nil {
		t.Error("Expected error for zero columns")
	}
	if err := s.Start(10, -1, func(Frame) {}); err == nil {
		t.Error("Expected error for negative rows")
	}
	if err := s.Start(10, 10, nil); err == nil {
		t.Error("Expected error for nil callback")
	}
	if s.IsStreaming() {
		t.Error("Failed starts must not leave the scheduler active")
	}
}

func TestQualityClamping(t *testing.T) {
	s := NewScheduler(steadySource(), Options{})

	if got := s.SetQuality(5); got != 1 {
		t.Errorf("Expected clamp to 1, got %v", got)
	}
	if got := s.SetQuality(-1); got != minQuality {
		t.Errorf("Expected clamp to %v, got %v", minQuality, got)
	}
	if got := s.SetQuality(0.5); got != 0.5 {
		t.Errorf("Expected 0.5 unchanged, got %v", got)
	}
	if got := s.Quality(); got != 0.5 {
		t.Errorf("Quality getter disagrees: %v", got)
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	s := NewScheduler(steadySource(), Options{FPS: 2000})

	frames := make(chan Frame, 64)
	if err := s.Start(4, 2, func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var prev uint64
	for i := 0; i < 10; i++ {
		select {
		case f := <-frames:
			if f.Sequence <= prev {
				t.Fatalf("Sequence not increasing: %d after %d", f.Sequence, prev)
			}
			prev = f.Sequence
			if f.Columns != 4 || f.Rows != 2 {
				t.Fatalf("Expected 4x2 frame, got %dx%d", f.Columns, f.Rows)
			}
			if f.SourceWidth != 8 || f.SourceHeight != 8 {
				t.Fatalf("Expected 8x8 source, got %dx%d", f.SourceWidth, f.SourceHeight)
			}
			if len(f.Data) == 0 {
				t.Fatal("Frame carried no encoded data")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for frames")
		}
	}
	s.Stop()
}

func TestTransientErrorsDoNotEndSession(t *testing.T) {
	var calls atomic.Int64
	src := &scriptedSource{frame: func(context.Context) (*capture.FrameBuffer, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("transient capture hiccup")
		}
		return testFrame()
	}}

	s := NewScheduler(src, Options{FPS: 1000})
	frames := make(chan Frame, 8)
	if err := s.Start(4, 2, func(f Frame) { frames <- f }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	select {
	case <-frames:
	case <-time.After(5 * time.Second):
		t.Fatal("No frame delivered after a transient error")
	}
	if !s.IsStreaming() {
		t.Error("Transient error must not stop the session")
	}
}

func TestCaptureUnavailableEndsSessionOnce(t *testing.T) {
	src := &scriptedSource{frame: func(context.Context) (*capture.FrameBuffer, error) {
		return nil, fmt.Errorf("%w: gone", capture.ErrCaptureUnavailable)
	}}

	var reported atomic.Int64
	errs := make(chan error, 4)
	s := NewScheduler(src, Options{
		FPS: 1000,
		OnError: func(err error) {
			reported.Add(1)
			errs <- err
		},
	})

	if err := s.Start(4, 2, func(Frame) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, capture.ErrCaptureUnavailable) {
			t.Errorf("Expected ErrCaptureUnavailable, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never fired")
	}

	// Give the loop time to misbehave if it were going to.
	time.Sleep(100 * time.Millisecond)
	if n := reported.Load(); n != 1 {
		t.Errorf("Expected exactly one error report, got %d", n)
	}
	if s.IsStreaming() {
		t.Error("Expected session to end after capture became unavailable")
	}
}

func TestScaledGrid(t *testing.T) {
	if c, r := scaledGrid(80, 24, 1.0); c != 80 || r != 24 {
		t.Errorf("Full quality must keep the grid, got %dx%d", c, r)
	}
	if c, r := scaledGrid(80, 24, 0.5); c != 40 || r != 12 {
		t.Errorf("Half quality should halve each axis, got %dx%d", c, r)
	}
	if c, r := scaledGrid(3, 3, 0.01); c < 1 || r < 1 {
		t.Errorf("Grid must never collapse to zero, got %dx%d", c, r)
	}
}
