package glyph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/termdesk/termdesk/internal/capture"
)

func solidFrame(w, h int, r, g, b uint8) *capture.FrameBuffer {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, 255
	}
	return &capture.FrameBuffer{Pixels: pix, Width: w, Height: h, Stride: w * 4}
}

func TestEncodeLineStructure(t *testing.T) {
	enc := NewEncoder(8, 4)
	out := enc.Encode(solidFrame(16, 8, 200, 10, 10))

	if out.Columns != 8 || out.Rows != 4 {
		t.Fatalf("Expected 8x4 grid, got %dx%d", out.Columns, out.Rows)
	}

	lines := bytes.Split(bytes.TrimSuffix(out.Data, []byte("\n")), []byte("\n"))
	if len(lines) != 4 {
		t.Fatalf("Expected 4 lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !bytes.HasSuffix(line, []byte("\x1b[0m")) {
			t.Errorf("Line %d missing trailing reset", i)
		}
	}
}

func TestEncodeSolidColorUsesFullBlocks(t *testing.T) {
	enc := NewEncoder(4, 2)
	out := enc.Encode(solidFrame(8, 4, 255, 0, 0))

	s := string(out.Data)
	if !strings.Contains(s, "\x1b[38;2;255;0;0m") {
		t.Error("Expected a truecolor foreground sequence for red")
	}
	if strings.Contains(s, "▄") {
		t.Error("Uniform cells should render as full blocks, not half blocks")
	}
	// One color sequence per line is enough for a flat frame.
	if n := strings.Count(s, "\x1b[38;2"); n != 2 {
		t.Errorf("Expected 2 foreground sequences (one per line), got %d", n)
	}
}

func TestEncodeSplitCellUsesHalfBlock(t *testing.T) {
	// 1x2 source: white over black, exactly one cell.
	fb := &capture.FrameBuffer{
		Pixels: []byte{
			255, 255, 255, 255,
			0, 0, 0, 255,
		},
		Width:  1,
		Height: 2,
		Stride: 4,
	}
	enc := NewEncoder(1, 1)
	out := enc.Encode(fb)

	s := string(out.Data)
	if !strings.Contains(s, "▄") {
		t.Error("Expected a half block for a vertically split cell")
	}
	if !strings.Contains(s, "\x1b[48;2;255;255;255m") {
		t.Error("Expected white background for the top half")
	}
	if !strings.Contains(s, "\x1b[38;2;0;0;0m") {
		t.Error("Expected black foreground for the bottom half")
	}
}

func TestEncodeDegenerateInputs(t *testing.T) {
	enc := NewEncoder(10, 5)

	if out := enc.Encode(nil); len(out.Data) != 0 {
		t.Error("Nil frame should encode to nothing")
	}
	if out := enc.Encode(&capture.FrameBuffer{Width: 0, Height: 0}); len(out.Data) != 0 {
		t.Error("Empty frame should encode to nothing")
	}
	if out := NewEncoder(0, 0).Encode(solidFrame(4, 4, 1, 2, 3)); len(out.Data) != 0 {
		t.Error("Zero-area grid should encode to nothing")
	}
}

func TestEncoderReuseAcrossFrames(t *testing.T) {
	enc := NewEncoder(3, 3)

	first := enc.Encode(solidFrame(6, 6, 0, 255, 0))
	second := enc.Encode(solidFrame(6, 6, 0, 0, 255))

	if bytes.Contains(second.Data, []byte("38;2;0;255;0")) {
		t.Error("Second frame leaked colors from the first")
	}
	if len(first.Data) == 0 || len(second.Data) == 0 {
		t.Error("Both frames should produce output")
	}
}

func TestFitGrid(t *testing.T) {
	// 16:9 source in an 80x24 terminal with square-doubling cells.
	cols, rows := FitGrid(1920, 1080, 80, 24, 0)
	if cols < 1 || rows < 1 || cols > 80 || rows > 24 {
		t.Fatalf("Grid out of bounds: %dx%d", cols, rows)
	}
	// With cell doubling, an 80x24 terminal fits the full 16:9 width.
	if cols != 80 {
		t.Errorf("Expected full column use, got %dx%d", cols, rows)
	}

	if c, r := FitGrid(0, 1080, 80, 24, 0.5); c != 0 || r != 0 {
		t.Errorf("Degenerate source should yield an empty grid, got %dx%d", c, r)
	}

	// A tall source is limited by columns before rows.
	cols, rows = FitGrid(100, 2000, 80, 1000, 0.5)
	if cols != 80 {
		t.Errorf("Expected full column use for a tall source, got %dx%d", cols, rows)
	}
}
