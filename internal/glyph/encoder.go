// Package glyph renders RGBA frames as ANSI half-block art. Each
// terminal cell carries two vertically stacked pixels: the background
// color paints the top half and the foreground paints the bottom via
// U+2584 LOWER HALF BLOCK. Output targets truecolor terminals.
package glyph

import (
	"fmt"
	"image"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/termdesk/termdesk/internal/capture"
)

// DefaultFontRatio is the assumed width/height ratio of a terminal
// cell's glyph box. Half of a square keeps circles round on the vast
// majority of monospace fonts.
const DefaultFontRatio = 0.5

// EncodedFrame is one frame rendered to terminal escape sequences.
// Data holds Rows newline-terminated lines, each ending with a reset so
// partial writes never leak colors into the shell.
type EncodedFrame struct {
	Data    []byte
	Columns int
	Rows    int
}

type color struct {
	r, g, b uint8
}

// Encoder renders frames at a fixed cell grid. It is not safe for
// concurrent use; the stream scheduler owns one per session.
type Encoder struct {
	columns int
	rows    int
	scaled  *image.RGBA
	buf     strings.Builder
}

// NewEncoder builds an encoder for a columns x rows cell grid.
func NewEncoder(columns, rows int) *Encoder {
	return &Encoder{columns: columns, rows: rows}
}

// Encode renders fb into escape sequences. Degenerate input, a nil or
// empty frame or a zero-area grid, yields an empty frame rather than an
// error: there is nothing wrong, just nothing to draw.
func (e *Encoder) Encode(fb *capture.FrameBuffer) EncodedFrame {
	if e.columns <= 0 || e.rows <= 0 ||
		fb == nil || fb.Width <= 0 || fb.Height <= 0 || len(fb.Pixels) == 0 {
		return EncodedFrame{}
	}

	scaled := e.scale(fb)

	e.buf.Reset()
	for row := 0; row < e.rows; row++ {
		e.encodeRow(scaled, row)
	}

	return EncodedFrame{
		Data:    []byte(e.buf.String()),
		Columns: e.columns,
		Rows:    e.rows,
	}
}

// scale resamples the source down (or up) to one pixel per half-cell.
func (e *Encoder) scale(fb *capture.FrameBuffer) *image.RGBA {
	src := &image.RGBA{
		Pix:    fb.Pixels,
		Stride: fb.Stride,
		Rect:   image.Rect(0, 0, fb.Width, fb.Height),
	}

	w, h := e.columns, e.rows*2
	if e.scaled == nil || e.scaled.Rect.Dx() != w || e.scaled.Rect.Dy() != h {
		e.scaled = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	xdraw.ApproxBiLinear.Scale(e.scaled, e.scaled.Rect, src, src.Rect, xdraw.Src, nil)
	return e.scaled
}

// encodeRow emits one line of cells. Color sequences are written only
// when the running foreground or background changes, which keeps lines
// short on flat regions.
func (e *Encoder) encodeRow(img *image.RGBA, row int) {
	var fg, bg color
	fgSet, bgSet := false, false

	for col := 0; col < e.columns; col++ {
		top := pixelAt(img, col, row*2)
		bottom := pixelAt(img, col, row*2+1)

		if top == bottom {
			switch {
			case bgSet && bg == top:
				e.buf.WriteByte(' ')
			case fgSet && fg == top:
				e.buf.WriteRune('█')
			default:
				e.writeForeground(top)
				fg, fgSet = top, true
				e.buf.WriteRune('█')
			}
			continue
		}

		if !bgSet || bg != top {
			e.writeBackground(top)
			bg, bgSet = top, true
		}
		if !fgSet || fg != bottom {
			e.writeForeground(bottom)
			fg, fgSet = bottom, true
		}
		e.buf.WriteRune('▄')
	}

	e.buf.WriteString("\x1b[0m\n")
}

func (e *Encoder) writeForeground(c color) {
	fmt.Fprintf(&e.buf, "\x1b[38;2;%d;%d;%dm", c.r, c.g, c.b)
}

func (e *Encoder) writeBackground(c color) {
	fmt.Fprintf(&e.buf, "\x1b[48;2;%d;%d;%dm", c.r, c.g, c.b)
}

func pixelAt(img *image.RGBA, x, y int) color {
	i := img.PixOffset(x, y)
	return color{r: img.Pix[i], g: img.Pix[i+1], b: img.Pix[i+2]}
}

// FitGrid computes the largest cell grid within maxCols x maxRows that
// preserves the source aspect ratio, compensating for non-square cells
// through fontRatio. A fontRatio at or below zero selects the default.
func FitGrid(srcWidth, srcHeight, maxCols, maxRows int, fontRatio float64) (cols, rows int) {
	if srcWidth <= 0 || srcHeight <= 0 || maxCols <= 0 || maxRows <= 0 {
		return 0, 0
	}
	if fontRatio <= 0 {
		fontRatio = DefaultFontRatio
	}

	// One cell spans fontRatio as much width as height, so the source
	// aspect is stretched by 1/fontRatio when measured in cells.
	aspect := float64(srcWidth) / float64(srcHeight) / fontRatio

	cols = maxCols
	rows = int(float64(cols)/aspect + 0.5)
	if rows > maxRows {
		rows = maxRows
		cols = int(float64(rows)*aspect + 0.5)
		if cols > maxCols {
			cols = maxCols
		}
	}
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return cols, rows
}
