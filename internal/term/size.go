// Package term reads terminal geometry for sizing the rendered grid.
package term

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrNoTerminal is returned when none of the standard streams is a tty.
var ErrNoTerminal = errors.New("term: no terminal attached")

// Size is the terminal's cell grid plus, when the terminal reports it,
// the pixel dimensions of the text area.
type Size struct {
	Columns int
	Rows    int

	// WidthPx and HeightPx are zero when the terminal does not report
	// pixel geometry.
	WidthPx  int
	HeightPx int
}

// CurrentSize queries stdout first, then stderr, then stdin. Stdout may
// be redirected while stderr still points at the terminal, so the later
// streams are real fallbacks, not paranoia.
func CurrentSize() (Size, error) {
	for _, f := range []*os.File{os.Stdout, os.Stderr, os.Stdin} {
		ws, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
		if err != nil {
			continue
		}
		if ws.Col == 0 || ws.Row == 0 {
			continue
		}
		return Size{
			Columns:  int(ws.Col),
			Rows:     int(ws.Row),
			WidthPx:  int(ws.Xpixel),
			HeightPx: int(ws.Ypixel),
		}, nil
	}
	return Size{}, ErrNoTerminal
}

// FontRatio derives the cell width/height ratio from reported pixel
// geometry. Terminals that report no pixel size get zero; callers treat
// zero as "use the default".
func (s Size) FontRatio() float64 {
	if s.WidthPx <= 0 || s.HeightPx <= 0 || s.Columns <= 0 || s.Rows <= 0 {
		return 0
	}
	cellW := float64(s.WidthPx) / float64(s.Columns)
	cellH := float64(s.HeightPx) / float64(s.Rows)
	if cellH <= 0 {
		return 0
	}
	return cellW / cellH
}
