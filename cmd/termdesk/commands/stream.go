package commands

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/termdesk/termdesk/internal/capture"
	"github.com/termdesk/termdesk/internal/engine"
	"github.com/termdesk/termdesk/internal/glyph"
	"github.com/termdesk/termdesk/internal/stream"
	"github.com/termdesk/termdesk/internal/term"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream the desktop into this terminal",
	Long: `Render a live view of the desktop as truecolor half-block art
in the current terminal. The grid defaults to the terminal size; logs go
to stderr so the picture owns stdout.`,
	Example: `  # Stream at the terminal's size
  termdesk stream

  # Lower quality for slow links
  termdesk stream --quality 0.5

  # Fixed grid and frame rate
  termdesk stream --columns 100 --rows 40 --fps 15`,
	RunE: runStream,
}

var (
	streamFPS     float64
	streamQuality float64
	streamColumns int
	streamRows    int
)

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().Float64Var(&streamFPS, "fps", 0, "frames per second at full quality")
	streamCmd.Flags().Float64VarP(&streamQuality, "quality", "q", 0, "quality factor in (0,1]")
	streamCmd.Flags().IntVar(&streamColumns, "columns", 0, "grid width in cells (default: terminal width)")
	streamCmd.Flags().IntVar(&streamRows, "rows", 0, "grid height in cells (default: terminal height)")
}

func runStream(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	if streamFPS <= 0 {
		streamFPS = cfg.Stream.FPS
	}
	if streamQuality <= 0 {
		streamQuality = cfg.Stream.Quality
	}
	columns, rows := streamColumns, streamRows
	if columns <= 0 {
		columns = cfg.Stream.Columns
	}
	if rows <= 0 {
		rows = cfg.Stream.Rows
	}

	streamErrs := make(chan error, 1)
	eng, err := engine.New(engine.Config{
		Capture: capture.Options{
			Backend:    cfg.Capture.Backend,
			SocketName: cfg.Capture.SocketName,
		},
		FPS:     streamFPS,
		Quality: streamQuality,
		OnStreamError: func(err error) {
			streamErrs <- err
		},
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	if columns <= 0 || rows <= 0 {
		size, err := term.CurrentSize()
		if err != nil {
			return fmt.Errorf("no grid given and terminal size unknown: %w", err)
		}
		main, err := eng.MainDisplay()
		if err != nil {
			return fmt.Errorf("failed to query main display: %w", err)
		}
		// Leave one row for the shell prompt after exit.
		columns, rows = glyph.FitGrid(main.Width, main.Height, size.Columns, size.Rows-1, size.FontRatio())
	}

	out := bufio.NewWriterSize(os.Stdout, 1<<16)
	fmt.Fprint(out, "\x1b[?1049h\x1b[2J\x1b[?25l") // alt screen, clear, hide cursor
	out.Flush()
	defer func() {
		fmt.Fprint(os.Stdout, "\x1b[0m\x1b[?25h\x1b[?1049l") // restore terminal
	}()

	err = eng.StartStream(columns, rows, func(f stream.Frame) {
		out.WriteString("\x1b[H") // home, redraw in place
		out.Write(f.Data)
		out.Flush()
	})
	if err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	defer eng.StopStream()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		return nil
	case err := <-streamErrs:
		return fmt.Errorf("stream ended: %w", err)
	}
}
