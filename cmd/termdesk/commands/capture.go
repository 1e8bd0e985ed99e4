package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a single screenshot",
	Long:  `Capture one frame from the desktop and write it out as PNG.`,
	Example: `  # Write screenshot.png in the current directory
  termdesk capture

  # Write to a specific path
  termdesk capture --output /tmp/desk.png

  # Force the X11/portal path even when a compositor socket exists
  termdesk capture --backend framework`,
	RunE: runCapture,
}

var captureOutput string

func init() {
	rootCmd.AddCommand(captureCmd)

	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "screenshot.png", "output file path")
}

func runCapture(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := newEngine(configMgr)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := eng.CapturePNG(ctx)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	if err := os.WriteFile(captureOutput, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", captureOutput, err)
	}

	fmt.Printf("Wrote %s (%d bytes)\n", captureOutput, len(data))
	return nil
}
