package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/termdesk/termdesk/internal/capture"
	"github.com/termdesk/termdesk/internal/config"
	"github.com/termdesk/termdesk/internal/engine"
	"github.com/termdesk/termdesk/internal/logger"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "termdesk",
		Short: "Termdesk - Desktop streaming straight into your terminal",
		Long: `Termdesk captures your desktop and renders it as truecolor
half-block art in any modern terminal.

Features:
  • Shared-memory capture through a compositor socket
  • Portal and X11 capture fallbacks
  • Adaptive frame pacing with a runtime quality factor
  • One-shot PNG screenshots
  • REST API and websocket stream for integration`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/termdesk/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "capture backend (auto, compositor, framework)")
	rootCmd.PersistentFlags().String("socket", "", "compositor socket name or absolute path")

	// Bind flags to viper
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("capture.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("capture.socket_name", rootCmd.PersistentFlags().Lookup("socket"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// loadConfig builds the config manager and applies flag overrides.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	cfg := configMgr.Get()
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("capture.backend"); v != "" {
		cfg.Capture.Backend = v
	}
	if v := viper.GetString("capture.socket_name"); v != "" {
		cfg.Capture.SocketName = v
	}

	logger.Init(cfg.LogLevel, isTerminal(os.Stderr))
	return configMgr, configMgr.Update(cfg)
}

// newEngine builds an engine from the loaded configuration.
func newEngine(configMgr *config.Manager) (*engine.Engine, error) {
	cfg := configMgr.Get()
	return engine.New(engine.Config{
		Capture: capture.Options{
			Backend:    cfg.Capture.Backend,
			SocketName: cfg.Capture.SocketName,
		},
		FPS:     cfg.Stream.FPS,
		Quality: cfg.Stream.Quality,
	})
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
