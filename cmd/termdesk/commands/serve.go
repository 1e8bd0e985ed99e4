package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/termdesk/termdesk/internal/api"
	"github.com/termdesk/termdesk/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the termdesk API server",
	Long: `Start the HTTP server exposing display enumeration, one-shot
capture and stream control, plus a websocket feed of encoded frames.`,
	Example: `  # Start server on the default port (8080)
  termdesk serve

  # Start server on a custom port
  termdesk serve --port 9090

  # Start with debug logging
  termdesk serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "server port (default is 8080)")
	viper.BindPFlag("server_port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			configMgr.SetPort(port)
		}
	}
	cfg := configMgr.Get()

	eng, err := newEngine(configMgr)
	if err != nil {
		return err
	}
	defer eng.Close()

	server := api.NewServer(eng, configMgr)

	log := logger.WithComponent("serve")
	go func() {
		if err := server.Start(cfg.ServerPort); err != nil {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	log.Info().
		Int("port", cfg.ServerPort).
		Str("config", configMgr.GetConfigPath()).
		Msg("Termdesk is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	log.Info().Msg("Shutting down gracefully")
	return nil
}
