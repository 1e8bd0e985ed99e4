package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/termdesk/termdesk/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage termdesk configuration",
	Long:  `View and manage termdesk configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current termdesk configuration.`,
	Example: `  # Show configuration as YAML (default)
  termdesk config show

  # Show configuration as JSON
  termdesk config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value.`,
	Example: `  # Set server port
  termdesk config set server_port 9090

  # Set default stream quality
  termdesk config set stream.quality 0.5

  # Set log level
  termdesk config set log_level debug`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  termdesk config get server_port

  # Get log level
  termdesk config get log_level`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch key {
	case "server_port":
		var port int
		if _, err := fmt.Sscanf(value, "%d", &port); err != nil {
			return fmt.Errorf("invalid port number: %s", value)
		}
		if err := configMgr.SetPort(port); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	case "log_level":
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[value] {
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
		}
		if err := configMgr.SetLogLevel(value); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	case "stream.quality":
		var quality float64
		if _, err := fmt.Sscanf(value, "%g", &quality); err != nil {
			return fmt.Errorf("invalid quality: %s", value)
		}
		if quality <= 0 || quality > 1 {
			return fmt.Errorf("quality must be in (0, 1], got %s", value)
		}
		if err := configMgr.SetQuality(quality); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	case "stream.fps", "stream.columns", "stream.rows", "capture.backend", "capture.socket_name":
		cfg := configMgr.Get()
		switch key {
		case "stream.fps":
			var fps float64
			if _, err := fmt.Sscanf(value, "%g", &fps); err != nil || fps <= 0 {
				return fmt.Errorf("invalid fps: %s", value)
			}
			cfg.Stream.FPS = fps
		case "stream.columns":
			var cols int
			if _, err := fmt.Sscanf(value, "%d", &cols); err != nil {
				return fmt.Errorf("invalid number: %s", value)
			}
			cfg.Stream.Columns = cols
		case "stream.rows":
			var rows int
			if _, err := fmt.Sscanf(value, "%d", &rows); err != nil {
				return fmt.Errorf("invalid number: %s", value)
			}
			cfg.Stream.Rows = rows
		case "capture.backend":
			if value != "auto" && value != "compositor" && value != "framework" {
				return fmt.Errorf("invalid backend: %s (use: auto, compositor, framework)", value)
			}
			cfg.Capture.Backend = value
		case "capture.socket_name":
			cfg.Capture.SocketName = value
		}
		if err := configMgr.Update(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	fmt.Printf("Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()
	switch key {
	case "server_port":
		fmt.Println(configMgr.GetPort())
	case "log_level":
		fmt.Println(configMgr.GetLogLevel())
	case "stream.fps":
		fmt.Println(cfg.Stream.FPS)
	case "stream.quality":
		fmt.Println(cfg.Stream.Quality)
	case "stream.columns":
		fmt.Println(cfg.Stream.Columns)
	case "stream.rows":
		fmt.Println(cfg.Stream.Rows)
	case "capture.backend":
		fmt.Println(cfg.Capture.Backend)
	case "capture.socket_name":
		fmt.Println(cfg.Capture.SocketName)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(configMgr.GetConfigPath())
	return nil
}
