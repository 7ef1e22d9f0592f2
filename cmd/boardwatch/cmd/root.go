package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"boardwatch/internal/dedup"
	"boardwatch/lib/configutil"

	"github.com/spf13/cobra"
)

var configPath string

// Config is the non-secret half of the setup; credentials and the bot
// token come from the environment.
type Config struct {
	BaseUrl  string   `json:"base_url"`
	Boards   []string `json:"boards"`
	MaxPages int      `json:"max_pages"`
	Batch    int      `json:"batch"`
	// Heartbeat posts a liveness message on runs with nothing new
	Heartbeat bool `json:"heartbeat"`
	// StateDir holds dedup.db, the page cache and the run lock
	StateDir string `json:"state_dir"`
	// ExcludedImages/EmbedHosts override the built-in media-discovery
	// lists when the site's decoration or player hosts change
	ExcludedImages []string `json:"excluded_images"`
	EmbedHosts     []string `json:"embed_hosts"`
	// Headful runs the challenge browser with a visible window, for
	// debugging challenge flows locally
	Headful bool `json:"headful"`
}

func readConfig() (Config, error) {
	config, err := configutil.ReadConfig[Config](configPath)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}
	if config.BaseUrl == "" {
		return Config{}, fmt.Errorf("%s: base_url is required", configPath)
	}
	if len(config.Boards) == 0 {
		return Config{}, fmt.Errorf("%s: at least one board is required", configPath)
	}
	if config.StateDir == "" {
		config.StateDir = "state"
	}
	return config, nil
}

func openDedup(config Config) (*dedup.Store, error) {
	return dedup.Open(filepath.Join(config.StateDir, "dedup.db"))
}

func requireEnv(key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return value, nil
}

var rootCmd = &cobra.Command{
	Use:   "boardwatch",
	Short: "boardwatch scans login-gated discussion boards and forwards new posts to a Telegram chat.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "config.json5", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
