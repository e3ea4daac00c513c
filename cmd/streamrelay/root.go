package main

import (
	"os"

	"github.com/nulzo/streamrelay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AppVersion is stamped at build time with -ldflags "-X main.AppVersion=...".
var AppVersion = "v0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "streamrelay",
	Short:         "Streaming relay for Claude, OpenAI and Gemini clients",
	Long:          `streamrelay accepts requests in each vendor's native wire format, routes them across configured providers with fallback, and relays the upstream stream back while recording usage.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (defaults to ./config.yaml, or $CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, *viper.Viper, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	return config.LoadConfigFrom(path)
}
