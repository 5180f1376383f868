package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"sixseven/internal/client"
	"sixseven/internal/config"
	"sixseven/internal/logging"
)

const localConfigFile = "sixseven.toml"

var (
	cfgPath    string
	verbose    bool
	jsonOut    bool
	serverAddr string
	version    = config.Version
	commit     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "sixseven",
	Short:   "Voice command job runner",
	Long:    "sixseven turns short spoken commands into research and image generation jobs, tracks them, and lets you cancel them mid-flight.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "warn"
		if verbose {
			level = "debug"
		}
		logging.Setup(logging.Options{Level: level, Format: "console"})
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "API address (default: server.addr from config)")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./sixseven.toml > ~/.config/sixseven/config.toml.
// An empty result means built-in defaults.
func resolveConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if _, err := os.Stat(localConfigFile); err == nil {
		return localConfigFile
	}
	if globalPath, err := config.GlobalConfigPath(); err == nil {
		if _, err := os.Stat(globalPath); !errors.Is(err, fs.ErrNotExist) {
			return globalPath
		}
	}
	return ""
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// newClient talks to --server, falling back to the configured listen address.
func newClient() (*client.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	return client.New(addr), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
