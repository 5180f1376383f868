package cli

import (
	"github.com/spf13/cobra"

	"sixseven/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and job workers in the foreground",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}
	return daemon.Run(cmd.Context(), cfg)
}
