package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"sixseven/internal/config"
	"sixseven/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and store API keys",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config with API keys redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetKeyCmd = &cobra.Command{
	Use:       "set-key research|creative <api-key>",
	Short:     "Save a provider API key to credentials.toml",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"research", "creative"},
	RunE:      runConfigSetKey,
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetKeyCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	shown := *cfg
	shown.Research.APIKey = logging.Redact(cfg.Research.APIKey)
	shown.Creative.APIKey = logging.Redact(cfg.Creative.APIKey)

	if jsonOut {
		printJSON(shown)
		return nil
	}
	if path := resolveConfigPath(); path != "" {
		fmt.Printf("# %s\n", path)
	} else {
		fmt.Println("# built-in defaults")
	}
	return toml.NewEncoder(os.Stdout).Encode(shown)
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	which := strings.ToLower(args[0])
	key := strings.TrimSpace(args[1])
	if key == "" {
		return fmt.Errorf("api key must not be empty")
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	switch which {
	case "research":
		creds.YutoriAPIKey = key
	case "creative":
		creds.FreepikAPIKey = key
	default:
		return fmt.Errorf("unknown provider %q (expected research or creative)", args[0])
	}
	if err := config.SaveCredentials(creds); err != nil {
		return err
	}
	path, _ := config.CredentialsPath()
	if jsonOut {
		printJSON(map[string]any{"provider": which, "path": path, "key": logging.Redact(key)})
		return nil
	}
	fmt.Printf("Saved %s key %s to %s\n", which, logging.Redact(key), path)
	return nil
}
