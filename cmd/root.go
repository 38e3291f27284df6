package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const envConfigPath = "XMPPWEBHOOK_CONFIG"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "xmppwebhook",
	Short: "Bridge HTTP webhooks and XMPP chat",
	Long:  "xmppwebhook relays HTTP webhook calls into XMPP rooms and contacts, and turns chat messages into outgoing webhook calls.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		if err := loadDotEnv(".env"); err != nil {
			return err
		}
		if configPath != "" {
			return os.Setenv(envConfigPath, configPath)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file (overrides "+envConfigPath+")")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a dotenv file if present. Variables already set in the
// environment win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
