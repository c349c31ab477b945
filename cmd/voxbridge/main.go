// Command voxbridge runs the execution gateway and the realtime voice agent
// bridge that drives it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gliderlab/voxbridge/pkg/config"
)

// set by -ldflags "-X main.version=..."
var version = "dev"

const envPrefix = "VOXBRIDGE_"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "voxbridge",
	Short:         "Voice agent shell bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "voxbridge", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvConfigPath(), "KEY=VALUE credentials file")
	rootCmd.AddCommand(serveCmd, agentCmd, execCmd, configCmd, versionCmd)
}

// loadConfig layers defaults, the config file, the env file and the
// environment, later sources winning
func loadConfig() (*config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if configPath != "" {
		if err := cfg.MergeFile(configPath); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		config.ApplyEnvConfig(envFile)
	}
	cfg.LoadFromEnv(envPrefix)
	return cfg, nil
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
