package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gliderlab/voxbridge/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the credentials file",
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Set entries in the env file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := parseAssignments(args)
		if err != nil {
			return err
		}
		if err := config.MergeEnvConfig(envFile, updates); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %d key(s) in %s\n", len(updates), envFile)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the env file with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := config.ReadEnvConfig(envFile)
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, maskSecret(k, values[k]))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetCmd, configShowCmd)
}

func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}

func maskSecret(key, value string) string {
	upper := strings.ToUpper(key)
	if !strings.Contains(upper, "KEY") && !strings.Contains(upper, "TOKEN") && !strings.Contains(upper, "SECRET") {
		return value
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "****" + value[len(value)-2:]
}
