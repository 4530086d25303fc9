package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/pkg/config"
	"conductor/pkg/logx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Compose execution units into resilient request pipelines",
		Long:          `Conductor routes requests through single, router, pipeline or parallel compositions of LLM-backed units, guarded by timeouts, circuit breakers and admission control.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON config file")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(), newAskCmd(), newSecretsCmd(), newVersionCmd())
	return root
}

// loadConfig reads the --config file and unlocks the secrets file when a
// password is available in the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug.Enabled = true
	}

	dir := cfg.SecretsDirOrDefault()
	if !config.SecretsFileExists(dir) {
		return cfg, nil
	}
	password := os.Getenv(config.EnvSecretsPassword)
	if password == "" {
		logx.NewLogger("cli").Warn("secrets file in %s is locked; set %s to use it", dir, config.EnvSecretsPassword)
		return cfg, nil
	}
	secrets, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return cfg, nil
}
