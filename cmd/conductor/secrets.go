package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"conductor/pkg/config"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
	}
	cmd.PersistentFlags().String("dir", "", "Secrets directory (defaults to ~/.conductor)")

	set := &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret, prompting for the value when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := secretsDir(cmd)
			password, err := secretsPassword(!config.SecretsFileExists(dir))
			if err != nil {
				return err
			}
			if err := unlock(dir, password); err != nil {
				return err
			}

			value := ""
			if len(args) == 2 {
				value = args[1]
			} else if value, err = readHidden(fmt.Sprintf("Value for %s: ", args[0])); err != nil {
				return err
			}
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("secret %s must not be empty", args[0])
			}

			config.SetSecret(args[0], value)
			if err := config.SaveSecretsToFile(dir, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s\n", args[0], dir)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := secretsDir(cmd)
			if !config.SecretsFileExists(dir) {
				return fmt.Errorf("no secrets file in %s", dir)
			}
			password, err := secretsPassword(false)
			if err != nil {
				return err
			}
			if err := unlock(dir, password); err != nil {
				return err
			}
			for _, name := range config.GetDecryptedSecretNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}

func secretsDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return config.DefaultSecretsDir()
}

// unlock loads an existing secrets file into memory so that new entries are
// added to it rather than replacing it. A missing file starts empty.
func unlock(dir, password string) error {
	if !config.SecretsFileExists(dir) {
		config.SetDecryptedSecrets(map[string]string{})
		return nil
	}
	secrets, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}

// secretsPassword takes the password from the environment, or prompts for it.
// A new file asks for confirmation.
func secretsPassword(confirm bool) (string, error) {
	if password := os.Getenv(config.EnvSecretsPassword); password != "" {
		return password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal to prompt on; set %s", config.EnvSecretsPassword)
	}

	first, err := readHiddenBytes("Secrets password: ")
	if err != nil {
		return "", err
	}
	defer clear(first)
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	if confirm {
		second, err := readHiddenBytes("Confirm password: ")
		if err != nil {
			return "", err
		}
		defer clear(second)
		if !bytes.Equal(first, second) {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return string(first), nil
}

func readHidden(prompt string) (string, error) {
	b, err := readHiddenBytes(prompt)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readHiddenBytes(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return b, nil
}
