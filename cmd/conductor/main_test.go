package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
)

func writeConfig(t *testing.T, secretsDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	body := "secrets_dir: " + secretsDir + "\nserver:\n  addr: 127.0.0.1:0\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestAsk(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	out, _, err := execute(t, "ask", "--config", cfg, "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", out)
}

func TestAskStream(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	out, status, err := execute(t, "ask", "-s", "--config", cfg, "streamed words arrive")
	require.NoError(t, err)
	assert.Equal(t, "streamed words arrive\n", out)
	assert.Contains(t, status, "[Processing...]")
}

func TestAskRequiresQuestion(t *testing.T) {
	_, _, err := execute(t, "ask")
	assert.Error(t, err)
}

func TestSecretsSetAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvSecretsPassword, "correct horse")

	_, _, err := execute(t, "secrets", "set", "--dir", dir, config.EnvOpenAIAPIKey, "sk-test-value")
	require.NoError(t, err)
	_, _, err = execute(t, "secrets", "set", "--dir", dir, config.EnvAnthropicAPIKey, "sk-ant-value")
	require.NoError(t, err)
	assert.True(t, config.SecretsFileExists(dir))

	out, _, err := execute(t, "secrets", "list", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, config.EnvAnthropicAPIKey+"\n"+config.EnvOpenAIAPIKey+"\n", out)

	secrets, err := config.DecryptSecretsFile(dir, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-value", secrets[config.EnvOpenAIAPIKey])

	t.Setenv(config.EnvSecretsPassword, "wrong")
	_, _, err = execute(t, "secrets", "list", "--dir", dir)
	assert.ErrorContains(t, err, "decryption failed")
}

func TestConfigUnlocksSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.EncryptSecretsFile(dir, "pw", map[string]string{"CONDUCTOR_TEST_SECRET": "unlocked"}))
	t.Setenv(config.EnvSecretsPassword, "pw")

	_, _, err := execute(t, "ask", "--config", writeConfig(t, dir), "q")
	require.NoError(t, err)

	v, err := config.GetSecret("CONDUCTOR_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "unlocked", v)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "conductor dev (commit none, built unknown)\n", out)
}
