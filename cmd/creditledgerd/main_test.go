package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger/auth"
)

const testConfig = `
store:
  driver: memory
server:
  token_secret: ${CREDITLEDGER_TEST_SECRET}
`

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("CREDITLEDGER_TEST_SECRET", "cli-test-secret-0123456789")
	path := filepath.Join(t.TempDir(), "creditledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestEstimateCommand(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "estimate", "plan", "--config", path, "--prompt", "Draw a lighthouse at dusk")
	assert.Contains(t, out, "Action:          plan")
	assert.Contains(t, out, "Output tokens:   1024 (+1024 thinking)")
	assert.Contains(t, out, "Display credits: ")
}

func TestPurchasesPendingCommand(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "purchases", "pending", "--config", path)
	assert.Contains(t, out, "No purchases pending consumption.")
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t)

	out := run(t, "token", "user-1", "--config", path)
	line := strings.TrimSpace(out)
	require.True(t, strings.HasPrefix(line, "Authorization: Bearer "))

	authn, err := auth.New("cli-test-secret-0123456789")
	require.NoError(t, err)
	uid, err := authn.Verify(strings.TrimPrefix(line, "Authorization: Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}
