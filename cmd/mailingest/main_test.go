package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "migrate", "ingest", "retry-attachments", "version"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, ingestCmd.Flags().Lookup("file"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestReadPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"emailId":"em_1"}`), 0o600))

	body, err := readPayload(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"emailId":"em_1"}`, string(body))

	_, err = readPayload(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
