package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Server.LeaseWindow = 0
	require.ErrorContains(t, cfg.Validate(), "lease_window")

	cfg = Defaults()
	cfg.Orchestrator.Cluster = ""
	require.ErrorContains(t, cfg.Validate(), "cluster")
}

func TestOrchestratorID(t *testing.T) {
	cfg := Defaults()
	cfg.Orchestrator.Cluster = "dev"
	cfg.Orchestrator.MachineID = "box1"
	require.Equal(t, "dev-box1", cfg.OrchestratorID())

	cfg.Orchestrator.MachineID = ""
	host, _ := os.Hostname()
	require.Equal(t, "dev-"+host, cfg.OrchestratorID())
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".octopoid", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "listen: localhost:4600")

	// Refuses to clobber an existing file.
	require.Error(t, WriteDefaultConfig(path))
}
