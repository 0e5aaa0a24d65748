package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, "node_id: node-a\nttl_seconds: 7\nadmit_fraction: 0.5\n")
	f, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, f.NodeID)
	assert.Equal(t, "node-a", *f.NodeID)
	require.NotNil(t, f.TTLSeconds)
	assert.Equal(t, 7, *f.TTLSeconds)
}

func TestApplyDefaultsSkipsExplicitlySetFlags(t *testing.T) {
	nodeID := "from-config"
	ttl := 9
	f := &File{NodeID: &nodeID, TTLSeconds: &ttl}

	target := &Values{NodeID: "from-flag", LeaseTTL: 3 * time.Second}
	f.ApplyDefaults(map[string]bool{"node-id": true}, target)

	assert.Equal(t, "from-flag", target.NodeID, "explicitly-set flag must not be overridden")
	assert.Equal(t, 9*time.Second, target.LeaseTTL, "unset flag should take the config file value")
}

func TestApplyDefaultsLeavesFieldsAloneWhenAbsentFromFile(t *testing.T) {
	f := &File{}
	target := &Values{StoreAddr: "localhost:6379"}
	f.ApplyDefaults(map[string]bool{}, target)
	assert.Equal(t, "localhost:6379", target.StoreAddr)
}
