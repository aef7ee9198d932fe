package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_EmbeddedDataParses(t *testing.T) {
	reg := DefaultRegistry()

	assert.NotEmpty(t, reg.Services)
	assert.NotEmpty(t, reg.Regions)

	for _, svc := range []string{"s3", "rds", "ec2", "dynamodb", "lambda", "ecs"} {
		assert.True(t, reg.SupportsService(svc), svc)
	}
	assert.True(t, reg.SupportsRegion("us-east-1"))
	assert.True(t, reg.SupportsRegion("eu-west-1"))
}

func TestRegistry_MatchingIsCaseInsensitive(t *testing.T) {
	reg := DefaultRegistry()

	assert.True(t, reg.SupportsService("S3"))
	assert.True(t, reg.SupportsRegion("US-EAST-1"))
	assert.False(t, reg.SupportsService("sqs"))
	assert.False(t, reg.SupportsRegion("mars-north-1"))
}

func TestLoadRegistry_EmptyPathFallsBackToEmbedded(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.True(t, reg.SupportsService("s3"))
}

func TestLoadRegistry_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 2
services:
  - s3
  - kinesis
regions:
  - us-east-1
`), 0644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.True(t, reg.SupportsService("kinesis"))
	assert.False(t, reg.SupportsService("rds"))
	assert.Equal(t, 2, reg.Version)
}

func TestLoadRegistry_RejectsEmptyLists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nservices: []\nregions: [us-east-1]\n"), 0644))

	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no services")
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
