package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinelink/extsource/pkg/errors"
)

func writeRecord(t *testing.T, root, kind, id, content string) {
	t.Helper()
	dir := filepath.Join(root, kind)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(content), 0o644))
}

func TestLoadMachineConfiguration(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "machines", "mill-3", `
id: mill-3
request:
  url: https://data.example.com/machines/mill-3
measurements:
  temperature:
    request:
      query_string:
        q: temp
`)

	dir, err := NewDirectory(root)
	require.NoError(t, err)

	machine, err := dir.MachineConfiguration(context.Background(), "mill-3")
	require.NoError(t, err)
	assert.Equal(t, "mill-3", machine.ID())
	assert.Equal(t, []string{"temperature"}, machine.MeasurementIDs())
}

func TestLoadAuthorizationConfiguration(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "authorizations", "api-key", `
id: api-key
request:
  url: https://auth.example.com/token
`)

	dir, err := NewDirectory(root)
	require.NoError(t, err)

	auth, err := dir.AuthorizationConfiguration(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "api-key", auth.ID())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("EXTSOURCE_TEST_SECRET", "s3cret")

	root := t.TempDir()
	writeRecord(t, root, "authorizations", "api-key", `
id: api-key
request:
  url: https://auth.example.com/token
  headers:
    x-api-key: ${EXTSOURCE_TEST_SECRET}
`)

	dir, err := NewDirectory(root)
	require.NoError(t, err)

	auth, err := dir.AuthorizationConfiguration(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", auth.Settings().GetString("request", "headers", "x-api-key"))
}

func TestLoadMissingRecord(t *testing.T) {
	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	_, err = dir.MachineConfiguration(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	_, err = dir.MachineConfiguration(context.Background(), "../escape")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))
	assert.Contains(t, err.Error(), "invalid configuration id")
}

func TestNewDirectoryMissing(t *testing.T) {
	_, err := NewDirectory(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))
}

func TestLoadInvalidYAML(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "machines", "broken", "id: [unclosed")

	dir, err := NewDirectory(root)
	require.NoError(t, err)

	_, err = dir.MachineConfiguration(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeLoad))
}
