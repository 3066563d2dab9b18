// Package loader reads configuration records from YAML files on disk,
// one file per record, named after the record id. It backs the manager's
// caches in file-based deployments.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/machinelink/extsource/pkg/config"
	"github.com/machinelink/extsource/pkg/errors"
)

// Directory loads records from "<root>/<kind>/<id>.yaml". Machine
// configurations live under "machines", authorization configurations
// under "authorizations".
type Directory struct {
	root string
}

// NewDirectory creates a loader rooted at the given directory.
func NewDirectory(root string) (*Directory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad,
			fmt.Sprintf("cannot open configuration directory %q", root))
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrorTypeLoad,
			"%q is not a directory", root)
	}
	return &Directory{root: root}, nil
}

// MachineConfiguration loads the machine configuration with the given
// id.
func (d *Directory) MachineConfiguration(ctx context.Context, id string) (*config.MachineConfiguration, error) {
	source, err := d.load("machines", id)
	if err != nil {
		return nil, err
	}
	return config.NewMachineConfiguration(source)
}

// AuthorizationConfiguration loads the authorization configuration with
// the given id.
func (d *Directory) AuthorizationConfiguration(ctx context.Context, id string) (*config.AuthorizationConfiguration, error) {
	source, err := d.load("authorizations", id)
	if err != nil {
		return nil, err
	}
	return config.NewAuthorizationConfiguration(source)
}

func (d *Directory) load(kind, id string) (map[string]any, error) {
	if id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, errors.Newf(errors.ErrorTypeLoad,
			"invalid configuration id %q", id)
	}
	path := filepath.Join(d.root, kind, id+".yaml")
	data, err := os.ReadFile(path) //nolint:gosec // G304: id is validated above
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad,
			fmt.Sprintf("cannot read configuration file %q", path))
	}

	content := substituteEnvVars(string(data))

	var source map[string]any
	if err := yaml.Unmarshal([]byte(content), &source); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLoad,
			fmt.Sprintf("failed to parse YAML in %q", path))
	}
	return source, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}
