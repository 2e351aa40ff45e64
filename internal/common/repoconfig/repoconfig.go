// Package repoconfig loads the set of configured repositories (spec.md §4.1's
// Repository records) from a YAML file, the same way config.LoadWithPath loads
// the rest of the process config, just via yaml.v3 directly instead of viper
// since this is a plain list rather than a key/value tree.
package repoconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ceedaragents/cyrus-edge-worker/internal/domain"
)

// file is the on-disk shape: a top-level "repositories" list, so the file
// reads the same way as the rest of config.yaml's sectioned layout.
type file struct {
	Repositories []domain.Repository `yaml:"repositories"`
}

// Load reads repositories.yaml from configDir (falling back to the working
// directory when configDir is empty). A missing file is not an error: it
// yields no repositories, matching spec.md §6's RoutingError path when the
// workspace has no candidates at all.
func Load(configDir string) ([]domain.Repository, error) {
	path := "repositories.yaml"
	if configDir != "" {
		path = filepath.Join(configDir, "repositories.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read repositories file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode repositories file %s: %w", path, err)
	}

	for i := range f.Repositories {
		if f.Repositories[i].ID == "" {
			return nil, fmt.Errorf("repositories file %s: entry %d missing id", path, i)
		}
	}

	return f.Repositories, nil
}
