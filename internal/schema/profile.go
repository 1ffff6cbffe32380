package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named field schema as seeded from a YAML file. Profiles are
// written once at startup into the catalog database, which is the schema
// source the engine reads at turn time.
type Profile struct {
	ID     string  `yaml:"id"`
	Name   string  `yaml:"name"`
	Fields []Field `yaml:"fields"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads profile definitions from a YAML seed file.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for i, profile := range file.Profiles {
		if strings.TrimSpace(profile.ID) == "" {
			return nil, fmt.Errorf("profile %d: id required", i+1)
		}
		if len(profile.Fields) == 0 {
			return nil, fmt.Errorf("profile %q: at least one field required", profile.ID)
		}
		for j, field := range profile.Fields {
			if strings.TrimSpace(field.Key) == "" {
				return nil, fmt.Errorf("profile %q: field %d: key required", profile.ID, j+1)
			}
		}
	}
	return file.Profiles, nil
}
