package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

// Registry is the static, versioned list of AWS services and regions a
// declaration may reference. Read-only after load, so it is safe to share
// across concurrent admission calls without locking.
type Registry struct {
	Version  int      `yaml:"version"`
	Services []string `yaml:"services"`
	Regions  []string `yaml:"regions"`

	services map[string]struct{}
	regions  map[string]struct{}
}

// DefaultRegistry loads the registry embedded in the binary.
func DefaultRegistry() *Registry {
	reg, err := parseRegistry(defaultRegistryYAML)
	if err != nil {
		// The embedded registry is validated by tests; a parse failure here is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded registry: %v", err))
	}
	return reg
}

// LoadRegistry reads a registry override from disk, falling back to the
// embedded default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg, err := parseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return reg, nil
}

func parseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	if len(reg.Services) == 0 {
		return nil, fmt.Errorf("registry lists no services")
	}
	if len(reg.Regions) == 0 {
		return nil, fmt.Errorf("registry lists no regions")
	}
	reg.services = make(map[string]struct{}, len(reg.Services))
	for _, s := range reg.Services {
		reg.services[strings.ToLower(s)] = struct{}{}
	}
	reg.regions = make(map[string]struct{}, len(reg.Regions))
	for _, r := range reg.Regions {
		reg.regions[strings.ToLower(r)] = struct{}{}
	}
	return &reg, nil
}

// SupportsService reports whether the service name is registered.
// Matching is case-insensitive; ip-ranges data uses upper-case tokens while
// declarations conventionally use lower-case.
func (r *Registry) SupportsService(name string) bool {
	_, ok := r.services[strings.ToLower(name)]
	return ok
}

// SupportsRegion reports whether the region identifier is recognized.
func (r *Registry) SupportsRegion(region string) bool {
	_, ok := r.regions[strings.ToLower(region)]
	return ok
}
