package retailers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RetailerDef is one entry in the retailer catalog file
type RetailerDef struct {
	Name     string `yaml:"name"`
	StoreURL string `yaml:"store_url"`
	Enabled  bool   `yaml:"enabled"`
}

// Catalog is the parsed retailers.yaml
type Catalog struct {
	Retailers []RetailerDef `yaml:"retailers"`
}

// LoadCatalog reads the retailer catalog from a YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retailer catalog %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse retailer catalog %s: %w", path, err)
	}

	for _, def := range catalog.Retailers {
		if def.Name == "" {
			return nil, fmt.Errorf("retailer catalog %s: entry with empty name", path)
		}
		if def.Enabled && def.StoreURL == "" {
			return nil, fmt.Errorf("retailer catalog %s: %s is enabled without a store_url", path, def.Name)
		}
	}

	return &catalog, nil
}

// Enabled returns the catalog entries with enabled=true
func (c *Catalog) Enabled() []RetailerDef {
	defs := []RetailerDef{}
	for _, def := range c.Retailers {
		if def.Enabled {
			defs = append(defs, def)
		}
	}
	return defs
}
