package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"shapelake/internal/domain"
)

// Manifest describes one bundle ingestion declaratively.
type Manifest struct {
	Components struct {
		SHP string `yaml:"shp"`
		SHX string `yaml:"shx"`
		DBF string `yaml:"dbf"`
		PRJ string `yaml:"prj,omitempty"`
	} `yaml:"components"`
	Destination struct {
		Table     string `yaml:"table"`
		BatchSize int    `yaml:"batch_size,omitempty"`
	} `yaml:"destination"`
	Schema []ManifestField `yaml:"schema,omitempty"`
}

// ManifestField is one manual schema field in the manifest.
type ManifestField struct {
	Name        string `yaml:"name"`
	SourceField string `yaml:"source_field,omitempty"`
	Type        string `yaml:"type"`
	Nullable    bool   `yaml:"nullable"`
}

// LoadManifest reads and validates a YAML ingestion manifest. Relative
// component paths resolve against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.Components.SHP == "" || m.Components.SHX == "" || m.Components.DBF == "" {
		return nil, fmt.Errorf("manifest must name shp, shx, and dbf components")
	}
	if m.Destination.Table == "" {
		return nil, fmt.Errorf("manifest must name a destination table")
	}

	dir := filepath.Dir(path)
	m.Components.SHP = resolve(dir, m.Components.SHP)
	m.Components.SHX = resolve(dir, m.Components.SHX)
	m.Components.DBF = resolve(dir, m.Components.DBF)
	if m.Components.PRJ != "" {
		m.Components.PRJ = resolve(dir, m.Components.PRJ)
	}
	return &m, nil
}

// SchemaFields converts the manifest schema to domain fields.
func (m *Manifest) SchemaFields() []domain.SchemaField {
	if len(m.Schema) == 0 {
		return nil
	}
	out := make([]domain.SchemaField, len(m.Schema))
	for i, f := range m.Schema {
		out[i] = domain.SchemaField{
			Name:        f.Name,
			SourceField: f.SourceField,
			Type:        domain.FieldType(f.Type),
			Nullable:    f.Nullable,
		}
	}
	return out
}

// componentPaths lists the staged components in upload order.
func (m *Manifest) componentPaths() map[domain.ComponentKind]string {
	paths := map[domain.ComponentKind]string{
		domain.ComponentSHP: m.Components.SHP,
		domain.ComponentSHX: m.Components.SHX,
		domain.ComponentDBF: m.Components.DBF,
	}
	if m.Components.PRJ != "" {
		paths[domain.ComponentPRJ] = m.Components.PRJ
	}
	return paths
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
