package extract

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medflow-io/medflow/internal/config"
)

// DefaultCatalogPath is the default location of the extract catalog file.
const DefaultCatalogPath = "extracts.yaml"

// CatalogPathEnvVar is the environment variable overriding the catalog path.
const CatalogPathEnvVar = "MEDFLOW_EXTRACT_CATALOG"

// Sentinel errors for catalog loading.
var (
	ErrCatalogNotFound = errors.New("extract catalog not found")
	ErrCatalogInvalid  = errors.New("extract catalog is invalid")
	ErrCatalogEmpty    = errors.New("extract catalog declares no extracts")
)

type (
	// Catalog is the YAML document declaring every extract the pipeline
	// knows about: raw and staging tables, column lists, natural keys and
	// the per-column transformation rules.
	//
	// Unlike optional configuration, a missing or malformed catalog is a
	// startup error: the loaders cannot do anything useful without it.
	Catalog struct {
		Extracts []HandlerConfig `yaml:"extracts"`
	}

	// HandlerConfig is the YAML shape of one extract declaration.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	HandlerConfig struct {
		ExtractType     string                 `yaml:"extract_type"`
		Table           string                 `yaml:"table"`
		StagingTable    string                 `yaml:"staging_table,omitempty"`
		Columns         []string               `yaml:"columns"`
		NaturalKeys     []string               `yaml:"natural_keys,omitempty"`
		UpdatedAtColumn string                 `yaml:"updated_at_column,omitempty"`
		Transformations []ColumnTransformation `yaml:"transformations,omitempty"`
	}
)

// LoadCatalog reads and parses the extract catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, path)
		}

		return nil, fmt.Errorf("%w: %w", ErrCatalogInvalid, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogInvalid, err)
	}

	if len(catalog.Extracts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCatalogEmpty, path)
	}

	return &catalog, nil
}

// LoadCatalogFromEnv loads the catalog from the path in MEDFLOW_EXTRACT_CATALOG,
// falling back to "extracts.yaml" in the working directory.
func LoadCatalogFromEnv() (*Catalog, error) {
	path := config.GetEnvStr(CatalogPathEnvVar, DefaultCatalogPath)

	return LoadCatalog(path)
}

// Handler converts one catalog entry into a Handler.
func (hc *HandlerConfig) Handler() *Handler {
	return &Handler{
		ExtractType:     hc.ExtractType,
		TableName:       hc.Table,
		Columns:         hc.Columns,
		StagingTable:    hc.StagingTable,
		NaturalKeys:     hc.NaturalKeys,
		UpdatedAtColumn: hc.UpdatedAtColumn,
		Transformations: hc.Transformations,
	}
}

// BuildRegistry validates every catalog entry, registers the resulting
// handlers and returns the frozen registry.
func (c *Catalog) BuildRegistry() (*Registry, error) {
	registry := NewRegistry()

	for i := range c.Extracts {
		hc := &c.Extracts[i]
		handler := hc.Handler()

		for j := range handler.Transformations {
			if err := handler.Transformations[j].Validate(); err != nil {
				return nil, fmt.Errorf("extract %q: %w", hc.ExtractType, err)
			}
		}

		if err := registry.Register(handler); err != nil {
			return nil, err
		}
	}

	registry.Freeze()

	return registry, nil
}
