// Package registry loads the declarative table configuration that drives
// ingestion cycles. Descriptors are data, not code: one generic runner is
// parameterized by a descriptor, never special-cased per table.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const CodeConfigInvalid = "E_CONFIG_INVALID"

const (
	// DefaultBatchSize bounds a single extraction page.
	DefaultBatchSize = 1000
	// DefaultMaxPages caps pagination so one table cannot monopolize the
	// concurrency budget; the next cycle resumes from the advanced marker.
	DefaultMaxPages = 100
)

// TableDescriptor describes one source table. Immutable once loaded.
type TableDescriptor struct {
	ID            string            `yaml:"id" json:"id"`
	MarkerColumn  string            `yaml:"markerColumn" json:"markerColumn"`
	InitialMarker string            `yaml:"initialMarker" json:"initialMarker"`
	BatchSize     int               `yaml:"batchSize" json:"batchSize"`
	MaxPages      int               `yaml:"maxPages" json:"maxPages"`
	Params        map[string]string `yaml:"params" json:"params,omitempty"`
}

// InvalidDescriptor pairs a malformed descriptor with its validation error.
// Malformed entries are excluded from the cycle and reported, never fatal.
type InvalidDescriptor struct {
	Descriptor TableDescriptor
	Err        error
}

// ConfigError flags a malformed descriptor.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", CodeConfigInvalid, e.Err)
}

func (e *ConfigError) Unwrap() error         { return e.Err }
func (e *ConfigError) CodeValue() string     { return CodeConfigInvalid }
func (e *ConfigError) RetryableStatus() bool { return false }

// Registry holds the table list for one cycle. Loaded once at cycle start;
// config changes never affect an in-progress cycle.
type Registry struct {
	tables  []TableDescriptor
	invalid []InvalidDescriptor
}

type registryFile struct {
	Tables []TableDescriptor `yaml:"tables"`
}

// Load reads a YAML registry file from disk.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes registry YAML, separating valid and malformed descriptors.
// Duplicate IDs keep the first occurrence; later ones are reported invalid.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decode registry: %w", err)}
	}

	reg := &Registry{}
	seen := make(map[string]bool, len(file.Tables))
	for _, td := range file.Tables {
		if err := validate(td); err != nil {
			reg.invalid = append(reg.invalid, InvalidDescriptor{Descriptor: td, Err: &ConfigError{Err: err}})
			continue
		}
		if seen[td.ID] {
			reg.invalid = append(reg.invalid, InvalidDescriptor{
				Descriptor: td,
				Err:        &ConfigError{Err: fmt.Errorf("duplicate table id %q", td.ID)},
			})
			continue
		}
		seen[td.ID] = true
		applyDefaults(&td)
		reg.tables = append(reg.tables, td)
	}
	return reg, nil
}

// NewRegistry builds a registry from already-decoded descriptors.
func NewRegistry(tables []TableDescriptor) *Registry {
	data := registryFile{Tables: tables}
	raw, _ := yaml.Marshal(data)
	reg, _ := Parse(raw)
	return reg
}

// ListTables returns descriptors in declaration order.
func (r *Registry) ListTables() []TableDescriptor {
	out := make([]TableDescriptor, len(r.tables))
	copy(out, r.tables)
	return out
}

// Invalid returns descriptors excluded from the cycle.
func (r *Registry) Invalid() []InvalidDescriptor {
	out := make([]InvalidDescriptor, len(r.invalid))
	copy(out, r.invalid)
	return out
}

func validate(td TableDescriptor) error {
	if td.ID == "" {
		return fmt.Errorf("descriptor is missing id")
	}
	if td.MarkerColumn == "" {
		return fmt.Errorf("table %s is missing markerColumn", td.ID)
	}
	if td.BatchSize < 0 {
		return fmt.Errorf("table %s has negative batchSize", td.ID)
	}
	if td.MaxPages < 0 {
		return fmt.Errorf("table %s has negative maxPages", td.ID)
	}
	return nil
}

func applyDefaults(td *TableDescriptor) {
	if td.BatchSize == 0 {
		td.BatchSize = DefaultBatchSize
	}
	if td.MaxPages == 0 {
		td.MaxPages = DefaultMaxPages
	}
}
