package chartmeta

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChartMeta declares what a chart type supports.
type ChartMeta struct {
	Sections    []SectionType `yaml:"sections" json:"sections"`
	Drill       bool          `yaml:"drill" json:"drill"`
	Aggregation bool          `yaml:"aggregation" json:"aggregation"`
	Icon        string        `yaml:"icon,omitempty" json:"icon,omitempty"`
}

func (meta ChartMeta) Supports(typ SectionType) bool {
	for _, st := range meta.Sections {
		if st == typ {
			return true
		}
	}
	return false
}

// ChartDescriptor pairs a chart type with its template configuration.
type ChartDescriptor struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name" json:"name"`
	Meta   ChartMeta   `yaml:"meta" json:"meta"`
	Config ChartConfig `yaml:"config" json:"config"`
}

// Template returns an independent copy of the descriptor's default config.
func (cd *ChartDescriptor) Template() *ChartConfig {
	return cd.Config.Clone()
}

type ChartRegistry interface {
	Default() (*ChartDescriptor, error)
	ByID(id string) (*ChartDescriptor, error)
}

// Registry is a read-only set of chart descriptors. Lookups hand out copies.
type Registry struct {
	DefaultID string             `yaml:"default"`
	Charts    []*ChartDescriptor `yaml:"charts"`
}

func NewRegistry(defaultID string, charts ...*ChartDescriptor) *Registry {
	return &Registry{DefaultID: defaultID, Charts: charts}
}

func ReadChartRegistry(filename string, logger *zap.SugaredLogger) (*Registry, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var reg Registry
	if err := yaml.Unmarshal(file, &reg); err != nil {
		return nil, fmt.Errorf("chart registry %q: %w", filename, err)
	}
	if len(reg.Charts) == 0 {
		return nil, fmt.Errorf("chart registry %q declares no charts", filename)
	}
	if reg.DefaultID == "" {
		reg.DefaultID = reg.Charts[0].ID
	}
	for _, cd := range reg.Charts {
		for _, ds := range cd.Config.Datas {
			if !cd.Meta.Supports(ds.Type) {
				logger.Warnf("chart %q template section %q has undeclared type %q", cd.ID, ds.Key, ds.Type)
			}
		}
	}
	logger.Infof("Loaded %d chart descriptors (default %q)", len(reg.Charts), reg.DefaultID)
	return &reg, nil
}

func (reg *Registry) Default() (*ChartDescriptor, error) {
	return reg.ByID(reg.DefaultID)
}

func (reg *Registry) ByID(id string) (*ChartDescriptor, error) {
	for _, cd := range reg.Charts {
		if cd.ID == id {
			out := *cd
			out.Meta.Sections = append([]SectionType(nil), cd.Meta.Sections...)
			out.Config = *cd.Config.Clone()
			return &out, nil
		}
	}
	return nil, fmt.Errorf("chart descriptor %q: %w", id, ErrChartNotFound)
}
