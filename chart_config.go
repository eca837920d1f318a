package chartmeta

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

type SectionType string

const (
	SectionGroup     SectionType = "group"
	SectionAggregate SectionType = "aggregate"
	SectionMixed     SectionType = "mixed"
	SectionFilter    SectionType = "filter"
	SectionColor     SectionType = "color"
	SectionSize      SectionType = "size"
	SectionInfo      SectionType = "info"
	SectionLabel     SectionType = "label"
)

type FieldCategory string

const (
	CategoryField                  FieldCategory = "field"
	CategoryComputedField          FieldCategory = "computedField"
	CategoryDateLevelComputedField FieldCategory = "dateLevelComputedField"
	CategoryAggregateComputedField FieldCategory = "aggregateComputedField"
)

const (
	FieldTypeString  = "STRING"
	FieldTypeNumeric = "NUMERIC"
	FieldTypeDate    = "DATE"
)

// FieldRow is one field bound into a data section.
type FieldRow struct {
	UID       string        `json:"uid" yaml:"uid" msgpack:"uid"`
	ColName   string        `json:"colName" yaml:"colName" msgpack:"colName"`
	Field     string        `json:"field,omitempty" yaml:"field,omitempty" msgpack:"field,omitempty"`
	Type      string        `json:"type,omitempty" yaml:"type,omitempty" msgpack:"type,omitempty"`
	Category  FieldCategory `json:"category" yaml:"category" msgpack:"category"`
	DateLevel DateLevel     `json:"dateLevel,omitempty" yaml:"dateLevel,omitempty" msgpack:"dateLevel,omitempty"`
	Aggregate string        `json:"aggregate,omitempty" yaml:"aggregate,omitempty" msgpack:"aggregate,omitempty"`
	Sort      string        `json:"sort,omitempty" yaml:"sort,omitempty" msgpack:"sort,omitempty"`
	Filter    *RowFilter    `json:"filter,omitempty" yaml:"filter,omitempty" msgpack:"filter,omitempty"`

	// transient, never persisted
	ReplacedColName  string    `json:"replacedColName,omitempty" yaml:"-" msgpack:"-"`
	RuntimeDateLevel *FieldRow `json:"runtimeDateLevel,omitempty" yaml:"-" msgpack:"-"`
}

type DataSection struct {
	Key       string      `json:"key" yaml:"key" msgpack:"key"`
	Type      SectionType `json:"type" yaml:"type" msgpack:"type"`
	Label     string      `json:"label,omitempty" yaml:"label,omitempty" msgpack:"label,omitempty"`
	Limit     int         `json:"limit,omitempty" yaml:"limit,omitempty" msgpack:"limit,omitempty"`
	Drillable bool        `json:"drillable,omitempty" yaml:"drillable,omitempty" msgpack:"drillable,omitempty"`
	Rows      []FieldRow  `json:"rows" yaml:"rows" msgpack:"rows"`
}

type ChartConfig struct {
	Datas    []DataSection  `json:"datas" yaml:"datas" msgpack:"datas"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" msgpack:"settings,omitempty"`
}

func (row FieldRow) String() string {
	if row.Category == CategoryDateLevelComputedField {
		return fmt.Sprintf("%s[%s(%s)]", row.ColName, row.DateLevel, row.Field)
	}
	if row.Aggregate != "" {
		return fmt.Sprintf("%s(%s)", row.Aggregate, row.ColName)
	}
	return row.ColName
}

func (ds DataSection) String() string {
	return fmt.Sprintf("%s(%s) %v", ds.Key, ds.Type, ds.Rows)
}

func RowColNames(rows []FieldRow) []string {
	colNames := []string{}
	for _, row := range rows {
		colNames = append(colNames, row.ColName)
	}
	return colNames
}

func ReadChartConfig(filename string) (*ChartConfig, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg ChartConfig
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("chart config %q: %w", filename, err)
	}
	return &cfg, nil
}

func ShowChartConfig(cfg *ChartConfig, logger *zap.SugaredLogger) {
	if cfg == nil {
		logger.Infof("Chart config: <empty>")
		return
	}
	logger.Infof("Sections:")
	for _, ds := range cfg.Datas {
		logger.Infof("  %s", ds)
	}

	if len(cfg.Settings) > 0 {
		logger.Infof("")
		logger.Infof("Settings:")
		keys := make([]string, 0, len(cfg.Settings))
		for k := range cfg.Settings {
			keys = append(keys, k)
		}
		logger.Infof("  %s", strings.Join(keys, ", "))
	}
}

// Copy returns a fully independent copy. A nil config copies to nil.
func (cfg *ChartConfig) Copy() (*ChartConfig, error) {
	if cfg == nil {
		return nil, nil
	}
	var out ChartConfig
	if err := deepcopy.Copy(&out, cfg); err != nil {
		return nil, fmt.Errorf("copy chart config: %w", err)
	}
	return &out, nil
}

// Clone is Copy for configs whose settings were decoded from JSON, YAML or
// msgpack, which always copy. It panics on a setting value that cannot be
// copied, such as a channel.
func (cfg *ChartConfig) Clone() *ChartConfig {
	out, err := cfg.Copy()
	if err != nil {
		panic(err)
	}
	return out
}

func (cfg *ChartConfig) IsEmpty() bool {
	return cfg == nil || len(cfg.Datas) == 0
}

// SectionIndex returns the index of the first section of the given type, or -1.
func (cfg *ChartConfig) SectionIndex(typ SectionType) int {
	if cfg == nil {
		return -1
	}
	for idx, ds := range cfg.Datas {
		if ds.Type == typ {
			return idx
		}
	}
	return -1
}

func (cfg *ChartConfig) SectionOfType(typ SectionType) *DataSection {
	idx := cfg.SectionIndex(typ)
	if idx == -1 {
		return nil
	}
	return &cfg.Datas[idx]
}

func (cfg *ChartConfig) SectionKeyed(key string) (int, *DataSection) {
	if cfg == nil {
		return -1, nil
	}
	for idx := range cfg.Datas {
		if cfg.Datas[idx].Key == key {
			return idx, &cfg.Datas[idx]
		}
	}
	return -1, nil
}

// AllRows flattens every section's rows, in section order.
func (cfg *ChartConfig) AllRows() []FieldRow {
	if cfg == nil {
		return nil
	}
	rows := []FieldRow{}
	for _, ds := range cfg.Datas {
		rows = append(rows, ds.Rows...)
	}
	return rows
}

// References reports whether any row in the config is bound to colName.
func (cfg *ChartConfig) References(colName string) bool {
	for _, row := range cfg.AllRows() {
		if row.ColName == colName {
			return true
		}
	}
	return false
}

func rowsOfCategory(rows []FieldRow, category FieldCategory) []FieldRow {
	out := []FieldRow{}
	for _, row := range rows {
		if row.Category == category {
			out = append(out, row)
		}
	}
	return out
}
