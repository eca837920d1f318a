package chartmeta

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Dataview is the data source definition a chart config is built against.
type Dataview struct {
	ID             string          `json:"id" yaml:"id" msgpack:"id"`
	Name           string          `json:"name" yaml:"name" msgpack:"name"`
	OrgID          string          `json:"orgId" yaml:"orgId" msgpack:"orgId"`
	SourceID       string          `json:"sourceId" yaml:"sourceId" msgpack:"sourceId"`
	Script         string          `json:"script,omitempty" yaml:"script,omitempty" msgpack:"script,omitempty"`
	Config         string          `json:"config,omitempty" yaml:"config,omitempty" msgpack:"config,omitempty"`
	Fields         []ViewField     `json:"fields" yaml:"fields" msgpack:"fields"`
	ComputedFields []ComputedField `json:"computedFields,omitempty" yaml:"computedFields,omitempty" msgpack:"computedFields,omitempty"`
}

type dataviewOptions struct {
	ExpensiveQuery any `json:"expensiveQuery"`
}

func (dv *Dataview) String() string {
	var allFields []string
	for _, fld := range dv.Fields {
		allFields = append(allFields, fld.String())
	}
	return fmt.Sprintf("Dataview %q (%s)\nSource: %q\n\nFields:\n%s", dv.Name, dv.ID, dv.SourceID, strings.Join(allFields, "\n"))
}

func (dv *Dataview) FieldNamed(name string) (int, *ViewField) {
	for idx := range dv.Fields {
		if dv.Fields[idx].FldName == name {
			return idx, &dv.Fields[idx]
		}
	}
	return -1, nil
}

// DateLevelRows keeps the date-level rows of rows whose source field is a
// date field of the view. A nil view keeps every date-level row.
func (dv *Dataview) DateLevelRows(rows []FieldRow, logger *zap.SugaredLogger) []FieldRow {
	out := []FieldRow{}
	for _, row := range rowsOfCategory(rows, CategoryDateLevelComputedField) {
		if dv != nil {
			if _, fld := dv.FieldNamed(row.Field); fld == nil || !fld.IsDate() {
				logger.Warnf("dataview %q: %q is not a date field, skipping %s", dv.ID, row.Field, row)
				continue
			}
		}
		out = append(out, row)
	}
	return out
}

// ParseExpensiveQuery reads the expensiveQuery flag from the dataview config.
// An empty config is not expensive.
func (dv *Dataview) ParseExpensiveQuery() (bool, error) {
	if dv == nil || strings.TrimSpace(dv.Config) == "" {
		return false, nil
	}
	var opts dataviewOptions
	if err := json.Unmarshal([]byte(dv.Config), &opts); err != nil {
		return false, &ConfigParseError{ViewID: dv.ID, Key: "expensiveQuery", Err: err}
	}
	return truthy(opts.ExpensiveQuery), nil
}

// ExpensiveQuery never fails: a malformed config is logged and treated as false.
func (dv *Dataview) ExpensiveQuery(logger *zap.SugaredLogger) bool {
	expensive, err := dv.ParseExpensiveQuery()
	if err != nil {
		logger.Warnf("%s", err.Error())
		return false
	}
	return expensive
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
