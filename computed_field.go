package chartmeta

import (
	"fmt"
	"reflect"
	"strings"
)

type DateLevel string

const (
	DateLevelYear    DateLevel = "YEAR"
	DateLevelQuarter DateLevel = "QUARTER"
	DateLevelMonth   DateLevel = "MONTH"
	DateLevelWeek    DateLevel = "WEEK"
	DateLevelDay     DateLevel = "DAY"
)

func (lvl DateLevel) Valid() bool {
	switch lvl {
	case DateLevelYear, DateLevelQuarter, DateLevelMonth, DateLevelWeek, DateLevelDay:
		return true
	}
	return false
}

// Function is the query function that truncates a date to this level.
func (lvl DateLevel) Function() string {
	return "AGG_DATE_" + string(lvl)
}

// ComputedField is a formula-backed virtual column of a dataview.
type ComputedField struct {
	Name       string        `json:"name" yaml:"name" msgpack:"name"`
	Expression string        `json:"expression" yaml:"expression" msgpack:"expression"`
	Category   FieldCategory `json:"category" yaml:"category" msgpack:"category"`
	Type       string        `json:"type" yaml:"type" msgpack:"type"`
	Index      int           `json:"index,omitempty" yaml:"index,omitempty" msgpack:"index,omitempty"`
}

func (cf ComputedField) String() string {
	return fmt.Sprintf("%s := %s", cf.Name, cf.Expression)
}

// DateLevelColName is the column name a date-level row of field at lvl binds to.
func DateLevelColName(field string, lvl DateLevel) string {
	return fmt.Sprintf("%s_%s", field, strings.ToLower(string(lvl)))
}

func DateLevelExpression(field string, lvl DateLevel) string {
	return fmt.Sprintf("%s([%s])", lvl.Function(), field)
}

func dateLevelComputedField(row FieldRow) (ComputedField, bool) {
	if row.Field == "" || !row.DateLevel.Valid() {
		return ComputedField{}, false
	}
	name := row.ColName
	if name == "" {
		name = DateLevelColName(row.Field, row.DateLevel)
	}
	return ComputedField{
		Name:       name,
		Expression: DateLevelExpression(row.Field, row.DateLevel),
		Category:   CategoryDateLevelComputedField,
		Type:       FieldTypeDate,
	}, true
}

// ResolveComputedFields rebuilds the dataview's computed field set for the
// given date-level rows. replacedColName, when set, is evicted before the
// replacements are added. Existing date-level fields that are neither
// regenerated nor referenced anywhere in cfg are dropped; every other
// computed field is kept in place. The result never holds two fields with
// the same name and does not alias existing.
func ResolveComputedFields(rows []FieldRow, replacedColName string, existing []ComputedField, cfg *ChartConfig) []ComputedField {
	generated := map[string]ComputedField{}
	order := []string{}
	for _, row := range rows {
		if row.Category != CategoryDateLevelComputedField {
			continue
		}
		cf, ok := dateLevelComputedField(row)
		if !ok {
			continue
		}
		if _, seen := generated[cf.Name]; !seen {
			order = append(order, cf.Name)
		}
		generated[cf.Name] = cf
	}

	resolved := []ComputedField{}
	placed := map[string]bool{}
	for _, cf := range existing {
		if placed[cf.Name] {
			continue
		}
		if replacedColName != "" && cf.Name == replacedColName {
			if _, regenerated := generated[cf.Name]; !regenerated {
				continue
			}
		}
		if fresh, ok := generated[cf.Name]; ok {
			fresh.Index = cf.Index
			resolved = append(resolved, fresh)
			placed[cf.Name] = true
			continue
		}
		if cf.Category == CategoryDateLevelComputedField && !cfg.References(cf.Name) {
			continue
		}
		resolved = append(resolved, cf)
		placed[cf.Name] = true
	}

	for _, name := range order {
		if placed[name] {
			continue
		}
		resolved = append(resolved, generated[name])
		placed[name] = true
	}
	return resolved
}

// ComputedFieldsEqual compares two sets by full value, formula included.
// A nil set equals an empty one.
func ComputedFieldsEqual(a, b []ComputedField) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// RuntimeDateLevelRows swaps each date field carrying a materialized
// date-level row for that row.
func RuntimeDateLevelRows(rows []FieldRow) []FieldRow {
	out := make([]FieldRow, 0, len(rows))
	for _, row := range rows {
		if row.RuntimeDateLevel != nil {
			rt := *row.RuntimeDateLevel
			rt.RuntimeDateLevel = nil
			if rt.Category == "" {
				rt.Category = CategoryDateLevelComputedField
			}
			if rt.Field == "" {
				rt.Field = row.Field
			}
			out = append(out, rt)
			continue
		}
		out = append(out, row)
	}
	return out
}

func cloneComputedFields(fields []ComputedField) []ComputedField {
	if fields == nil {
		return nil
	}
	out := make([]ComputedField, len(fields))
	copy(out, fields)
	return out
}
