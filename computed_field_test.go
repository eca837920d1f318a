package chartmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dateRow(field string, lvl DateLevel) FieldRow {
	return FieldRow{
		UID:       "uid-" + field + "-" + string(lvl),
		ColName:   DateLevelColName(field, lvl),
		Field:     field,
		Type:      FieldTypeDate,
		Category:  CategoryDateLevelComputedField,
		DateLevel: lvl,
	}
}

func names(fields []ComputedField) []string {
	out := []string{}
	for _, cf := range fields {
		out = append(out, cf.Name)
	}
	return out
}

func TestDateLevelNaming(t *testing.T) {
	assert.Equal(t, "order_date_quarter", DateLevelColName("order_date", DateLevelQuarter))
	assert.Equal(t, "AGG_DATE_MONTH([order_date])", DateLevelExpression("order_date", DateLevelMonth))
	assert.True(t, DateLevelWeek.Valid())
	assert.False(t, DateLevel("HOUR").Valid())
}

func TestResolveReplacesDateLevelField(t *testing.T) {
	existing := []ComputedField{
		{Name: "margin", Expression: "[amount] * 0.2", Category: CategoryComputedField, Type: FieldTypeNumeric},
		{Name: "order_date_year", Expression: DateLevelExpression("order_date", DateLevelYear), Category: CategoryDateLevelComputedField, Type: FieldTypeDate},
	}
	row := dateRow("order_date", DateLevelMonth)
	row.ReplacedColName = "order_date_year"

	resolved := ResolveComputedFields([]FieldRow{row}, "order_date_year", existing, &ChartConfig{})

	assert.Equal(t, []string{"margin", "order_date_month"}, names(resolved))
	assert.NotContains(t, resolved, existing[1])
	assert.Equal(t, "AGG_DATE_MONTH([order_date])", resolved[1].Expression)
	assert.Equal(t, CategoryDateLevelComputedField, resolved[1].Category)
}

func TestResolveNeverDuplicatesNames(t *testing.T) {
	existing := []ComputedField{
		{Name: "order_date_year", Expression: "stale", Category: CategoryDateLevelComputedField, Type: FieldTypeDate, Index: 3},
		{Name: "order_date_year", Expression: "dup", Category: CategoryDateLevelComputedField, Type: FieldTypeDate},
		{Name: "ship_date_day", Expression: DateLevelExpression("ship_date", DateLevelDay), Category: CategoryDateLevelComputedField, Type: FieldTypeDate},
	}
	rows := []FieldRow{dateRow("order_date", DateLevelYear), dateRow("order_date", DateLevelYear), dateRow("ship_date", DateLevelDay)}

	for _, replaced := range []string{"", "order_date_year", "ship_date_day", "missing"} {
		resolved := ResolveComputedFields(rows, replaced, existing, &ChartConfig{})
		seen := map[string]bool{}
		for _, cf := range resolved {
			assert.False(t, seen[cf.Name], "duplicate %q with replaced=%q", cf.Name, replaced)
			seen[cf.Name] = true
		}
		assert.Len(t, resolved, 2)
	}

	resolved := ResolveComputedFields(rows, "order_date_year", existing, &ChartConfig{})
	require.Len(t, resolved, 2)
	assert.Equal(t, "AGG_DATE_YEAR([order_date])", resolved[0].Expression)
	assert.Equal(t, 3, resolved[0].Index)
}

func TestResolveDropsUnreferencedDateLevels(t *testing.T) {
	existing := []ComputedField{
		{Name: "order_date_year", Expression: DateLevelExpression("order_date", DateLevelYear), Category: CategoryDateLevelComputedField, Type: FieldTypeDate},
		{Name: "ship_date_day", Expression: DateLevelExpression("ship_date", DateLevelDay), Category: CategoryDateLevelComputedField, Type: FieldTypeDate},
	}
	cfg := &ChartConfig{Datas: []DataSection{
		{Key: "filter", Type: SectionFilter, Rows: []FieldRow{dateRow("ship_date", DateLevelDay)}},
	}}

	resolved := ResolveComputedFields(nil, "", existing, cfg)

	assert.Equal(t, []string{"ship_date_day"}, names(resolved))
}

func TestResolveDoesNotAliasInput(t *testing.T) {
	existing := []ComputedField{{Name: "margin", Expression: "[amount] * 0.2", Category: CategoryComputedField}}
	resolved := ResolveComputedFields([]FieldRow{dateRow("order_date", DateLevelDay)}, "", existing, nil)
	require.Len(t, resolved, 2)

	resolved[0].Expression = "changed"
	assert.Equal(t, "[amount] * 0.2", existing[0].Expression)
}

func TestComputedFieldsEqual(t *testing.T) {
	a := []ComputedField{{Name: "x", Expression: "AGG_DATE_DAY([d])"}}
	b := []ComputedField{{Name: "x", Expression: "AGG_DATE_YEAR([d])"}}
	assert.True(t, ComputedFieldsEqual(nil, []ComputedField{}))
	assert.True(t, ComputedFieldsEqual(a, cloneComputedFields(a)))
	assert.False(t, ComputedFieldsEqual(a, b))
}

func TestRuntimeDateLevelRows(t *testing.T) {
	rt := FieldRow{ColName: "order_date_week", DateLevel: DateLevelWeek}
	rows := []FieldRow{
		{ColName: "order_date", Field: "order_date", Type: FieldTypeDate, RuntimeDateLevel: &rt},
		strRow("region"),
	}

	out := RuntimeDateLevelRows(rows)

	require.Len(t, out, 2)
	assert.Equal(t, "order_date_week", out[0].ColName)
	assert.Equal(t, "order_date", out[0].Field)
	assert.Equal(t, CategoryDateLevelComputedField, out[0].Category)
	assert.Equal(t, "region", out[1].ColName)
}
