package chartmeta

import (
	"fmt"
	"strings"

	reptext "github.com/radiochild/utils/text"
)

// DrillLevel is one grouping level of a drill hierarchy. Value holds the
// member chosen when the user drilled past this level.
type DrillLevel struct {
	FldName string
	Row     FieldRow
	FldIdx  int
	Value   string
}

func (lvl DrillLevel) ID() string {
	return rowIdentity(lvl.Row)
}

func (lvl DrillLevel) AsText() string {
	return fmt.Sprintf("FldName: %q  FldIdx: %d  Value: %q", lvl.FldName, lvl.FldIdx, lvl.Value)
}

// DrillFilter pins an ancestor level to the member the user drilled through.
type DrillFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// DrillOption is immutable: navigation returns a new option and leaves the
// receiver untouched.
type DrillOption struct {
	levels   []DrillLevel
	cursor   int
	selected bool
}

func NewDrillOption(rows []FieldRow) *DrillOption {
	if len(rows) == 0 {
		return nil
	}
	levels := make([]DrillLevel, 0, len(rows))
	for idx, row := range rows {
		levels = append(levels, DrillLevel{FldName: row.ColName, Row: row, FldIdx: idx})
	}
	return &DrillOption{levels: levels}
}

func rowIdentity(row FieldRow) string {
	if row.UID != "" {
		return row.UID
	}
	return row.ColName
}

func drillableRows(rows []FieldRow) []FieldRow {
	out := []FieldRow{}
	for _, row := range rows {
		if row.Type == FieldTypeNumeric || row.Category == CategoryAggregateComputedField {
			continue
		}
		out = append(out, row)
	}
	return out
}

// DeriveDrillOption rebuilds the drill hierarchy from the group section.
// The previous cursor survives when every previous level still exists and the
// levels down to the cursor are unchanged; otherwise navigation restarts at
// the shallowest level. Returns nil when nothing in the group section can be
// drilled.
func DeriveDrillOption(datas []DataSection, previous *DrillOption) *DrillOption {
	cfg := ChartConfig{Datas: datas}
	group := cfg.SectionOfType(SectionGroup)
	if group == nil || !group.Drillable {
		return nil
	}
	next := NewDrillOption(drillableRows(group.Rows))
	if next == nil || previous == nil {
		return next
	}

	next.selected = previous.selected
	if !previous.survivesIn(next) {
		return next
	}
	for idx := 0; idx < previous.cursor; idx++ {
		next.levels[idx].Value = previous.levels[idx].Value
	}
	next.cursor = previous.cursor
	return next
}

func (o *DrillOption) survivesIn(next *DrillOption) bool {
	ids := []string{}
	for _, lvl := range next.levels {
		ids = append(ids, lvl.ID())
	}
	known := reptext.FromStrings(ids)
	for _, lvl := range o.levels {
		if !known.Contains(lvl.ID()) {
			return false
		}
	}
	for idx := 0; idx <= o.cursor && idx < len(o.levels); idx++ {
		if next.levels[idx].ID() != o.levels[idx].ID() {
			return false
		}
	}
	return true
}

func (o *DrillOption) clone() *DrillOption {
	levels := make([]DrillLevel, len(o.levels))
	copy(levels, o.levels)
	return &DrillOption{levels: levels, cursor: o.cursor, selected: o.selected}
}

func (o *DrillOption) IsSelectedDrill() bool {
	return o != nil && o.selected
}

func (o *DrillOption) IsBottomLevel() bool {
	return o != nil && o.cursor >= len(o.levels)-1
}

// Depth is the zero-based index of the current level.
func (o *DrillOption) Depth() int {
	if o == nil {
		return 0
	}
	return o.cursor
}

func (o *DrillOption) Levels() []DrillLevel {
	if o == nil {
		return nil
	}
	levels := make([]DrillLevel, len(o.levels))
	copy(levels, o.levels)
	return levels
}

func (o *DrillOption) CurrentLevel() *DrillLevel {
	if o == nil || len(o.levels) == 0 {
		return nil
	}
	lvl := o.levels[o.cursor]
	return &lvl
}

func (o *DrillOption) AllFields() []FieldRow {
	if o == nil {
		return nil
	}
	rows := []FieldRow{}
	for _, lvl := range o.levels {
		rows = append(rows, lvl.Row)
	}
	return rows
}

// CurrentFields are the group fields a query should use at the current depth.
// Without active drilling that is the whole hierarchy.
func (o *DrillOption) CurrentFields() []FieldRow {
	if o == nil {
		return nil
	}
	if !o.selected {
		return o.AllFields()
	}
	return []FieldRow{o.levels[o.cursor].Row}
}

func (o *DrillOption) DrillFilters() []DrillFilter {
	if o == nil {
		return nil
	}
	filters := []DrillFilter{}
	for idx := 0; idx < o.cursor; idx++ {
		filters = append(filters, DrillFilter{Field: o.levels[idx].FldName, Value: o.levels[idx].Value})
	}
	return filters
}

// ToggleSelectedDrill switches drill mode. Leaving drill mode returns to the
// top of the hierarchy.
func (o *DrillOption) ToggleSelectedDrill() *DrillOption {
	if o == nil {
		return nil
	}
	next := o.clone()
	next.selected = !o.selected
	if !next.selected {
		for idx := range next.levels {
			next.levels[idx].Value = ""
		}
		next.cursor = 0
	}
	return next
}

// Descend moves one level deeper through value. Outside drill mode or at
// the bottom level it returns the receiver unchanged.
func (o *DrillOption) Descend(value string) *DrillOption {
	if o == nil || !o.selected || o.IsBottomLevel() {
		return o
	}
	next := o.clone()
	next.levels[next.cursor].Value = value
	next.cursor++
	return next
}

func (o *DrillOption) Ascend() *DrillOption {
	if o == nil || o.cursor == 0 {
		return o
	}
	return o.AscendTo(o.levels[o.cursor-1].FldName)
}

// AscendTo returns to the ancestor level bound to colName, dropping the
// members chosen below it.
func (o *DrillOption) AscendTo(colName string) *DrillOption {
	if o == nil {
		return nil
	}
	for idx := 0; idx < o.cursor; idx++ {
		if o.levels[idx].FldName != colName {
			continue
		}
		next := o.clone()
		for j := idx; j < len(next.levels); j++ {
			next.levels[j].Value = ""
		}
		next.cursor = idx
		return next
	}
	return o
}

func (o *DrillOption) String() string {
	if o == nil {
		return "no drill"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Drill selected: %t  depth: %d/%d\n", o.selected, o.cursor, len(o.levels)))
	for _, lvl := range o.levels {
		sb.WriteString(lvl.AsText())
		sb.WriteString("\n")
	}
	return sb.String()
}
