package chartmeta

// TransferChartConfig maps the bindings of source onto the section layout of
// template. Sections pair by type, preferring an identical key. A template
// section with no compatible source keeps its default rows. A nil source
// transfers template onto itself. Neither input is modified and the result
// shares no memory with either.
func TransferChartConfig(template, source *ChartConfig) *ChartConfig {
	if template == nil {
		return source.Clone()
	}
	if source == nil {
		source = template
	}
	target := template.Clone()
	src := source.Clone()

	used := make([]bool, len(src.Datas))
	for idx := range target.Datas {
		section := &target.Datas[idx]
		srcIdx := matchSection(section, src.Datas, used)
		if srcIdx >= 0 {
			used[srcIdx] = true
			section.Rows = limitRows(src.Datas[srcIdx].Rows, section.Limit)
			section.Drillable = src.Datas[srcIdx].Drillable
			continue
		}
		if rows, ok := mixedRowsFor(section.Type, src.Datas); ok {
			section.Rows = limitRows(rows, section.Limit)
		}
	}

	for key := range target.Settings {
		if v, ok := src.Settings[key]; ok {
			target.Settings[key] = v
		}
	}
	return target
}

func matchSection(section *DataSection, candidates []DataSection, used []bool) int {
	for idx, ds := range candidates {
		if !used[idx] && ds.Type == section.Type && ds.Key == section.Key {
			return idx
		}
	}
	for idx, ds := range candidates {
		if !used[idx] && ds.Type == section.Type {
			return idx
		}
	}
	return -1
}

// mixedRowsFor converts between a mixed section and split group/aggregate
// sections when the source has no section of the wanted type.
func mixedRowsFor(typ SectionType, candidates []DataSection) ([]FieldRow, bool) {
	collect := func(from SectionType, keep func(FieldRow) bool) ([]FieldRow, bool) {
		rows := []FieldRow{}
		found := false
		for _, ds := range candidates {
			if ds.Type != from {
				continue
			}
			found = true
			for _, row := range ds.Rows {
				if keep(row) {
					rows = append(rows, row)
				}
			}
		}
		return rows, found
	}
	isMeasure := func(row FieldRow) bool {
		return row.Type == FieldTypeNumeric || row.Aggregate != ""
	}

	switch typ {
	case SectionGroup:
		return collect(SectionMixed, func(row FieldRow) bool { return !isMeasure(row) })
	case SectionAggregate:
		return collect(SectionMixed, isMeasure)
	case SectionMixed:
		groups, hasGroups := collect(SectionGroup, func(FieldRow) bool { return true })
		aggs, hasAggs := collect(SectionAggregate, func(FieldRow) bool { return true })
		return append(groups, aggs...), hasGroups || hasAggs
	}
	return nil, false
}

func limitRows(rows []FieldRow, limit int) []FieldRow {
	if rows == nil {
		return []FieldRow{}
	}
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

// ClearRuntimeDateLevelFields returns a copy of cfg without the date-level
// rows materialized at runtime and without transient replace hints.
func ClearRuntimeDateLevelFields(cfg *ChartConfig) *ChartConfig {
	out := cfg.Clone()
	if out == nil {
		return nil
	}
	for sIdx := range out.Datas {
		for rIdx := range out.Datas[sIdx].Rows {
			row := &out.Datas[sIdx].Rows[rIdx]
			row.RuntimeDateLevel = nil
			row.ReplacedColName = ""
		}
	}
	return out
}
