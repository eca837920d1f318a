package chartmeta

import (
	"encoding/json"

	"go.uber.org/zap"
)

type EditKind int

const (
	EditData EditKind = iota
	EditSettings
)

// ConfigEdit is one edit intent from the editor. Data edits carry the new
// state of a section, identified by key; settings edits carry one value.
type ConfigEdit struct {
	Kind         EditKind
	Section      *DataSection
	SettingKey   string
	SettingValue any
	NeedRefresh  bool
}

func (edit ConfigEdit) sectionType() SectionType {
	if edit.Kind != EditData || edit.Section == nil {
		return ""
	}
	return edit.Section.Type
}

// Machine applies edit intents to an EditSession and decides when the
// dataset must be refreshed. Callers hold the session lock.
type Machine struct {
	registry ChartRegistry
	logger   *zap.SugaredLogger
}

func NewMachine(registry ChartRegistry, logger *zap.SugaredLogger) *Machine {
	return &Machine{registry: registry, logger: logger}
}

func (m *Machine) deriveDrill(s *EditSession, cfg *ChartConfig) *DrillOption {
	if cfg == nil || (s.Descriptor != nil && !s.Descriptor.Meta.Drill) {
		return nil
	}
	return DeriveDrillOption(cfg.Datas, s.Drill)
}

// reconcileComputedFields regenerates the date-level fields of cfg's group
// section against the session's current set, evicting each replaced column.
// Nothing is emitted when the set would not change.
func (m *Machine) reconcileComputedFields(s *EditSession, cfg *ChartConfig, replaced ...string) []Patch {
	group := cfg.SectionOfType(SectionGroup)
	if group == nil {
		return nil
	}
	rows := s.Dataview.DateLevelRows(RuntimeDateLevelRows(group.Rows), m.logger)
	computed := ResolveComputedFields(rows, "", s.ComputedFields, cfg)
	for _, colName := range replaced {
		computed = ResolveComputedFields(rows, colName, computed, cfg)
	}
	if ComputedFieldsEqual(computed, s.ComputedFields) {
		return nil
	}
	return []Patch{SetComputedFields{Fields: computed}}
}

// requestRefresh hands the current query to the refresh coordinator. A
// session without a dataview has nothing to fetch and settles to idle.
func (m *Machine) requestRefresh(s *EditSession, req RefreshRequest) []Patch {
	settle := func() []Patch {
		if s.State == StatePendingRefresh {
			return applyPatches(s, []Patch{SetState{State: StateIdle}})
		}
		return nil
	}
	if s.refresh == nil || s.Dataview == nil {
		return settle()
	}
	if req.DrillOption == nil {
		req.DrillOption = s.Drill
	}
	req.Request = BuildChartDataRequest(s.Dataview, s.Config, s.ComputedFields, req.DrillOption, s.Aggregation, RequestOptions{
		Sorter:   req.Sorter,
		PageInfo: req.PageInfo,
	})
	key := queryKey(s)
	accepted := s.refresh.request(req, func(ds *Dataset, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if s.State == StatePendingRefresh {
			s.State = StateIdle
		}
		if queryKey(s) != key {
			m.logger.Debugf("session %s: %v", s.ID, ErrStaleRefresh)
			return
		}
		if err != nil {
			m.logger.Warnf("session %s: refresh failed: %s", s.ID, err.Error())
			s.RefreshErr = err
			return
		}
		s.Dataset = ds
		s.RefreshErr = nil
	})
	if !accepted {
		return settle()
	}
	return nil
}

// queryKey identifies what a refresh would fetch for the session right now.
func queryKey(s *EditSession) string {
	req := BuildChartDataRequest(s.Dataview, s.Config, s.ComputedFields, s.Drill, s.Aggregation, RequestOptions{})
	data, _ := json.Marshal(req)
	return string(data)
}

func (m *Machine) refreshOrDefer(s *EditSession, patches []Patch) []Patch {
	if s.ExpensiveQuery {
		return append(patches, applyPatches(s, []Patch{
			SetAllowQuery{Allow: true},
			SetState{State: StateAwaitingManualQuery},
		})...)
	}
	patches = append(patches, applyPatches(s, []Patch{SetState{State: StatePendingRefresh}})...)
	return append(patches, m.requestRefresh(s, RefreshRequest{DrillOption: s.Drill})...)
}

// OnChartTypeChange moves the session to another chart type, carrying over
// the bindings the new template can hold.
func (m *Machine) OnChartTypeChange(s *EditSession, desc *ChartDescriptor) []Patch {
	source := s.Shadow
	if source.IsEmpty() {
		source = s.Config
	}
	final := ClearRuntimeDateLevelFields(TransferChartConfig(desc.Template(), source))

	patches := applyPatches(s, []Patch{SetDescriptor{Descriptor: desc}})
	if s.Shadow.IsEmpty() && !s.Config.IsEmpty() {
		patches = append(patches, applyPatches(s, []Patch{SetShadowConfig{Config: s.Config.Clone()}})...)
	}
	patches = append(patches, applyPatches(s, m.reconcileComputedFields(s, final))...)
	patches = append(patches, applyPatches(s, []Patch{SetConfig{Config: final}})...)
	patches = append(patches, applyPatches(s, []Patch{SetDrillOption{Option: m.deriveDrill(s, final)}})...)

	m.logger.Debugf("session %s: chart type %q", s.ID, desc.ID)
	return m.refreshOrDefer(s, patches)
}

func applyEdit(cfg *ChartConfig, edit ConfigEdit) *ChartConfig {
	next := cfg.Clone()
	if next == nil {
		next = &ChartConfig{}
	}
	switch edit.Kind {
	case EditData:
		if edit.Section == nil {
			return next
		}
		section := edit.Section
		idx, existing := next.SectionKeyed(section.Key)
		if existing == nil {
			next.Datas = append(next.Datas, *section)
			return next
		}
		typ := existing.Type
		next.Datas[idx] = *section
		next.Datas[idx].Type = typ
	case EditSettings:
		if next.Settings == nil {
			next.Settings = map[string]any{}
		}
		next.Settings[edit.SettingKey] = edit.SettingValue
	}
	return next
}

// cloneEdit detaches the edit's section so later patches never alias caller data.
func cloneEdit(edit ConfigEdit) ConfigEdit {
	if edit.Section != nil {
		holder := (&ChartConfig{Datas: []DataSection{*edit.Section}}).Clone()
		edit.Section = &holder.Datas[0]
	}
	return edit
}

func takeReplacedColName(section *DataSection) string {
	replaced := ""
	for idx := range section.Rows {
		if replaced == "" {
			replaced = section.Rows[idx].ReplacedColName
		}
		section.Rows[idx].ReplacedColName = ""
	}
	return replaced
}

// deferEdit records an edit on an expensive dataview without resolving
// computed fields. Replace hints are held for the manual query. AllowQuery
// stays set once any deferred edit asked for a refresh; it does not follow
// only the latest edit's NeedRefresh.
func (m *Machine) deferEdit(s *EditSession, edit ConfigEdit) []Patch {
	if edit.Section != nil {
		if replaced := takeReplacedColName(edit.Section); replaced != "" {
			s.replacedColNames = append(s.replacedColNames, replaced)
		}
	}
	allow := edit.NeedRefresh || (s.State == StateAwaitingManualQuery && s.AllowQuery)
	next := applyEdit(s.Config, edit)
	return applyPatches(s, []Patch{
		SetConfig{Config: next},
		SetShadowConfig{Config: nil},
		SetDrillOption{Option: m.deriveDrill(s, next)},
		SetState{State: StateAwaitingManualQuery},
		SetAllowQuery{Allow: allow},
	})
}

// settleDeferred resolves what deferred edits left pending before a query
// runs: the computed fields they need and the drill option.
func (m *Machine) settleDeferred(s *EditSession) []Patch {
	replaced := s.replacedColNames
	s.replacedColNames = nil
	patches := applyPatches(s, m.reconcileComputedFields(s, s.Config, replaced...))
	return append(patches, applyPatches(s, []Patch{
		SetDrillOption{Option: m.deriveDrill(s, s.Config)},
		SetAllowQuery{Allow: false},
	})...)
}

func (m *Machine) commitEdit(s *EditSession, edit ConfigEdit, patches []Patch) []Patch {
	next := applyEdit(s.Config, edit)
	patches = append(patches, applyPatches(s, []Patch{
		SetConfig{Config: next},
		SetShadowConfig{Config: nil},
	})...)
	patches = append(patches, applyPatches(s, []Patch{SetDrillOption{Option: m.deriveDrill(s, next)}})...)

	if !edit.NeedRefresh {
		return append(patches, applyPatches(s, []Patch{SetState{State: StateIdle}})...)
	}
	patches = append(patches, applyPatches(s, []Patch{SetState{State: StatePendingRefresh}})...)
	return append(patches, m.requestRefresh(s, RefreshRequest{DrillOption: s.Drill})...)
}

// OnFieldEdit applies one edit. On an expensive dataview the edit is only
// recorded and the query is left for the user to run.
func (m *Machine) OnFieldEdit(s *EditSession, edit ConfigEdit) []Patch {
	edit = cloneEdit(edit)
	if s.ExpensiveQuery {
		return m.deferEdit(s, edit)
	}

	patches := []Patch{}
	typ := edit.sectionType()
	if typ == SectionGroup || typ == SectionMixed {
		dateRows := s.Dataview.DateLevelRows(edit.Section.Rows, m.logger)
		replaced := takeReplacedColName(edit.Section)
		computed := ResolveComputedFields(dateRows, replaced, s.ComputedFields, s.Config)
		if !ComputedFieldsEqual(computed, s.ComputedFields) {
			patches = append(patches, applyPatches(s, []Patch{SetComputedFields{Fields: computed}})...)
		}
	} else if edit.Section != nil {
		takeReplacedColName(edit.Section)
	}
	return m.commitEdit(s, edit, patches)
}

// OnDateLevelChange applies a section edit whose date fields switched to a
// different date level. The computed field set is always rewritten.
func (m *Machine) OnDateLevelChange(s *EditSession, edit ConfigEdit) []Patch {
	edit = cloneEdit(edit)
	if s.ExpensiveQuery || edit.Section == nil {
		return m.deferEdit(s, edit)
	}
	rows := RuntimeDateLevelRows(edit.Section.Rows)
	dateRows := s.Dataview.DateLevelRows(rows, m.logger)
	replaced := takeReplacedColName(edit.Section)
	computed := ResolveComputedFields(dateRows, replaced, s.ComputedFields, s.Config)
	patches := applyPatches(s, []Patch{SetComputedFields{Fields: computed}})
	return m.commitEdit(s, edit, patches)
}

// OnManualQueryTrigger runs the query deferred by edits on an expensive dataview.
func (m *Machine) OnManualQueryTrigger(s *EditSession) ([]Patch, error) {
	if s.State != StateAwaitingManualQuery {
		return nil, ErrNoPendingQuery
	}
	patches := m.settleDeferred(s)
	patches = append(patches, applyPatches(s, []Patch{SetState{State: StateIdle}})...)
	return append(patches, m.requestRefresh(s, RefreshRequest{DrillOption: s.Drill})...), nil
}

// OnDrillOptionChange installs option and refreshes with it. Edits still
// awaiting a manual query are settled first, since the refresh runs them.
func (m *Machine) OnDrillOptionChange(s *EditSession, option *DrillOption) []Patch {
	patches := []Patch{}
	if s.State == StateAwaitingManualQuery {
		patches = m.settleDeferred(s)
	}
	patches = append(patches, applyPatches(s, []Patch{
		SetDrillOption{Option: option},
		SetAllowQuery{Allow: false},
		SetState{State: StatePendingRefresh},
	})...)
	return append(patches, m.requestRefresh(s, RefreshRequest{DrillOption: option})...)
}

// OnDrillDescend drills through value. It is a no-op unless drill mode is on
// and the cursor is above the bottom level.
func (m *Machine) OnDrillDescend(s *EditSession, value string) []Patch {
	if !s.Drill.IsSelectedDrill() || s.Drill.IsBottomLevel() {
		return nil
	}
	return m.OnDrillOptionChange(s, s.Drill.Descend(value))
}

// OnDrillAscend climbs back to the level bound to colName, or one level when
// colName is empty.
func (m *Machine) OnDrillAscend(s *EditSession, colName string) []Patch {
	if s.Drill == nil || s.Drill.Depth() == 0 {
		return nil
	}
	next := s.Drill.Ascend()
	if colName != "" {
		next = s.Drill.AscendTo(colName)
	}
	if next == s.Drill {
		return nil
	}
	return m.OnDrillOptionChange(s, next)
}

func (m *Machine) OnToggleDrill(s *EditSession) []Patch {
	if s.Drill == nil {
		return nil
	}
	return m.OnDrillOptionChange(s, s.Drill.ToggleSelectedDrill())
}

// OnPageOrSort refreshes the current page or ordering of a table chart. It
// is ignored while edits await a manual query: the rendered rows no longer
// match the config, and the query is the user's to run.
func (m *Machine) OnPageOrSort(s *EditSession, sorter *Sorter, page *PageInfo) []Patch {
	if s.State == StateAwaitingManualQuery {
		m.logger.Debugf("session %s: page/sort ignored, manual query pending", s.ID)
		return nil
	}
	patches := applyPatches(s, []Patch{SetState{State: StatePendingRefresh}})
	return append(patches, m.requestRefresh(s, RefreshRequest{Sorter: sorter, PageInfo: page, DrillOption: s.Drill})...)
}

const RichTextSetting = "richText"

func (m *Machine) OnRichTextChange(s *EditSession, content any) []Patch {
	return applyPatches(s, []Patch{
		SetConfig{Config: applyEdit(s.Config, ConfigEdit{Kind: EditSettings, SettingKey: RichTextSetting, SettingValue: content})},
	})
}

// OnDataviewChanged resets the session to the current chart type's defaults
// for view and clears the computed fields; the view's own fields come back
// through OnComputedFieldsLoaded. A nil view keeps the current dataview.
func (m *Machine) OnDataviewChanged(s *EditSession, view *Dataview) []Patch {
	patches := []Patch{}
	if view != nil {
		patches = append(patches, applyPatches(s, []Patch{SetDataview{Dataview: view, Expensive: view.ExpensiveQuery(m.logger)}})...)
	}

	desc := s.Descriptor
	if desc == nil {
		def, err := m.registry.Default()
		if err != nil {
			m.logger.Warnf("session %s: no default chart: %s", s.ID, err.Error())
			return patches
		}
		desc = def
	}
	template := desc.Template()
	final := TransferChartConfig(template, template)

	s.replacedColNames = nil
	patches = append(patches, applyPatches(s, []Patch{
		SetDescriptor{Descriptor: desc},
		SetComputedFields{Fields: []ComputedField{}},
		SetShadowConfig{Config: nil},
		SetConfig{Config: final},
	})...)
	return append(patches, applyPatches(s, []Patch{
		SetDrillOption{Option: m.deriveDrill(s, final)},
		SetAllowQuery{Allow: false},
		SetState{State: StateIdle},
	})...)
}

// OnAggregationToggle switches aggregation and resets the bindings.
func (m *Machine) OnAggregationToggle(s *EditSession, enabled bool) []Patch {
	patches := applyPatches(s, []Patch{SetAggregation{Enabled: enabled}})
	return append(patches, m.OnDataviewChanged(s, nil)...)
}

// OnComputedFieldsLoaded installs the dataview's computed fields once they
// arrive and reconciles the date-level fields the config already uses.
func (m *Machine) OnComputedFieldsLoaded(s *EditSession, fields []ComputedField) []Patch {
	patches := applyPatches(s, []Patch{SetComputedFields{Fields: fields}})
	return append(patches, applyPatches(s, m.reconcileComputedFields(s, s.Config))...)
}
