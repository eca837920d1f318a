package chartmeta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupEdit(rows ...FieldRow) ConfigEdit {
	return ConfigEdit{
		Kind:        EditData,
		Section:     &DataSection{Key: "dimension", Type: SectionGroup, Drillable: true, Rows: rows},
		NeedRefresh: true,
	}
}

func TestExpensiveQueryGating(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(`{"expensiveQuery": true}`), f)
	m := NewMachine(testRegistry(), nopLogger())
	require.True(t, s.ExpensiveQuery)

	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(strRow("region")))
	})
	s.Wait()
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, StateAwaitingManualQuery, s.State)
	assert.True(t, s.AllowQuery)

	locked(s, func() {
		m.OnFieldEdit(s, ConfigEdit{Kind: EditSettings, SettingKey: "legend", SettingValue: true})
	})
	s.Wait()
	assert.Equal(t, 0, f.Calls())
	assert.True(t, s.AllowQuery)

	locked(s, func() {
		_, err := m.OnManualQueryTrigger(s)
		require.NoError(t, err)
	})
	s.Wait()
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, StateIdle, s.State)
	assert.False(t, s.AllowQuery)
	assert.NotNil(t, s.Dataset)
	assert.Equal(t, []string{"region"}, RowColNames(s.Config.SectionOfType(SectionGroup).Rows))
}

func TestManualTriggerWithoutPendingQuery(t *testing.T) {
	s := newMachineSession(salesView(""), &fakeRefresher{})
	m := NewMachine(testRegistry(), nopLogger())

	patches, err := m.OnManualQueryTrigger(s)
	assert.ErrorIs(t, err, ErrNoPendingQuery)
	assert.Empty(t, patches)
}

func TestFieldEditRefreshesCheapView(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(""), f)
	m := NewMachine(testRegistry(), nopLogger())

	var patches []Patch
	locked(s, func() {
		patches = m.OnFieldEdit(s, groupEdit(strRow("region"), strRow("city")))
	})
	s.Wait()

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, StateIdle, s.State)
	assert.NotEmpty(t, patches)
	req := f.LastRequest().Request
	require.NotNil(t, req)
	assert.Equal(t, []RequestColumn{{Column: "region"}, {Column: "city"}}, req.Groups)
	assert.Len(t, s.Drill.Levels(), 2)
}

func TestFieldEditWithoutRefresh(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(""), f)
	m := NewMachine(testRegistry(), nopLogger())

	edit := groupEdit(strRow("store"))
	edit.NeedRefresh = false
	locked(s, func() {
		m.OnFieldEdit(s, edit)
	})
	s.Wait()

	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, []string{"store"}, RowColNames(s.Config.Datas[0].Rows))
}

func TestFieldEditReplacesDateLevelField(t *testing.T) {
	s := newMachineSession(salesView(""), &fakeRefresher{})
	m := NewMachine(testRegistry(), nopLogger())
	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(dateRow("order_date", DateLevelYear)))
	})
	s.Wait()
	assert.Equal(t, []string{"margin", "order_date_year"}, names(s.ComputedFields))

	month := dateRow("order_date", DateLevelMonth)
	month.ReplacedColName = "order_date_year"
	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(month))
	})
	s.Wait()

	assert.Equal(t, []string{"margin", "order_date_month"}, names(s.ComputedFields))
	assert.Empty(t, s.Config.Datas[0].Rows[0].ReplacedColName)
}

func TestEditDoesNotAliasCaller(t *testing.T) {
	s := newMachineSession(salesView(""), nil)
	m := NewMachine(testRegistry(), nopLogger())
	edit := groupEdit(strRow("region"))

	m.OnFieldEdit(s, edit)
	edit.Section.Rows[0].ColName = "changed"

	assert.Equal(t, "region", s.Config.Datas[0].Rows[0].ColName)
}

func TestChartTypeChangeKeepsShadow(t *testing.T) {
	s := newMachineSession(salesView(""), &fakeRefresher{})
	m := NewMachine(testRegistry(), nopLogger())
	reg := testRegistry()
	pie, err := reg.ByID("pie")
	require.NoError(t, err)
	bar, err := reg.ByID("bar")
	require.NoError(t, err)

	var patches []Patch
	locked(s, func() {
		patches = m.OnChartTypeChange(s, pie)
	})
	s.Wait()
	require.NotEmpty(t, patches)
	assert.IsType(t, SetDescriptor{}, patches[0])
	assert.Equal(t, "pie", s.Descriptor.ID)
	assert.Nil(t, s.Config.SectionOfType(SectionFilter))
	assert.Empty(t, s.Config.SectionOfType(SectionColor).Rows)
	assert.Nil(t, s.Drill)
	require.NotNil(t, s.Shadow)

	locked(s, func() {
		m.OnChartTypeChange(s, bar)
	})
	s.Wait()
	assert.Equal(t, []string{"region"}, RowColNames(s.Config.SectionOfType(SectionFilter).Rows))
	assert.NotNil(t, s.Drill)

	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(strRow("region")))
	})
	s.Wait()
	assert.Nil(t, s.Shadow)
}

func TestChartTypeChangeStartsNewInstance(t *testing.T) {
	s := newMachineSession(salesView(""), nil)
	m := NewMachine(testRegistry(), nopLogger())
	before := s.instance
	m.OnChartTypeChange(s, barDescriptor())
	assert.Equal(t, before+1, s.instance)
}

func TestChartTypeChangeDefersOnExpensiveView(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(`{"expensiveQuery": 1}`), f)
	m := NewMachine(testRegistry(), nopLogger())

	locked(s, func() {
		m.OnChartTypeChange(s, pieDescriptor())
	})
	s.Wait()

	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, StateAwaitingManualQuery, s.State)
	assert.True(t, s.AllowQuery)
}

func TestDrillOperations(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(""), f)
	m := NewMachine(testRegistry(), nopLogger())

	locked(s, func() {
		assert.Nil(t, m.OnDrillDescend(s, "East"))
		m.OnToggleDrill(s)
	})
	s.Wait()
	require.True(t, s.Drill.IsSelectedDrill())

	locked(s, func() {
		m.OnDrillDescend(s, "East")
	})
	s.Wait()
	assert.Equal(t, 1, s.Drill.Depth())
	req := f.LastRequest().Request
	assert.Equal(t, []RequestColumn{{Column: "city"}}, req.Groups)
	assert.Contains(t, req.Filters, ColumnFilter{Column: "region", Op: "eq", Values: []string{"East"}})

	locked(s, func() {
		m.OnDrillDescend(s, "Boston")
	})
	s.Wait()
	calls := f.Calls()
	locked(s, func() {
		assert.Nil(t, m.OnDrillDescend(s, "Store 9"))
	})
	assert.Equal(t, calls, f.Calls())

	locked(s, func() {
		m.OnDrillAscend(s, "region")
	})
	s.Wait()
	assert.Equal(t, 0, s.Drill.Depth())
	assert.Nil(t, m.OnDrillAscend(s, ""))
}

func TestDataviewChangedResetsBindings(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(""), f)
	s.Shadow = barConfig()
	s.ComputedFields = append(s.ComputedFields, ComputedField{Name: "order_date_year", Category: CategoryDateLevelComputedField})
	m := NewMachine(testRegistry(), nopLogger())

	view := salesView(`{"expensiveQuery": true}`)
	view.ID = "view-2"
	view.ComputedFields = append(view.ComputedFields, ComputedField{Name: "order_date_day", Category: CategoryDateLevelComputedField})
	locked(s, func() {
		m.OnDataviewChanged(s, view)
	})
	s.Wait()

	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, "view-2", s.Dataview.ID)
	assert.True(t, s.ExpensiveQuery)
	assert.False(t, s.AllowQuery)
	assert.Equal(t, StateIdle, s.State)
	assert.Nil(t, s.Shadow)
	assert.Empty(t, s.ComputedFields)
	assert.Empty(t, s.Config.AllRows())
	assert.Equal(t, "bar", s.Descriptor.ID)
}

func TestDataviewChangedTreatsMalformedConfigAsCheap(t *testing.T) {
	s := newMachineSession(nil, nil)
	m := NewMachine(testRegistry(), nopLogger())
	m.OnDataviewChanged(s, salesView(`{"expensiveQuery": `))
	assert.False(t, s.ExpensiveQuery)
}

func TestAggregationToggle(t *testing.T) {
	s := newMachineSession(salesView(""), nil)
	m := NewMachine(testRegistry(), nopLogger())
	m.OnAggregationToggle(s, true)
	assert.True(t, s.Aggregation)
	assert.Empty(t, s.Config.AllRows())
}

func TestComputedFieldsLoadedReconciles(t *testing.T) {
	s := newMachineSession(nil, nil)
	s.Config.Datas[0].Rows = append(s.Config.Datas[0].Rows, dateRow("order_date", DateLevelQuarter))
	m := NewMachine(testRegistry(), nopLogger())

	m.OnComputedFieldsLoaded(s, salesView("").ComputedFields)

	assert.Equal(t, []string{"margin", "order_date_quarter"}, names(s.ComputedFields))
}

func TestRichTextChange(t *testing.T) {
	s := newMachineSession(nil, nil)
	m := NewMachine(testRegistry(), nopLogger())
	patches := m.OnRichTextChange(s, "<p>hi</p>")
	assert.Len(t, patches, 1)
	assert.Equal(t, "<p>hi</p>", s.Config.Settings[RichTextSetting])
}

func TestSessionWithoutDataviewSettlesIdle(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(nil, f)
	m := NewMachine(testRegistry(), nopLogger())
	m.OnFieldEdit(s, groupEdit(strRow("region")))
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, StateIdle, s.State)
}

func TestPageOrSortWaitsForManualQuery(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(`{"expensiveQuery": true}`), f)
	m := NewMachine(testRegistry(), nopLogger())

	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(dateRow("order_date", DateLevelYear)))
		assert.Nil(t, m.OnPageOrSort(s, &Sorter{Column: "amount", Operator: "DESC"}, &PageInfo{PageNo: 2}))
	})
	s.Wait()
	assert.Equal(t, 0, f.Calls())
	assert.Equal(t, StateAwaitingManualQuery, s.State)
	assert.True(t, s.AllowQuery)
	assert.Len(t, s.Drill.Levels(), 1)

	locked(s, func() {
		_, err := m.OnManualQueryTrigger(s)
		require.NoError(t, err)
	})
	s.Wait()
	require.Equal(t, 1, f.Calls())
	req := f.LastRequest().Request
	assert.Equal(t, []RequestColumn{{Column: "order_date_year"}}, req.Groups)
	assert.Equal(t, []string{"order_date_year"}, names(req.ComputedFields))
	assert.Equal(t, []string{"margin", "order_date_year"}, names(s.ComputedFields))
	assert.Equal(t, StateIdle, s.State)
	assert.False(t, s.AllowQuery)
}

func TestDrillSettlesDeferredEdits(t *testing.T) {
	f := &fakeRefresher{}
	s := newMachineSession(salesView(`{"expensiveQuery": true}`), f)
	m := NewMachine(testRegistry(), nopLogger())

	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(dateRow("order_date", DateLevelYear), strRow("region")))
		m.OnToggleDrill(s)
	})
	s.Wait()

	require.Equal(t, 1, f.Calls())
	req := f.LastRequest().Request
	assert.Equal(t, []RequestColumn{{Column: "order_date_year"}}, req.Groups)
	assert.Equal(t, []string{"order_date_year"}, names(req.ComputedFields))
	assert.Equal(t, StateIdle, s.State)
	assert.False(t, s.AllowQuery)

	locked(s, func() {
		_, err := m.OnManualQueryTrigger(s)
		assert.ErrorIs(t, err, ErrNoPendingQuery)
	})
}

func TestDeferredReplaceEditDropsHint(t *testing.T) {
	s := newMachineSession(salesView(`{"expensiveQuery": true}`), &fakeRefresher{})
	s.Config.Datas[0].Rows = []FieldRow{dateRow("order_date", DateLevelYear)}
	s.ComputedFields = append(s.ComputedFields, ComputedField{
		Name: "order_date_year", Expression: DateLevelExpression("order_date", DateLevelYear),
		Category: CategoryDateLevelComputedField, Type: FieldTypeDate,
	})
	m := NewMachine(testRegistry(), nopLogger())

	month := dateRow("order_date", DateLevelMonth)
	month.ReplacedColName = "order_date_year"
	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(month))
	})
	assert.Empty(t, s.Config.Datas[0].Rows[0].ReplacedColName)
	assert.Equal(t, []string{"margin", "order_date_year"}, names(s.ComputedFields))
	data, err := json.Marshal(s.Config)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "replacedColName")

	locked(s, func() {
		_, err := m.OnManualQueryTrigger(s)
		require.NoError(t, err)
	})
	s.Wait()
	assert.Equal(t, []string{"margin", "order_date_month"}, names(s.ComputedFields))
	assert.Empty(t, s.replacedColNames)
}

func TestDateLevelRowsNeedDateField(t *testing.T) {
	s := newMachineSession(salesView(""), &fakeRefresher{})
	m := NewMachine(testRegistry(), nopLogger())

	locked(s, func() {
		m.OnFieldEdit(s, groupEdit(dateRow("region", DateLevelYear), dateRow("order_date", DateLevelDay)))
	})
	s.Wait()
	assert.Equal(t, []string{"margin", "order_date_day"}, names(s.ComputedFields))
}
