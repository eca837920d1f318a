package chartmeta

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func strRow(col string) FieldRow {
	return FieldRow{UID: "uid-" + col, ColName: col, Field: col, Type: FieldTypeString, Category: CategoryField}
}

func numRow(col string, agg string) FieldRow {
	return FieldRow{UID: "uid-" + col, ColName: col, Field: col, Type: FieldTypeNumeric, Category: CategoryField, Aggregate: agg}
}

func barDescriptor() *ChartDescriptor {
	return &ChartDescriptor{
		ID:   "bar",
		Name: "Bar",
		Meta: ChartMeta{Sections: []SectionType{SectionGroup, SectionAggregate, SectionFilter}, Drill: true, Aggregation: true},
		Config: ChartConfig{
			Datas: []DataSection{
				{Key: "dimension", Type: SectionGroup, Drillable: true, Rows: []FieldRow{}},
				{Key: "metrics", Type: SectionAggregate, Rows: []FieldRow{}},
				{Key: "filter", Type: SectionFilter, Rows: []FieldRow{}},
			},
			Settings: map[string]any{"legend": true},
		},
	}
}

func pieDescriptor() *ChartDescriptor {
	return &ChartDescriptor{
		ID:   "pie",
		Name: "Pie",
		Meta: ChartMeta{Sections: []SectionType{SectionGroup, SectionAggregate, SectionColor}, Aggregation: true},
		Config: ChartConfig{
			Datas: []DataSection{
				{Key: "dimension", Type: SectionGroup, Rows: []FieldRow{}},
				{Key: "metrics", Type: SectionAggregate, Rows: []FieldRow{}},
				{Key: "color", Type: SectionColor, Rows: []FieldRow{}},
			},
			Settings: map[string]any{"legend": false, "radius": 80},
		},
	}
}

func testRegistry() *Registry {
	return NewRegistry("bar", barDescriptor(), pieDescriptor())
}

// barConfig is a bound bar chart: region/city/store drillable dimensions,
// summed amount and a region filter.
func barConfig() *ChartConfig {
	return &ChartConfig{
		Datas: []DataSection{
			{Key: "dimension", Type: SectionGroup, Drillable: true, Rows: []FieldRow{strRow("region"), strRow("city"), strRow("store")}},
			{Key: "metrics", Type: SectionAggregate, Rows: []FieldRow{numRow("amount", "SUM")}},
			{Key: "filter", Type: SectionFilter, Rows: []FieldRow{{
				UID: "uid-f-region", ColName: "region", Field: "region", Type: FieldTypeString, Category: CategoryField,
				Filter: &RowFilter{Op: "ne", Values: []string{"North"}},
			}}},
		},
		Settings: map[string]any{"legend": false},
	}
}

func salesView(config string) *Dataview {
	return &Dataview{
		ID:       "view-sales",
		Name:     "sales",
		OrgID:    "org-1",
		SourceID: "src-1",
		Config:   config,
		Fields: []ViewField{
			{FldName: "region", FldType: FieldTypeString, CanGroup: true, CanFilter: true},
			{FldName: "city", FldType: FieldTypeString, CanGroup: true, CanFilter: true},
			{FldName: "store", FldType: FieldTypeString, CanGroup: true, CanFilter: true},
			{FldName: "amount", FldType: FieldTypeNumeric, CanFilter: true},
			{FldName: "order_date", FldType: FieldTypeDate, CanGroup: true, CanFilter: true},
		},
		ComputedFields: []ComputedField{
			{Name: "margin", Expression: "[amount] * 0.2", Category: CategoryComputedField, Type: FieldTypeNumeric},
		},
	}
}

// fakeRefresher counts calls. With a gate set, every refresh blocks until the
// test sends on it.
type fakeRefresher struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	requests  []RefreshRequest
	gate      chan struct{}
	err       error
}

func (f *fakeRefresher) Refresh(ctx context.Context, req RefreshRequest) (*Dataset, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.requests = append(f.requests, req)
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Dataset{Columns: []string{"call"}, Rows: []DataRow{{fmt.Sprint(call)}}}, nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRefresher) LastRequest() RefreshRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeChartStore struct {
	mu        sync.Mutex
	charts    map[string]*ChartArtifact
	gets      int
	updateErr error
	createErr error
}

func newFakeChartStore(arts ...*ChartArtifact) *fakeChartStore {
	st := &fakeChartStore{charts: map[string]*ChartArtifact{}}
	for _, art := range arts {
		st.charts[art.ID] = cloneArtifact(art)
	}
	return st
}

func (st *fakeChartStore) GetChart(ctx context.Context, id string) (*ChartArtifact, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gets++
	art, ok := st.charts[id]
	if !ok {
		return nil, fmt.Errorf("chart %q: %w", id, ErrChartNotFound)
	}
	return cloneArtifact(art), nil
}

func (st *fakeChartStore) CreateChart(ctx context.Context, art *ChartArtifact) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.createErr != nil {
		return "", st.createErr
	}
	stored := cloneArtifact(art)
	stored.ID = fmt.Sprintf("chart-%d", len(st.charts)+1)
	st.charts[stored.ID] = stored
	return stored.ID, nil
}

func (st *fakeChartStore) UpdateChart(ctx context.Context, art *ChartArtifact) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.updateErr != nil {
		return st.updateErr
	}
	if _, ok := st.charts[art.ID]; !ok {
		return fmt.Errorf("chart %q: %w", art.ID, ErrChartNotFound)
	}
	st.charts[art.ID] = cloneArtifact(art)
	return nil
}

func (st *fakeChartStore) chart(id string) *ChartArtifact {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.charts[id]
}

type fakeDataviews struct {
	views     map[string]*Dataview
	functions map[string][]string
}

func newFakeDataviews(views ...*Dataview) *fakeDataviews {
	dvs := &fakeDataviews{views: map[string]*Dataview{}, functions: map[string][]string{"src-1": {"AGG_DATE_YEAR", "SUM"}}}
	for _, view := range views {
		dvs.views[view.ID] = view
	}
	return dvs
}

func (dvs *fakeDataviews) GetDataview(ctx context.Context, id string) (*Dataview, error) {
	view, ok := dvs.views[id]
	if !ok {
		return nil, errors.New("dataview not found")
	}
	out := *view
	return &out, nil
}

func (dvs *fakeDataviews) AvailableSourceFunctions(ctx context.Context, sourceID string) ([]string, error) {
	return dvs.functions[sourceID], nil
}

type fakeDownloads struct {
	tasks []DownloadTaskRequest
}

func (fd *fakeDownloads) CreateDownloadTask(ctx context.Context, task DownloadTaskRequest) error {
	fd.tasks = append(fd.tasks, task)
	return nil
}

type fakeWidgets struct {
	saved []*ChartArtifact
	err   error
}

func (fw *fakeWidgets) SaveInWidget(ctx context.Context, chartType WidgetChartType, art *ChartArtifact, view *Dataview) error {
	if fw.err != nil {
		return fw.err
	}
	fw.saved = append(fw.saved, cloneArtifact(art))
	return nil
}

// countingEvents wraps an EventBus and counts unsubscribe calls.
type countingEvents struct {
	bus    *EventBus
	mu     sync.Mutex
	unsubs int
}

func (ce *countingEvents) Register(instanceID string, name string, handler InteractionHandler) func() {
	unsubscribe := ce.bus.Register(instanceID, name, handler)
	return func() {
		ce.mu.Lock()
		ce.unsubs++
		ce.mu.Unlock()
		unsubscribe()
	}
}

func (ce *countingEvents) Unsubscribes() int {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return ce.unsubs
}

// newMachineSession builds a session bound to barConfig on view, ready for
// direct Machine calls.
func newMachineSession(view *Dataview, refresher DatasetRefresher) *EditSession {
	s := &EditSession{
		ID:         "s-test",
		Descriptor: barDescriptor(),
		Config:     barConfig(),
		refresh:    newRefreshCoordinator(refresher, nopLogger()),
	}
	if view != nil {
		s.Dataview = view
		s.ExpensiveQuery = view.ExpensiveQuery(nopLogger())
		s.ComputedFields = cloneComputedFields(view.ComputedFields)
	}
	s.Drill = DeriveDrillOption(s.Config.Datas, nil)
	return s
}

// locked runs fn with the session lock held, the way the controller does.
func locked(s *EditSession, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}
