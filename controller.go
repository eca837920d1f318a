package chartmeta

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChartStore interface {
	GetChart(ctx context.Context, id string) (*ChartArtifact, error)
	// CreateChart stores a new chart and returns the id it was assigned.
	CreateChart(ctx context.Context, art *ChartArtifact) (string, error)
	UpdateChart(ctx context.Context, art *ChartArtifact) error
}

type DataviewService interface {
	GetDataview(ctx context.Context, id string) (*Dataview, error)
	AvailableSourceFunctions(ctx context.Context, sourceID string) ([]string, error)
}

const DownloadExcel = "EXCEL"

type DownloadParams struct {
	Request   ChartDataRequest `json:"downloadParams"`
	Analytics bool             `json:"analytics"`
	VizName   string           `json:"vizName"`
	VizID     string           `json:"vizId"`
	VizType   string           `json:"vizType"`
}

type DownloadTaskRequest struct {
	FileName     string           `json:"fileName"`
	DownloadType string           `json:"downloadType"`
	Params       []DownloadParams `json:"params"`
}

type DownloadTaskService interface {
	CreateDownloadTask(ctx context.Context, task DownloadTaskRequest) error
}

// WidgetSaver stores a chart edited from inside a dashboard widget.
type WidgetSaver interface {
	SaveInWidget(ctx context.Context, chartType WidgetChartType, art *ChartArtifact, view *Dataview) error
}

const ClickEvent = "click"

type ControllerOptions struct {
	Registry  ChartRegistry
	Refresher DatasetRefresher
	Charts    ChartStore
	Dataviews DataviewService
	Downloads DownloadTaskService
	Events    InteractionEventSource
	Widgets   WidgetSaver
	Logger    *zap.SugaredLogger
}

// Controller owns the lifecycle of editor sessions: it seeds them, routes
// intents and interaction events into the Machine and saves the result.
type Controller struct {
	machine   *Machine
	registry  ChartRegistry
	refresher DatasetRefresher
	charts    ChartStore
	dataviews DataviewService
	downloads DownloadTaskService
	events    InteractionEventSource
	widgets   WidgetSaver
	logger    *zap.SugaredLogger
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("controller needs a chart registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{
		machine:   NewMachine(opts.Registry, logger),
		registry:  opts.Registry,
		refresher: opts.Refresher,
		charts:    opts.Charts,
		dataviews: opts.Dataviews,
		downloads: opts.Downloads,
		events:    opts.Events,
		widgets:   opts.Widgets,
		logger:    logger,
	}, nil
}

func (c *Controller) Machine() *Machine {
	return c.machine
}

type InitOptions struct {
	OrgID         string
	DataChartID   string
	WidgetID      string
	DefaultViewID string
	Container     Container
	ChartType     WidgetChartType
	// OriginChart is the chart embedded in the widget, if any.
	OriginChart *ChartArtifact
}

// InstanceKey names the chart instance the session currently renders.
// Interaction events are addressed to it.
func (s *EditSession) InstanceKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return instanceKey(s)
}

func instanceKey(s *EditSession) string {
	return fmt.Sprintf("%s/%d", s.ID, s.instance)
}

// Initialize opens a session from exactly one source: a stored chart, a
// widget's embedded chart, or a widget's reference to a stored chart. A
// session with nothing to load starts on the default chart type.
func (c *Controller) Initialize(ctx context.Context, opts InitOptions) (*EditSession, error) {
	container := opts.Container
	if container == "" {
		container = ContainerDataChart
	}
	s := &EditSession{
		ID:            uuid.NewString(),
		OrgID:         opts.OrgID,
		DataChartID:   opts.DataChartID,
		WidgetID:      opts.WidgetID,
		DefaultViewID: opts.DefaultViewID,
		Container:     container,
		ChartType:     opts.ChartType,
		refresh:       newRefreshCoordinator(c.refresher, c.logger),
	}

	var origin *ChartArtifact
	switch {
	case container == ContainerDataChart:
		if opts.DataChartID != "" {
			art, err := c.loadChart(ctx, opts.DataChartID)
			if err != nil {
				s.refresh.close()
				return nil, err
			}
			origin = art
		}
	case opts.ChartType == WidgetChart:
		if opts.OriginChart != nil {
			origin = cloneArtifact(opts.OriginChart)
		}
	default:
		if opts.DataChartID != "" {
			art, err := c.loadChart(ctx, opts.DataChartID)
			if err != nil {
				s.refresh.close()
				return nil, err
			}
			origin = art
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if origin == nil {
		if container == ContainerWidget && opts.ChartType == WidgetChart {
			applyPatches(s, []Patch{SetAggregation{Enabled: true}})
		}
		if opts.DefaultViewID != "" {
			if err := c.loadDataview(ctx, s, opts.DefaultViewID); err != nil {
				c.logger.Warnf("session %s: default dataview %q: %s", s.ID, opts.DefaultViewID, err.Error())
			}
		}
		desc, err := c.registry.Default()
		if err != nil {
			s.refresh.close()
			return nil, err
		}
		c.machine.OnChartTypeChange(s, desc)
	} else if err := c.seedFromArtifact(ctx, s, origin); err != nil {
		s.refresh.close()
		return nil, err
	}

	c.bindEvents(s)
	c.logger.Infof("Session %s opened (container=%s chart=%q)", s.ID, container, s.Descriptor.ID)
	return s, nil
}

func (c *Controller) loadChart(ctx context.Context, id string) (*ChartArtifact, error) {
	if c.charts == nil {
		return nil, fmt.Errorf("load chart %q: no chart store", id)
	}
	art, err := c.charts.GetChart(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load chart %q: %w", id, err)
	}
	return art, nil
}

// seedFromArtifact must be called with s.mu held.
func (c *Controller) seedFromArtifact(ctx context.Context, s *EditSession, art *ChartArtifact) error {
	desc, err := c.registry.ByID(art.Config.ChartGraphID)
	if err != nil {
		c.logger.Warnf("session %s: chart %q: %s, using default", s.ID, art.ID, err.Error())
		if desc, err = c.registry.Default(); err != nil {
			return err
		}
	}
	s.Name = art.Name
	if art.ID != "" && s.DataChartID == "" {
		s.DataChartID = art.ID
	}

	cfg := art.Config.ChartConfig.Clone()
	if cfg.IsEmpty() {
		cfg = desc.Template()
	}
	applyPatches(s, []Patch{
		SetDescriptor{Descriptor: desc},
		SetAggregation{Enabled: art.Config.Aggregation},
		SetComputedFields{Fields: art.Config.ComputedFields},
		SetConfig{Config: cfg},
	})

	viewID := art.ViewID
	if viewID == "" {
		viewID = s.DefaultViewID
	}
	if viewID != "" {
		if err := c.loadDataview(ctx, s, viewID); err != nil {
			c.logger.Warnf("session %s: dataview %q: %s", s.ID, viewID, err.Error())
		}
	}
	applyPatches(s, []Patch{SetDrillOption{Option: c.machine.deriveDrill(s, s.Config)}})
	c.machine.refreshOrDefer(s, nil)
	return nil
}

// loadDataview fetches the view and the functions its source supports. It
// must be called with s.mu held.
func (c *Controller) loadDataview(ctx context.Context, s *EditSession, viewID string) error {
	if c.dataviews == nil {
		return fmt.Errorf("no dataview service")
	}
	view, err := c.dataviews.GetDataview(ctx, viewID)
	if err != nil {
		return err
	}
	applyPatches(s, []Patch{SetDataview{Dataview: view, Expensive: view.ExpensiveQuery(c.logger)}})
	if s.ComputedFields == nil {
		c.machine.OnComputedFieldsLoaded(s, view.ComputedFields)
	}
	if view.SourceID != "" {
		fns, err := c.dataviews.AvailableSourceFunctions(ctx, view.SourceID)
		if err != nil {
			c.logger.Warnf("session %s: source functions for %q: %s", s.ID, view.SourceID, err.Error())
		} else {
			s.SourceFunctions = fns
		}
	}
	return nil
}

// bindEvents drops the handlers of the previous chart instance and binds the
// current one. It must be called with s.mu held.
func (c *Controller) bindEvents(s *EditSession) {
	if c.events == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	instance := s.instance
	s.unsubscribe = c.events.Register(instanceKey(s), ClickEvent, func(ev InteractionEvent) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.instance != instance {
			c.logger.Debugf("session %s: dropped %s for stale instance %d", s.ID, ev.Name, instance)
			return
		}
		c.dispatchClick(s, ev)
	})
}

// rebind follows a descriptor change with fresh handlers.
func (c *Controller) rebind(s *EditSession, before uint64) {
	if s.instance != before {
		c.bindEvents(s)
	}
}

// dispatchClick must be called with s.mu held.
func (c *Controller) dispatchClick(s *EditSession, ev InteractionEvent) []Patch {
	if s.Drill.IsSelectedDrill() && !s.Drill.IsBottomLevel() {
		lvl := s.Drill.CurrentLevel()
		return c.machine.OnDrillDescend(s, ev.RowData[lvl.FldName])
	}
	if ev.ComponentType == "table" && ev.SeriesType == "paging-sort-filter" {
		sorter := &Sorter{Column: ev.SeriesName, Operator: ev.Value.Direction, AggOperator: ev.Value.AggOperator}
		return c.machine.OnPageOrSort(s, sorter, &PageInfo{PageNo: ev.Value.PageNo})
	}
	if ev.SeriesName == RichTextSetting {
		return c.machine.OnRichTextChange(s, ev.Value.Content)
	}
	return nil
}

// HandleClick routes a click on the rendered chart: a drill step when drill
// mode is on, a paging or sort change on tables, or a rich text update.
func (c *Controller) HandleClick(s *EditSession, ev InteractionEvent) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.dispatchClick(s, ev), nil
}

func (c *Controller) ChangeChartType(s *EditSession, chartID string) ([]Patch, error) {
	desc, err := c.registry.ByID(chartID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	before := s.instance
	patches := c.machine.OnChartTypeChange(s, desc)
	c.rebind(s, before)
	return patches, nil
}

func (c *Controller) EditConfig(s *EditSession, edit ConfigEdit) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnFieldEdit(s, edit), nil
}

func (c *Controller) ChangeDateLevel(s *EditSession, edit ConfigEdit) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnDateLevelChange(s, edit), nil
}

func (c *Controller) RunQuery(s *EditSession) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnManualQueryTrigger(s)
}

func (c *Controller) DrillDescend(s *EditSession, value string) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnDrillDescend(s, value), nil
}

func (c *Controller) DrillAscend(s *EditSession, colName string) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnDrillAscend(s, colName), nil
}

func (c *Controller) ToggleDrill(s *EditSession) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return c.machine.OnToggleDrill(s), nil
}

func (c *Controller) ToggleAggregation(s *EditSession, enabled bool) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	before := s.instance
	patches := c.machine.OnAggregationToggle(s, enabled)
	patches = append(patches, c.machine.OnComputedFieldsLoaded(s, viewComputedFields(s.Dataview))...)
	c.rebind(s, before)
	return patches, nil
}

// viewComputedFields are the computed fields the dataview defines itself,
// without date-level fields materialized by earlier charts.
func viewComputedFields(view *Dataview) []ComputedField {
	fields := []ComputedField{}
	if view == nil {
		return fields
	}
	for _, cf := range view.ComputedFields {
		if cf.Category != CategoryDateLevelComputedField {
			fields = append(fields, cf)
		}
	}
	return fields
}

// LoadDataview switches the session to another dataview and resets the
// bindings to the chart type's defaults.
func (c *Controller) LoadDataview(ctx context.Context, s *EditSession, viewID string) ([]Patch, error) {
	if c.dataviews == nil {
		return nil, fmt.Errorf("load dataview %q: no dataview service", viewID)
	}
	view, err := c.dataviews.GetDataview(ctx, viewID)
	if err != nil {
		return nil, fmt.Errorf("load dataview %q: %w", viewID, err)
	}
	var fns []string
	if view.SourceID != "" {
		if fns, err = c.dataviews.AvailableSourceFunctions(ctx, view.SourceID); err != nil {
			c.logger.Warnf("source functions for %q: %s", view.SourceID, err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	before := s.instance
	patches := c.machine.OnDataviewChanged(s, view)
	patches = append(patches, c.machine.OnComputedFieldsLoaded(s, viewComputedFields(view))...)
	if fns != nil {
		s.SourceFunctions = fns
	}
	c.rebind(s, before)
	return patches, nil
}

// artifact must be called with s.mu held.
func (c *Controller) artifact(s *EditSession, computed []ComputedField) *ChartArtifact {
	art := &ChartArtifact{
		ID:     s.DataChartID,
		Name:   s.Name,
		OrgID:  s.OrgID,
		Status: StatusPublished,
		Config: ArtifactConfig{
			ChartConfig:    ClearRuntimeDateLevelFields(s.Config),
			ComputedFields: cloneComputedFields(computed),
			Aggregation:    s.Aggregation,
		},
	}
	if s.Dataview != nil {
		art.ViewID = s.Dataview.ID
	}
	if s.Descriptor != nil {
		art.Config.ChartGraphID = s.Descriptor.ID
	}
	return art
}

// BuildPersistable projects the session into the artifact a save would
// store. It does not change the session.
func (c *Controller) BuildPersistable(s *EditSession) *ChartArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.artifact(s, s.ComputedFields)
}

func (c *Controller) savedComputedFields(s *EditSession) []ComputedField {
	group := s.Config.SectionOfType(SectionGroup)
	if group == nil {
		return cloneComputedFields(s.ComputedFields)
	}
	rows := s.Dataview.DateLevelRows(RuntimeDateLevelRows(group.Rows), c.logger)
	return ResolveComputedFields(rows, "", s.ComputedFields, s.Config)
}

// Save stores the session's chart. A rejected save returns a
// *PersistenceFailure and leaves the session as it was.
func (c *Controller) Save(ctx context.Context, s *EditSession) (*ChartArtifact, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	computed := c.savedComputedFields(s)
	art := c.artifact(s, computed)
	container, chartType, view := s.Container, s.ChartType, s.Dataview
	s.mu.Unlock()

	op := "update"
	var err error
	switch {
	case container == ContainerWidget && chartType == WidgetChart:
		op = "saveInWidget"
		err = c.saveInWidget(ctx, chartType, art, view)
	case container == ContainerWidget:
		if err = c.updateChart(ctx, art); err == nil {
			op = "saveInWidget"
			err = c.saveInWidget(ctx, chartType, art, view)
		}
	case art.ID == "":
		op = "create"
		var relID string
		if relID, err = c.createChart(ctx, art); err == nil {
			art.ID = relID
		}
	default:
		err = c.updateChart(ctx, art)
	}
	if err != nil {
		c.logger.Warnf("session %s: %s chart %q failed: %s", s.ID, op, art.ID, err.Error())
		return nil, &PersistenceFailure{Op: op, ChartID: art.ID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if s.DataChartID == "" {
			s.DataChartID = art.ID
		}
		if !ComputedFieldsEqual(computed, s.ComputedFields) {
			applyPatches(s, []Patch{SetComputedFields{Fields: computed}})
		}
	}
	c.logger.Infof("Session %s: %s chart %q", s.ID, op, art.ID)
	return art, nil
}

func (c *Controller) createChart(ctx context.Context, art *ChartArtifact) (string, error) {
	if c.charts == nil {
		return "", fmt.Errorf("no chart store")
	}
	return c.charts.CreateChart(ctx, art)
}

func (c *Controller) updateChart(ctx context.Context, art *ChartArtifact) error {
	if c.charts == nil {
		return fmt.Errorf("no chart store")
	}
	return c.charts.UpdateChart(ctx, art)
}

func (c *Controller) saveInWidget(ctx context.Context, chartType WidgetChartType, art *ChartArtifact, view *Dataview) error {
	if c.widgets == nil {
		return fmt.Errorf("no widget saver")
	}
	return c.widgets.SaveInWidget(ctx, chartType, art, view)
}

// CreateDownloadTask asks for an Excel export of the current query. It is a
// no-op before a dataview is loaded.
func (c *Controller) CreateDownloadTask(ctx context.Context, s *EditSession) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.Dataview == nil || c.downloads == nil {
		s.mu.Unlock()
		return nil
	}
	req := BuildChartDataRequest(s.Dataview, s.Config, s.ComputedFields, s.Drill, s.Aggregation, RequestOptions{})
	name := s.Name
	if name == "" {
		name = s.Dataview.Name
	}
	params := DownloadParams{
		Request:   *req,
		Analytics: s.DataChartID == "",
		VizName:   name,
		VizID:     s.DataChartID,
		VizType:   string(ContainerDataChart),
	}
	if s.Container == ContainerWidget || strings.Contains(s.DataChartID, "widget") {
		params.VizType = string(ContainerWidget)
		if s.WidgetID != "" {
			params.VizID = s.WidgetID
		}
	}
	task := DownloadTaskRequest{FileName: name, DownloadType: DownloadExcel, Params: []DownloadParams{params}}
	s.mu.Unlock()

	if err := c.downloads.CreateDownloadTask(ctx, task); err != nil {
		return fmt.Errorf("download task for %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.DownloadPolling = true
	}
	return nil
}

// Teardown closes the session. Later calls are no-ops; in-flight refreshes
// are cancelled and their results dropped.
func (c *Controller) Teardown(s *EditSession) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.Shadow = nil
		s.Drill = nil
		s.Dataset = nil
		s.State = StateIdle
		s.AllowQuery = false
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if s.refresh != nil {
			s.refresh.close()
		}
		c.logger.Infof("Session %s closed", s.ID)
	})
}

func cloneArtifact(art *ChartArtifact) *ChartArtifact {
	out := *art
	out.Config.ChartConfig = art.Config.ChartConfig.Clone()
	out.Config.ComputedFields = cloneComputedFields(art.Config.ComputedFields)
	return &out
}
