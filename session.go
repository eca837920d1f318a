package chartmeta

import (
	"fmt"
	"sync"
)

type State int

const (
	StateIdle State = iota
	StatePendingRefresh
	StateAwaitingManualQuery
)

func (st State) String() string {
	switch st {
	case StateIdle:
		return "idle"
	case StatePendingRefresh:
		return "pendingRefresh"
	case StateAwaitingManualQuery:
		return "awaitingManualQuery"
	}
	return fmt.Sprintf("state(%d)", int(st))
}

type Container string

const (
	ContainerDataChart Container = "dataChart"
	ContainerWidget    Container = "widget"
)

// WidgetChartType tells an embedded chart apart from a reference to a
// standalone chart.
type WidgetChartType string

const (
	WidgetChart     WidgetChartType = "widgetChart"
	WidgetDataChart WidgetChartType = "dataChart"
)

// EditSession is the state of one chart editor. Exported fields are read
// under the session lock and only changed by applying patches.
type EditSession struct {
	mu sync.Mutex

	ID            string
	OrgID         string
	DataChartID   string
	WidgetID      string
	DefaultViewID string
	Container     Container
	ChartType     WidgetChartType
	Name          string

	Descriptor      *ChartDescriptor
	Config          *ChartConfig
	Shadow          *ChartConfig
	Drill           *DrillOption
	Dataview        *Dataview
	ComputedFields  []ComputedField
	Aggregation     bool
	ExpensiveQuery  bool
	AllowQuery      bool
	State           State
	Dataset         *Dataset
	RefreshErr      error
	SourceFunctions []string
	DownloadPolling bool

	// date-level columns replaced by edits deferred on an expensive dataview
	replacedColNames []string

	instance     uint64
	refresh      *refreshCoordinator
	unsubscribe  func()
	closed       bool
	teardownOnce sync.Once
}

// SessionView is a detached copy of the session for presentation.
type SessionView struct {
	ID              string          `json:"id"`
	ChartID         string          `json:"chartGraphId"`
	Config          *ChartConfig    `json:"chartConfig"`
	ComputedFields  []ComputedField `json:"computedFields"`
	DrillSelected   bool            `json:"drillSelected"`
	DrillBottom     bool            `json:"drillBottom"`
	DrillDepth      int             `json:"drillDepth"`
	DrillFilters    []DrillFilter   `json:"drillFilters,omitempty"`
	Aggregation     bool            `json:"aggregation"`
	ExpensiveQuery  bool            `json:"expensiveQuery"`
	AllowQuery      bool            `json:"allowQuery"`
	State           string          `json:"state"`
	Dataset         *Dataset        `json:"dataset,omitempty"`
	SourceFunctions []string        `json:"sourceFunctions,omitempty"`
	DownloadPolling bool            `json:"downloadPolling"`
}

func (s *EditSession) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := SessionView{
		ID:              s.ID,
		Config:          s.Config.Clone(),
		ComputedFields:  cloneComputedFields(s.ComputedFields),
		DrillSelected:   s.Drill.IsSelectedDrill(),
		DrillBottom:     s.Drill.IsBottomLevel(),
		DrillDepth:      s.Drill.Depth(),
		DrillFilters:    s.Drill.DrillFilters(),
		Aggregation:     s.Aggregation,
		ExpensiveQuery:  s.ExpensiveQuery,
		AllowQuery:      s.AllowQuery,
		State:           s.State.String(),
		Dataset:         s.Dataset,
		SourceFunctions: append([]string(nil), s.SourceFunctions...),
		DownloadPolling: s.DownloadPolling,
	}
	if s.Descriptor != nil {
		view.ChartID = s.Descriptor.ID
	}
	return view
}

// Wait blocks until no refresh is running for the session.
func (s *EditSession) Wait() {
	if s.refresh != nil {
		s.refresh.wait()
	}
}

// Patch is one field-level change to a session.
type Patch interface {
	Apply(s *EditSession)
}

type SetDescriptor struct{ Descriptor *ChartDescriptor }
type SetConfig struct{ Config *ChartConfig }
type SetShadowConfig struct{ Config *ChartConfig }
type SetComputedFields struct{ Fields []ComputedField }
type SetDrillOption struct{ Option *DrillOption }
type SetState struct{ State State }
type SetAllowQuery struct{ Allow bool }
type SetAggregation struct{ Enabled bool }

type SetDataview struct {
	Dataview  *Dataview
	Expensive bool
}

// Apply starts a new chart instance; handlers bound to the previous one go stale.
func (p SetDescriptor) Apply(s *EditSession) {
	s.instance++
	s.Descriptor = p.Descriptor
}

func (p SetConfig) Apply(s *EditSession)         { s.Config = p.Config }
func (p SetShadowConfig) Apply(s *EditSession)   { s.Shadow = p.Config }
func (p SetComputedFields) Apply(s *EditSession) { s.ComputedFields = cloneComputedFields(p.Fields) }
func (p SetDrillOption) Apply(s *EditSession)    { s.Drill = p.Option }
func (p SetState) Apply(s *EditSession)          { s.State = p.State }
func (p SetAllowQuery) Apply(s *EditSession)     { s.AllowQuery = p.Allow }
func (p SetAggregation) Apply(s *EditSession)    { s.Aggregation = p.Enabled }

func (p SetDataview) Apply(s *EditSession) {
	s.Dataview = p.Dataview
	s.ExpensiveQuery = p.Expensive
}

func applyPatches(s *EditSession, patches []Patch) []Patch {
	for _, p := range patches {
		p.Apply(s)
	}
	return patches
}
