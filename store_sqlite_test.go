package chartmeta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteChartStore {
	t.Helper()
	st, err := NewSQLiteChartStore(":memory:", nopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteChartRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	art := &ChartArtifact{
		Name:   "Sales by region",
		ViewID: "view-sales",
		OrgID:  "org-1",
		Status: StatusPublished,
		Config: ArtifactConfig{
			ChartConfig:    barConfig(),
			ChartGraphID:   "bar",
			ComputedFields: []ComputedField{{Name: "margin", Expression: "[amount] * 0.2", Category: CategoryComputedField, Type: FieldTypeNumeric}},
			Aggregation:    true,
		},
	}
	id, err := st.CreateChart(ctx, art)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := st.GetChart(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, art.Name, got.Name)
	assert.Equal(t, art.Config, got.Config)

	got.Name = "Renamed"
	require.NoError(t, st.UpdateChart(ctx, got))
	again, err := st.GetChart(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Name)

	require.NoError(t, st.DeleteChart(ctx, id))
	_, err = st.GetChart(ctx, id)
	assert.ErrorIs(t, err, ErrChartNotFound)
}

func TestSQLiteUpdateMissingChart(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.UpdateChart(context.Background(), &ChartArtifact{ID: "nope", Config: ArtifactConfig{ChartConfig: barConfig()}})
	assert.ErrorIs(t, err, ErrChartNotFound)
}

func TestSQLiteDataviews(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStore(t)

	view := salesView(`{"expensiveQuery": true}`)
	require.NoError(t, st.PutDataview(ctx, view))
	got, err := st.GetDataview(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view, got)
	assert.True(t, got.ExpensiveQuery(nopLogger()))

	_, err = st.GetDataview(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, st.AddSourceFunctions(ctx, "src-1", "SUM", "AGG_DATE_YEAR", "SUM"))
	fns, err := st.AvailableSourceFunctions(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"AGG_DATE_YEAR", "SUM"}, fns)

	none, err := st.AvailableSourceFunctions(ctx, "src-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func seedSales(t *testing.T, st *SQLiteChartStore) {
	t.Helper()
	_, err := st.DB().Exec(`
		CREATE TABLE sales (region TEXT, city TEXT, amount INTEGER, order_date TEXT);
		INSERT INTO sales VALUES ('East', 'Boston', 100, '2023-03-01');
		INSERT INTO sales VALUES ('East', 'Albany', 200, '2024-07-12');
		INSERT INTO sales VALUES ('West', 'Reno', 50, '2024-01-30');
		INSERT INTO sales VALUES ('North', 'Fargo', 70, '2023-11-05');
	`)
	require.NoError(t, err)
}

func TestSQLDatasetServiceRefresh(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedSales(t, st)
	svc := NewSQLDatasetService(st.DB(), nopLogger())

	region := strRow("region")
	region.Sort = "asc"
	cfg := barConfig()
	cfg.Datas[0].Rows = []FieldRow{region}

	req := BuildChartDataRequest(salesView(""), cfg, nil, nil, true, RequestOptions{})
	ds, err := svc.Refresh(context.Background(), RefreshRequest{Request: req})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "SUM(amount)"}, ds.Columns)
	assert.Equal(t, []DataRow{{"East", "300"}, {"West", "50"}}, ds.Rows)
	assert.Equal(t, 1, ds.ColumnIndex("SUM(amount)"))
}

func TestSQLDatasetServiceDrillAndDateLevel(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedSales(t, st)
	svc := NewSQLDatasetService(st.DB(), nopLogger())
	ctx := context.Background()

	region := strRow("region")
	city := strRow("city")
	city.Sort = "asc"
	cfg := barConfig()
	cfg.Datas[0].Rows = []FieldRow{region, city}
	drill := DeriveDrillOption(cfg.Datas, nil).ToggleSelectedDrill().Descend("East")

	req := BuildChartDataRequest(salesView(""), cfg, nil, drill, true, RequestOptions{})
	ds, err := svc.Refresh(ctx, RefreshRequest{Request: req, DrillOption: drill})
	require.NoError(t, err)
	assert.Equal(t, []DataRow{{"Albany", "200"}, {"Boston", "100"}}, ds.Rows)

	year := dateRow("order_date", DateLevelYear)
	year.Sort = "asc"
	cfg = barConfig()
	cfg.Datas[0].Rows = []FieldRow{year}
	cfg.Datas[2].Rows = nil
	computed := ResolveComputedFields(RuntimeDateLevelRows(cfg.AllRows()), "", nil, cfg)

	req = BuildChartDataRequest(salesView(""), cfg, computed, nil, true, RequestOptions{})
	ds, err = svc.Refresh(ctx, RefreshRequest{Request: req})
	require.NoError(t, err)
	assert.Equal(t, []DataRow{{"2023", "170"}, {"2024", "250"}}, ds.Rows)
}

func TestSQLDatasetServiceBindsFilterValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedSales(t, st)
	ctx := context.Background()
	_, err := st.CreateChart(ctx, &ChartArtifact{ID: "secret-chart", Name: "Board secrets", Config: ArtifactConfig{ChartConfig: barConfig()}})
	require.NoError(t, err)
	svc := NewSQLDatasetService(st.DB(), nopLogger())

	withAmountFilter := func(values ...string) *ChartDataRequest {
		cfg := barConfig()
		cfg.Datas[0].Rows = []FieldRow{strRow("region")}
		cfg.Datas[2].Rows = []FieldRow{{
			UID: "uid-f-amount", ColName: "amount", Field: "amount", Type: FieldTypeNumeric, Category: CategoryField,
			Filter: &RowFilter{Op: "gt", Values: values},
		}}
		return BuildChartDataRequest(salesView(""), cfg, nil, nil, true, RequestOptions{})
	}

	ds, err := svc.Refresh(ctx, RefreshRequest{Request: withAmountFilter("150")})
	require.NoError(t, err)
	assert.Equal(t, []DataRow{{"East", "200"}}, ds.Rows)

	ds, err = svc.Refresh(ctx, RefreshRequest{Request: withAmountFilter("100000 UNION SELECT id, name FROM charts")})
	assert.Error(t, err)
	assert.Nil(t, ds)

	cfg := barConfig()
	cfg.Datas[0].Rows = []FieldRow{strRow("region")}
	cfg.Datas[2].Rows[0].Filter = &RowFilter{Op: "eq", Values: []string{"x' UNION SELECT id, name FROM charts --"}}
	ds, err = svc.Refresh(ctx, RefreshRequest{Request: BuildChartDataRequest(salesView(""), cfg, nil, nil, true, RequestOptions{})})
	require.NoError(t, err)
	assert.Empty(t, ds.Rows)
}

func TestSQLDatasetServiceRequiresRequest(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := NewSQLDatasetService(st.DB(), nopLogger()).Refresh(context.Background(), RefreshRequest{})
	assert.Error(t, err)
}
