package chartmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteChartStore keeps charts, dataviews and source functions in one
// SQLite database. It serves both ChartStore and DataviewService.
type SQLiteChartStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewSQLiteChartStore(dbPath string, logger *zap.SugaredLogger) (*SQLiteChartStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteChartStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (st *SQLiteChartStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS charts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		view_id TEXT NOT NULL DEFAULT '',
		org_id TEXT NOT NULL DEFAULT '',
		chart_graph_id TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL,
		status INTEGER DEFAULT 1,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS dataviews (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		org_id TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		script TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '',
		fields TEXT NOT NULL DEFAULT '[]',
		computed_fields TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS source_functions (
		source_id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (source_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_charts_org ON charts(org_id);
	CREATE INDEX IF NOT EXISTS idx_dataviews_source ON dataviews(source_id);
	`
	_, err := st.db.Exec(schema)
	return err
}

// DB exposes the connection so a SQLDatasetService can query the same tables.
func (st *SQLiteChartStore) DB() *sql.DB {
	return st.db
}

func (st *SQLiteChartStore) Close() error {
	return st.db.Close()
}

func (st *SQLiteChartStore) GetChart(ctx context.Context, id string) (*ChartArtifact, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, name, view_id, org_id, config, status, description
		FROM charts WHERE id = ?`, id)

	var art ChartArtifact
	var config string
	err := row.Scan(&art.ID, &art.Name, &art.ViewID, &art.OrgID, &config, &art.Status, &art.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chart %q: %w", id, ErrChartNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chart %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(config), &art.Config); err != nil {
		return nil, fmt.Errorf("chart %q config: %w", id, err)
	}
	return &art, nil
}

func (st *SQLiteChartStore) CreateChart(ctx context.Context, art *ChartArtifact) (string, error) {
	id := art.ID
	if id == "" {
		id = uuid.NewString()
	}
	config, err := json.Marshal(art.Config)
	if err != nil {
		return "", err
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO charts (id, name, view_id, org_id, chart_graph_id, config, status, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, art.Name, art.ViewID, art.OrgID, art.Config.ChartGraphID, string(config), art.Status, art.Description)
	if err != nil {
		return "", fmt.Errorf("failed to create chart: %w", err)
	}
	st.logger.Infof("Created chart %s (%q)", id, art.Name)
	return id, nil
}

func (st *SQLiteChartStore) UpdateChart(ctx context.Context, art *ChartArtifact) error {
	config, err := json.Marshal(art.Config)
	if err != nil {
		return err
	}
	result, err := st.db.ExecContext(ctx, `
		UPDATE charts SET name = ?, view_id = ?, org_id = ?, chart_graph_id = ?, config = ?, status = ?, description = ?
		WHERE id = ?`,
		art.Name, art.ViewID, art.OrgID, art.Config.ChartGraphID, string(config), art.Status, art.Description, art.ID)
	if err != nil {
		return fmt.Errorf("failed to update chart %q: %w", art.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chart %q: %w", art.ID, ErrChartNotFound)
	}
	return nil
}

func (st *SQLiteChartStore) DeleteChart(ctx context.Context, id string) error {
	_, err := st.db.ExecContext(ctx, `DELETE FROM charts WHERE id = ?`, id)
	return err
}

// PutDataview inserts or replaces a dataview definition.
func (st *SQLiteChartStore) PutDataview(ctx context.Context, view *Dataview) error {
	fields, err := json.Marshal(view.Fields)
	if err != nil {
		return err
	}
	computed, err := json.Marshal(view.ComputedFields)
	if err != nil {
		return err
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dataviews (id, name, org_id, source_id, script, config, fields, computed_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		view.ID, view.Name, view.OrgID, view.SourceID, view.Script, view.Config, string(fields), string(computed))
	if err != nil {
		return fmt.Errorf("failed to store dataview %q: %w", view.ID, err)
	}
	return nil
}

func (st *SQLiteChartStore) GetDataview(ctx context.Context, id string) (*Dataview, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT id, name, org_id, source_id, script, config, fields, computed_fields
		FROM dataviews WHERE id = ?`, id)

	var view Dataview
	var fields, computed string
	err := row.Scan(&view.ID, &view.Name, &view.OrgID, &view.SourceID, &view.Script, &view.Config, &fields, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataview %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataview %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fields), &view.Fields); err != nil {
		return nil, fmt.Errorf("dataview %q fields: %w", id, err)
	}
	if err := json.Unmarshal([]byte(computed), &view.ComputedFields); err != nil {
		return nil, fmt.Errorf("dataview %q computed fields: %w", id, err)
	}
	return &view, nil
}

func (st *SQLiteChartStore) AddSourceFunctions(ctx context.Context, sourceID string, names ...string) error {
	for _, name := range names {
		if _, err := st.db.ExecContext(ctx, `INSERT OR IGNORE INTO source_functions (source_id, name) VALUES (?, ?)`, sourceID, name); err != nil {
			return fmt.Errorf("failed to add function %q: %w", name, err)
		}
	}
	return nil
}

func (st *SQLiteChartStore) AvailableSourceFunctions(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT name FROM source_functions WHERE source_id = ? ORDER BY name`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fns := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		fns = append(fns, name)
	}
	return fns, rows.Err()
}
