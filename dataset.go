package chartmeta

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type DataRow []string

// Dataset is the result of one refresh.
type Dataset struct {
	Columns  []string  `json:"columns" msgpack:"columns"`
	Rows     []DataRow `json:"rows" msgpack:"rows"`
	PageInfo *PageInfo `json:"pageInfo,omitempty" msgpack:"pageInfo,omitempty"`
}

func (ds *Dataset) ColumnIndex(name string) int {
	for idx, col := range ds.Columns {
		if col == name {
			return idx
		}
	}
	return -1
}

// RefreshRequest carries whatever subset of paging, sorting and drilling a
// refresh was asked for. Request is the resolved query.
type RefreshRequest struct {
	Sorter      *Sorter
	PageInfo    *PageInfo
	DrillOption *DrillOption
	Request     *ChartDataRequest
}

type DatasetRefresher interface {
	Refresh(ctx context.Context, req RefreshRequest) (*Dataset, error)
}

// SQLDatasetService answers refreshes by running the formatted query.
type SQLDatasetService struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewSQLDatasetService(db *sql.DB, logger *zap.SugaredLogger) *SQLDatasetService {
	return &SQLDatasetService{db: db, logger: logger}
}

func (svc *SQLDatasetService) Refresh(ctx context.Context, req RefreshRequest) (*Dataset, error) {
	if req.Request == nil {
		return nil, fmt.Errorf("refresh without a resolved request")
	}
	qry, args, err := FormatQuery(req.Request, svc.logger)
	if err != nil {
		return nil, fmt.Errorf("refresh query on %q: %w", req.Request.Table, err)
	}
	svc.logger.Debugf("refresh %s: %s %v", req.Request.ViewID, qry, args)

	rows, err := svc.db.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, fmt.Errorf("refresh query on %q: %w", req.Request.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Columns: cols, Rows: []DataRow{}, PageInfo: req.Request.PageInfo}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]interface{}, len(cols))
		for idx := range vals {
			ptrs[idx] = &vals[idx]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		dR := make(DataRow, len(cols))
		for idx, v := range vals {
			if v.Valid {
				dR[idx] = v.String
			}
		}
		ds.Rows = append(ds.Rows, dR)
	}
	return ds, rows.Err()
}
