package chartmeta

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

type Sorter struct {
	Column      string `json:"column" msgpack:"column"`
	Operator    string `json:"operator" msgpack:"operator"`
	AggOperator string `json:"aggOperator,omitempty" msgpack:"aggOperator,omitempty"`
}

type PageInfo struct {
	PageNo   int `json:"pageNo" msgpack:"pageNo"`
	PageSize int `json:"pageSize,omitempty" msgpack:"pageSize,omitempty"`
}

type RequestColumn struct {
	Column string `json:"column" msgpack:"column"`
	Alias  string `json:"alias,omitempty" msgpack:"alias,omitempty"`
}

type RequestAggregator struct {
	Column      string `json:"column" msgpack:"column"`
	SQLOperator string `json:"sqlOperator" msgpack:"sqlOperator"`
}

// ChartDataRequest is the query a chart config resolves to for one refresh.
type ChartDataRequest struct {
	ViewID         string              `json:"viewId" msgpack:"viewId"`
	Table          string              `json:"table" msgpack:"table"`
	Aggregation    bool                `json:"aggregation" msgpack:"aggregation"`
	Groups         []RequestColumn     `json:"groups" msgpack:"groups"`
	Columns        []RequestColumn     `json:"columns,omitempty" msgpack:"columns,omitempty"`
	Aggregators    []RequestAggregator `json:"aggregators" msgpack:"aggregators"`
	Filters        []ColumnFilter      `json:"filters" msgpack:"filters"`
	Orders         []Sorter            `json:"orders" msgpack:"orders"`
	PageInfo       *PageInfo           `json:"pageInfo,omitempty" msgpack:"pageInfo,omitempty"`
	ComputedFields []ComputedField     `json:"computedFields,omitempty" msgpack:"computedFields,omitempty"`
}

type RequestOptions struct {
	Sorter   *Sorter
	PageInfo *PageInfo
}

const defaultPageSize = 1000

func isMeasureRow(row FieldRow) bool {
	return row.Aggregate != "" || row.Type == FieldTypeNumeric
}

func aggOperator(row FieldRow) string {
	if row.Aggregate != "" {
		return strings.ToUpper(row.Aggregate)
	}
	return "SUM"
}

// BuildChartDataRequest resolves cfg against view into a query request. A
// drill option in drill mode narrows the group columns to the current level
// and pins the ancestors it drilled through. Otherwise the group section's
// own rows are used.
func BuildChartDataRequest(view *Dataview, cfg *ChartConfig, computed []ComputedField, drill *DrillOption, aggregation bool, opts RequestOptions) *ChartDataRequest {
	req := &ChartDataRequest{
		Aggregation: aggregation,
		Groups:      []RequestColumn{},
		Aggregators: []RequestAggregator{},
		Filters:     []ColumnFilter{},
		Orders:      []Sorter{},
		PageInfo:    opts.PageInfo,
	}
	if view != nil {
		req.ViewID = view.ID
		req.Table = view.Name
	}
	if cfg == nil {
		return req
	}

	dimensions := []FieldRow{}
	measures := []FieldRow{}
	for _, ds := range cfg.Datas {
		switch ds.Type {
		case SectionGroup:
			if drill.IsSelectedDrill() && ds.Drillable {
				dimensions = append(dimensions, drill.CurrentFields()...)
				for _, row := range ds.Rows {
					if isMeasureRow(row) {
						measures = append(measures, row)
					}
				}
				continue
			}
			dimensions = append(dimensions, ds.Rows...)
		case SectionColor:
			dimensions = append(dimensions, ds.Rows...)
		case SectionAggregate, SectionSize, SectionInfo, SectionLabel:
			measures = append(measures, ds.Rows...)
		case SectionMixed:
			for _, row := range ds.Rows {
				if isMeasureRow(row) {
					measures = append(measures, row)
				} else {
					dimensions = append(dimensions, row)
				}
			}
		case SectionFilter:
			for _, row := range ds.Rows {
				if row.Filter == nil {
					continue
				}
				req.Filters = append(req.Filters, ColumnFilter{
					Column:  row.ColName,
					Type:    row.Type,
					Op:      row.Filter.Op,
					Values:  append([]string(nil), row.Filter.Values...),
					Options: append([]string(nil), row.Filter.Options...),
				})
			}
		}
	}

	seen := map[string]bool{}
	for _, row := range dimensions {
		if seen[row.ColName] {
			continue
		}
		seen[row.ColName] = true
		req.Groups = append(req.Groups, RequestColumn{Column: row.ColName})
		if row.Sort != "" {
			req.Orders = append(req.Orders, Sorter{Column: row.ColName, Operator: strings.ToUpper(row.Sort)})
		}
	}
	for _, row := range measures {
		if aggregation {
			req.Aggregators = append(req.Aggregators, RequestAggregator{Column: row.ColName, SQLOperator: aggOperator(row)})
		} else {
			req.Columns = append(req.Columns, RequestColumn{Column: row.ColName})
		}
		if row.Sort != "" {
			order := Sorter{Column: row.ColName, Operator: strings.ToUpper(row.Sort)}
			if aggregation {
				order.AggOperator = aggOperator(row)
			}
			req.Orders = append(req.Orders, order)
		}
	}

	if drill.IsSelectedDrill() {
		for _, df := range drill.DrillFilters() {
			req.Filters = append(req.Filters, ColumnFilter{Column: df.Field, Op: "eq", Values: []string{df.Value}})
		}
	}
	if opts.Sorter != nil && opts.Sorter.Column != "" {
		req.Orders = append([]Sorter{*opts.Sorter}, req.Orders...)
	}

	for _, cf := range computed {
		if cfg.References(cf.Name) {
			req.ComputedFields = append(req.ComputedFields, cf)
		}
	}
	return req
}

var bracketRef = regexp.MustCompile(`\[([^\]]+)\]`)

var dateLevelSQL = map[string]string{
	DateLevelYear.Function():    "strftime('%%Y', %s)",
	DateLevelQuarter.Function(): "(strftime('%%Y', %[1]s) || '-Q' || ((cast(strftime('%%m', %[1]s) as integer) + 2) / 3))",
	DateLevelMonth.Function():   "strftime('%%Y-%%m', %s)",
	DateLevelWeek.Function():    "strftime('%%Y-%%W', %s)",
	DateLevelDay.Function():     "strftime('%%Y-%%m-%%d', %s)",
}

var dateFuncCall = regexp.MustCompile(`^(AGG_DATE_[A-Z]+)\(\[([^\]]+)\]\)$`)

// ComputedFieldSQL renders a computed field expression as a SQL expression.
// Date-level fields must be a single date function over one field.
func ComputedFieldSQL(cf ComputedField) (string, error) {
	expr := strings.TrimSpace(cf.Expression)
	if m := dateFuncCall.FindStringSubmatch(expr); m != nil {
		if format, ok := dateLevelSQL[m[1]]; ok {
			return fmt.Sprintf(format, QuoteIdent(m[2])), nil
		}
	}
	if cf.Category == CategoryDateLevelComputedField || strings.HasPrefix(expr, "AGG_DATE_") {
		return "", fmt.Errorf("computed field %q: bad date expression %q", cf.Name, cf.Expression)
	}
	return bracketRef.ReplaceAllStringFunc(expr, func(ref string) string {
		return QuoteIdent(ref[1 : len(ref)-1])
	}), nil
}

// queryBuilder renders one request. Computed columns are inlined as SQL
// expressions; filter values go to args.
type queryBuilder struct {
	computed map[string]ComputedField
	args     []any
}

func (qb *queryBuilder) columnExpr(name string) (string, error) {
	if cf, ok := qb.computed[name]; ok {
		return ComputedFieldSQL(cf)
	}
	return QuoteIdent(name), nil
}

func (qb *queryBuilder) where(filters []ColumnFilter) (string, error) {
	terms := []string{}
	for _, filter := range filters {
		term, args, err := filter.WhereTerm()
		if err != nil {
			return "", err
		}
		if _, ok := qb.computed[filter.Column]; ok {
			expr, err := qb.columnExpr(filter.Column)
			if err != nil {
				return "", err
			}
			term = strings.Replace(term, QuoteIdent(filter.Column), expr, 1)
		}
		terms = append(terms, term)
		qb.args = append(qb.args, args...)
	}
	switch len(terms) {
	case 0:
		return "", nil
	case 1:
		return fmt.Sprintf("where %s", terms[0]), nil
	}
	wrapped := []string{}
	for _, term := range terms {
		wrapped = append(wrapped, fmt.Sprintf("(%s)", term))
	}
	return fmt.Sprintf("where %s", strings.Join(wrapped, " and ")), nil
}

func (qb *queryBuilder) order(orders []Sorter) (string, error) {
	if len(orders) < 1 {
		return "", nil
	}
	terms := []string{}
	for _, order := range orders {
		dir := "asc"
		if strings.EqualFold(order.Operator, "desc") {
			dir = "desc"
		}
		expr, err := qb.columnExpr(order.Column)
		if err != nil {
			return "", err
		}
		if order.AggOperator != "" {
			if expr, err = aggregateExpr(order.AggOperator, expr); err != nil {
				return "", err
			}
		}
		terms = append(terms, fmt.Sprintf("%s %s", expr, dir))
	}
	return fmt.Sprintf("order by %s", strings.Join(terms, ", ")), nil
}

func formatOffset(page *PageInfo) string {
	if page == nil {
		return ""
	}
	size := page.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	pageNo := page.PageNo
	if pageNo < 1 {
		pageNo = 1
	}
	return fmt.Sprintf("limit %d offset %d", size, (pageNo-1)*size)
}

var sqlAggregates = map[string]string{
	"SUM":            "sum(%s)",
	"AVG":            "avg(%s)",
	"MIN":            "min(%s)",
	"MAX":            "max(%s)",
	"COUNT":          "count(%s)",
	"COUNT_DISTINCT": "count(distinct %s)",
}

func aggregateExpr(op string, expr string) (string, error) {
	format, ok := sqlAggregates[strings.ToUpper(op)]
	if !ok {
		return "", fmt.Errorf("unknown aggregate %q", op)
	}
	return fmt.Sprintf(format, expr), nil
}

// FormatQuery renders a request as a single SQL select over the view table.
// Filter values are returned as args for the ? placeholders in the query.
func FormatQuery(req *ChartDataRequest, logger *zap.SugaredLogger) (string, []any, error) {
	qb := &queryBuilder{computed: map[string]ComputedField{}, args: []any{}}
	for _, cf := range req.ComputedFields {
		qb.computed[cf.Name] = cf
	}

	selects := []string{}
	groupBy := []string{}
	for _, col := range req.Groups {
		expr, err := qb.columnExpr(col.Column)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, fmt.Sprintf("%s as %s", expr, QuoteIdent(col.Column)))
		groupBy = append(groupBy, expr)
	}
	for _, col := range req.Columns {
		expr, err := qb.columnExpr(col.Column)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, fmt.Sprintf("%s as %s", expr, QuoteIdent(col.Column)))
	}
	for _, agg := range req.Aggregators {
		expr, err := qb.columnExpr(agg.Column)
		if err != nil {
			return "", nil, err
		}
		if expr, err = aggregateExpr(agg.SQLOperator, expr); err != nil {
			return "", nil, err
		}
		alias := fmt.Sprintf("%s(%s)", agg.SQLOperator, agg.Column)
		selects = append(selects, fmt.Sprintf("%s as %s", expr, QuoteIdent(alias)))
	}
	if len(selects) == 0 {
		selects = append(selects, "*")
	}

	parts := []string{fmt.Sprintf("select %s from %s", strings.Join(selects, ", "), QuoteIdent(req.Table))}
	where, err := qb.where(req.Filters)
	if err != nil {
		logger.Warnf("query on %q rejected: %s", req.Table, err.Error())
		return "", nil, err
	}
	if where != "" {
		parts = append(parts, where)
	}
	if req.Aggregation && len(groupBy) > 0 && len(req.Aggregators) > 0 {
		parts = append(parts, fmt.Sprintf("group by %s", strings.Join(groupBy, ", ")))
	}
	order, err := qb.order(req.Orders)
	if err != nil {
		return "", nil, err
	}
	if order != "" {
		parts = append(parts, order)
	}
	if paging := formatOffset(req.PageInfo); paging != "" {
		parts = append(parts, paging)
	}
	return strings.Join(parts, " "), qb.args, nil
}
