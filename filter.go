package chartmeta

import (
	"fmt"
	"strconv"
	"strings"
)

// RowFilter is the condition carried by a row of a filter section.
// Op is one of lt, le, gt, ge, eq, ne, prefix, suffix, contains, exists,
// range, in. The "not" option negates it.
type RowFilter struct {
	Op      string   `json:"op" yaml:"op" msgpack:"op"`
	Values  []string `json:"values" yaml:"values" msgpack:"values"`
	Options []string `json:"options,omitempty" yaml:"options,omitempty" msgpack:"options,omitempty"`
}

// ColumnFilter binds a RowFilter to a column of the query.
type ColumnFilter struct {
	Column  string   `json:"column" msgpack:"column"`
	Type    string   `json:"type,omitempty" msgpack:"type,omitempty"`
	Op      string   `json:"op" msgpack:"op"`
	Values  []string `json:"values" msgpack:"values"`
	Options []string `json:"options,omitempty" msgpack:"options,omitempty"`
}

func (cf *ColumnFilter) String() string {
	allValues := strings.Join(cf.Values, ", ")
	return fmt.Sprintf("%s %q %s", cf.Column, cf.Op, allValues)
}

func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// WhereTerm renders the filter as a SQL condition with ? placeholders and
// returns the args bound to them, in order.
func (cf ColumnFilter) WhereTerm() (string, []any, error) {
	if cf.Column == "" {
		return "", nil, fmt.Errorf("filter has no column")
	}

	parts := []string{}
	shouldNegate := cf.HasOption("not")

	// is there a value expected for this term?
	expectsValue := cf.Op != "exists"

	parts = append(parts, QuoteIdent(cf.Column))
	opcode, valFormat := OpCodeSQL(cf.Op, shouldNegate)
	if opcode == "" {
		return "", nil, fmt.Errorf("unknown filter op %q on %q", cf.Op, cf.Column)
	}
	parts = append(parts, opcode)

	compValue, args, err := ComparisonVal(cf.Values, valFormat, cf.Type, opcode)
	if err != nil {
		return "", nil, fmt.Errorf("filter on %q: %w", cf.Column, err)
	}
	hasValue := compValue != ""
	if hasValue && expectsValue {
		parts = append(parts, compValue)
	}

	if hasValue != expectsValue {
		return "", nil, fmt.Errorf("value expected for op %q on %q: %t  value provided %t", cf.Op, cf.Column, expectsValue, hasValue)
	}
	if !expectsValue {
		args = nil
	}

	return strings.Join(parts, " "), args, nil
}

// ComparisonVal returns the placeholder text for the compared values and the
// args to bind. Values of numeric columns must parse as numbers.
func ComparisonVal(values []string, valFormat string, typ string, opcode string) (string, []any, error) {
	if strings.HasSuffix(opcode, " null") {
		return "", nil, nil
	}
	if len(values) < 1 {
		return "", nil, nil
	}
	if strings.HasSuffix(opcode, "like") {
		return "?", []any{fmt.Sprintf(valFormat, values[0])}, nil
	}
	if strings.HasSuffix(opcode, "in") {
		args, err := BindValues(values, typ)
		if err != nil {
			return "", nil, err
		}
		marks := make([]string, len(args))
		for idx := range marks {
			marks[idx] = "?"
		}
		return fmt.Sprintf("(%s)", strings.Join(marks, ", ")), args, nil
	}
	if strings.HasSuffix(opcode, "between") {
		if len(values) != 2 {
			return "", nil, nil
		}
		args, err := BindValues(values, typ)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf(valFormat, "?", "?"), args, nil
	}
	args, err := BindValues(values[:1], typ)
	if err != nil {
		return "", nil, err
	}
	return "?", args, nil
}

// BindValues converts filter values to query args: float64 for numeric
// columns, the raw string otherwise.
func BindValues(values []string, typ string) ([]any, error) {
	args := make([]any, 0, len(values))
	for _, v := range values {
		if typ != FieldTypeNumeric {
			args = append(args, v)
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", v)
		}
		args = append(args, n)
	}
	return args, nil
}

func OpCodeSQL(op string, shouldNegate bool) (string, string) {
	sql := ""
	valFormat := "%s"
	switch op {
	case "lt":
		sql = "<"
		if shouldNegate {
			sql = ">="
		}
	case "gt":
		sql = ">"
		if shouldNegate {
			sql = "<="
		}
	case "le":
		sql = "<="
		if shouldNegate {
			sql = ">"
		}
	case "ge":
		sql = ">="
		if shouldNegate {
			sql = "<"
		}
	case "eq":
		sql = "="
		if shouldNegate {
			sql = "<>"
		}
	case "ne":
		sql = "<>"
		if shouldNegate {
			sql = "="
		}
	case "prefix":
		sql = "like"
		if shouldNegate {
			sql = "not like"
		}
		valFormat = "%s%%"
	case "suffix":
		sql = "like"
		if shouldNegate {
			sql = "not like"
		}
		valFormat = "%%%s"
	case "contains":
		sql = "like"
		if shouldNegate {
			sql = "not like"
		}
		valFormat = "%%%s%%"
	case "exists":
		sql = "is not null"
		if shouldNegate {
			sql = "is null"
		}
	case "range":
		sql = "between"
		if shouldNegate {
			sql = "not between"
		}
		valFormat = "%s and %s"
	case "in":
		sql = "in"
		if shouldNegate {
			sql = "not in"
		}
	}
	return sql, valFormat
}

func (cf *ColumnFilter) HasOption(s string) bool {
	for _, opt := range cf.Options {
		if strings.EqualFold(s, opt) {
			return true
		}
	}
	return false
}
