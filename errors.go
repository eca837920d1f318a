package chartmeta

import (
	"errors"
	"fmt"
)

var (
	ErrStaleRefresh   = errors.New("refresh superseded")
	ErrNoPendingQuery = errors.New("no deferred query to run")
	ErrSessionClosed  = errors.New("editor session closed")
	ErrChartNotFound  = errors.New("chart not found")
)

// ConfigParseError reports malformed dataview metadata.
type ConfigParseError struct {
	ViewID string
	Key    string
	Err    error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("config parse error: dataview %q key %q: %v", e.ViewID, e.Key, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// PersistenceFailure is returned when a save is rejected by the chart store.
type PersistenceFailure struct {
	Op      string
	ChartID string
	Err     error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persistence failure: %s chart %q: %v", e.Op, e.ChartID, e.Err)
}

func (e *PersistenceFailure) Unwrap() error {
	return e.Err
}
