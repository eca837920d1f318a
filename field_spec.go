package chartmeta

import (
	"fmt"
)

// ViewField is a source column exposed by a dataview.
type ViewField struct {
	FldName     string        `json:"name" yaml:"name" msgpack:"name"`
	FldType     string        `json:"type" yaml:"type" msgpack:"type"`
	Category    FieldCategory `json:"category,omitempty" yaml:"category,omitempty" msgpack:"category,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty" msgpack:"description,omitempty"`
	CanGroup    bool          `json:"canGroup" yaml:"canGroup" msgpack:"canGroup"`
	CanFilter   bool          `json:"canFilter" yaml:"canFilter" msgpack:"canFilter"`
}

func (fld ViewField) String() string {
	return fmt.Sprintf("%s(%s) Grp: %t Filter: %t", fld.FldName, fld.FldType, fld.CanGroup, fld.CanFilter)
}

func (fld ViewField) IsDate() bool {
	return fld.FldType == FieldTypeDate
}
