package generation

import (
	"fmt"

	"tabledb/pkg/dberrors"
)

// Descriptor identifies a generation of a remote replica for bulk
// bootstrap or catch-up.
type Descriptor struct {
	Source     string      `json:"source"`
	Generation *Generation `json:"generation"`
}

func (d Descriptor) Validate(table string) error {
	if d.Generation == nil {
		return fmt.Errorf("%w: descriptor without generation", dberrors.ErrInvalidArgument)
	}
	if d.Generation.Table != table {
		return fmt.Errorf("%w: descriptor is for table %q, not %q", dberrors.ErrInvalidArgument, d.Generation.Table, table)
	}
	return d.Generation.Validate()
}
