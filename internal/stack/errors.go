package stack

import (
	"fmt"
	"strings"
)

// MissingOutputError reports outputs required from a stage that the stage
// does not declare. It aborts the stack build.
type MissingOutputError struct {
	Stage       string
	Missing     []string
	RequestedBy string
}

// Error implements the error interface.
func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("output(s) %q required from stage %q (%s) will not be produced",
		strings.Join(e.Missing, ", "), e.Stage, e.RequestedBy)
}
