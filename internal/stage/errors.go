package stage

import "fmt"

// DesignError indicates structural misuse by the stage author: duplicate
// names, incompatible frequencies, prerequisites that do not exist. It is
// never retried.
type DesignError struct {
	Stage string
	Msg   string
}

// Error implements the error interface.
func (e *DesignError) Error() string {
	if e.Stage == "" {
		return "design error: " + e.Msg
	}
	return fmt.Sprintf("design error in stage %q: %s", e.Stage, e.Msg)
}
