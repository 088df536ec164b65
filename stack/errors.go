package stack

import (
	"fmt"
	"strings"
)

// ConfigError reports every problem found while loading and validating
// stack definitions. Loading is all-or-nothing: a single bad stanza fails
// the whole load, so a reconciliation pass never acts on a partially
// understood model.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration: %d problems:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
