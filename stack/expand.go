package stack

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// expander interpolates ${VAR} and ${VAR:-fallback} references against the
// process environment. Unset variables without a fallback are recorded
// rather than silently replaced with the empty string: half-resolved
// configuration must fail the load, not start a container with a blank
// password or a wrong path. "$$" escapes a literal dollar sign.
type expander struct {
	lookup  func(string) (string, bool)
	missing map[string]bool
}

func newExpander(lookup func(string) (string, bool)) *expander {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &expander{lookup: lookup, missing: make(map[string]bool)}
}

func (x *expander) expand(s string) string {
	return os.Expand(s, func(ref string) string {
		if ref == "$" {
			return "$"
		}
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if hasFallback {
			// Shell rules: the fallback covers both unset and empty.
			if v, ok := x.lookup(name); ok && v != "" {
				return v
			}
			return fallback
		}
		if v, ok := x.lookup(name); ok {
			return v
		}
		x.missing[name] = true
		return ""
	})
}

func (x *expander) expandAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = x.expand(s)
	}
	return out
}

func (x *expander) expandMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = x.expand(v)
	}
	return out
}

// problems returns one finding per distinct unresolved variable, sorted.
func (x *expander) problems(file string) []string {
	if len(x.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(x.missing))
	for name := range x.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = fmt.Sprintf("%s: environment variable %q is not set and has no fallback", file, name)
	}
	return out
}
