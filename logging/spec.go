package logging

import (
	"fmt"
	"sort"
	"strings"
)

// Spec holds a base level and per-component overrides.
//
// The textual form is "<base>[,<component>=<level>]...". The base level
// may be omitted, in which case it is info.
type Spec struct {
	Base       Level
	Components map[string]Level
}

// ParseSpec parses the textual form of a Spec.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: LevelInfo, Components: map[string]Level{}}
	for i, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, value, isOverride := strings.Cut(field, "=")
		if !isOverride {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", field)
			}
			l, err := ParseLevel(field)
			if err != nil {
				return spec, err
			}
			spec.Base = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("missing component name in %q", field)
		}
		l, err := ParseLevel(value)
		if err != nil {
			return spec, fmt.Errorf("component %q: %w", name, err)
		}
		spec.Components[name] = l
	}
	return spec, nil
}

// LevelFor returns the level for component, walking up its dotted
// parents before falling back to the base level.
func (s *Spec) LevelFor(component string) Level {
	for name := component; name != ""; {
		if l, ok := s.Components[name]; ok {
			return l
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return s.Base
}

// String formats the spec with overrides in name order.
func (s *Spec) String() string {
	names := make([]string, 0, len(s.Components))
	for name := range s.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(s.Base.String())
	for _, name := range names {
		fmt.Fprintf(&b, ",%s=%s", name, s.Components[name])
	}
	return b.String()
}
