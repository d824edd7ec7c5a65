// Package preset loads named filter presets from a YAML file so clients can
// reference a filter by name instead of spelling it out on every session.
package preset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/logrelay-dev/logrelay/internal/filter"
)

type file struct {
	Presets map[string]*filter.Filter `yaml:"presets"`
}

type Library struct {
	presets map[string]*filter.Filter
}

// Empty returns a library with no presets.
func Empty() *Library {
	return &Library{presets: map[string]*filter.Filter{}}
}

// Load parses a presets file. Every preset is validated at load time so a
// bad file fails the daemon at startup rather than a client at runtime.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("presets: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("presets parse: %w", err)
	}

	for name, flt := range f.Presets {
		if err := flt.Validate(); err != nil {
			return nil, fmt.Errorf("presets: %q: %w", name, err)
		}
	}

	if f.Presets == nil {
		f.Presets = map[string]*filter.Filter{}
	}
	return &Library{presets: f.Presets}, nil
}

func (l *Library) Get(name string) (*filter.Filter, bool) {
	f, ok := l.presets[name]
	return f, ok
}

func (l *Library) Names() []string {
	names := make([]string, 0, len(l.presets))
	for name := range l.presets {
		names = append(names, name)
	}
	return names
}
