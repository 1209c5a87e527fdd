package channels

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Profile describes a printer and the initial state of its ink channels.
//
// Example:
//
//	name: Epson P700-P900
//	channels:
//	  - name: K
//	    end: 65535
//	  - name: C
//	    percent: 50
//	    source: solver
type Profile struct {
	Name     string        `yaml:"name"`
	Channels []ChannelSpec `yaml:"channels"`
}

// ChannelSpec sets one channel by end value or percent. End wins when both
// are present; a channel with neither starts at MaxEnd.
type ChannelSpec struct {
	Name    string   `yaml:"name"`
	End     *int     `yaml:"end,omitempty"`
	Percent *float64 `yaml:"percent,omitempty"`
	Source  Source   `yaml:"source,omitempty"`
}

// BuiltinPrinters maps printer keys to their channel layouts.
var BuiltinPrinters = map[string]struct {
	Name     string
	Channels []string
}{
	"P400":      {"Epson P400", []string{"K", "C", "M", "Y", "LC", "LM"}},
	"P800":      {"Epson P600-P800", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK"}},
	"3880-7880": {"Epson 3880-7880", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK"}},
	"x800-x890": {"Epson x800-x890", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK"}},
	"x900":      {"Epson x900", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK", "OR", "GR"}},
	"P4-6-8000": {"Epson P4-6-8000", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK"}},
	"P5-7-9000": {"Epson P5-7-9000", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK", "OR", "GR"}},
	"P700P900":  {"Epson P700-P900", []string{"K", "C", "M", "Y", "LC", "LM", "LK", "LLK", "V", "MK"}},
}

// DefaultPrinter is used when no profile is configured.
const DefaultPrinter = "P700P900"

// BuiltinProfile returns a profile for a built-in printer with every
// channel at full ink.
func BuiltinProfile(key string) (*Profile, error) {
	printer, ok := BuiltinPrinters[key]
	if !ok {
		return nil, fmt.Errorf("unknown printer %q (known: %v)", key, slices.Sorted(maps.Keys(BuiltinPrinters)))
	}
	p := &Profile{Name: printer.Name}
	for _, name := range printer.Channels {
		p.Channels = append(p.Channels, ChannelSpec{Name: name})
	}
	return p, nil
}

// LoadProfile reads a profile from path. A path naming a built-in printer
// key resolves to that printer instead.
func LoadProfile(path string) (*Profile, error) {
	if _, ok := BuiltinPrinters[path]; ok {
		return BuiltinProfile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and validates YAML profile data.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if len(p.Channels) == 0 {
		return nil, errors.New("profile has no channels")
	}
	if _, err := p.States(); err != nil {
		return nil, err
	}
	return &p, nil
}

// States converts the profile into initial channel states.
func (p *Profile) States() ([]ChannelState, error) {
	states := make([]ChannelState, 0, len(p.Channels))
	for _, spec := range p.Channels {
		if spec.Source != "" && !spec.Source.Valid() {
			return nil, fmt.Errorf("channel %q: %w: %q", spec.Name, ErrInvalidSource, spec.Source)
		}
		end := MaxEnd
		switch {
		case spec.End != nil:
			end = *spec.End
		case spec.Percent != nil:
			end = EndFromPercent(*spec.Percent)
		}
		states = append(states, NewChannelState(spec.Name, end, spec.Source))
	}
	if err := validateStates(states); err != nil {
		return nil, err
	}
	return states, nil
}
