package sharing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/ridesync/internal/domain"
)

// Preset is a named, total assignment of every capability flag and the
// visibility set.
type Preset struct {
	Name         string              `json:"name"`
	Capabilities Capabilities        `json:"capabilities"`
	Visibility   []domain.Discipline `json:"visibility"`
}

// Built-in presets.
var (
	FullAccess = Preset{
		Name: "fullAccess",
		Capabilities: Capabilities{
			CanViewLiveRiding:        true,
			CanViewTrainingSummaries: true,
			CanViewCompetitions:      true,
			ReceiveCompletionAlerts:  true,
			ReceiveCompetitionAlerts: true,
			IsEmergencyContact:       true,
		},
		Visibility: domain.Disciplines,
	}
	LiveTrackingOnly = Preset{
		Name:         "liveTrackingOnly",
		Capabilities: Capabilities{CanViewLiveRiding: true},
		Visibility:   []domain.Discipline{domain.LiveTrackedDiscipline},
	}
	SummariesOnly = Preset{
		Name:         "summariesOnly",
		Capabilities: Capabilities{CanViewTrainingSummaries: true, ReceiveCompletionAlerts: true},
		Visibility:   domain.Disciplines,
	}
	CompetitionsOnly = Preset{
		Name:         "competitionsOnly",
		Capabilities: Capabilities{CanViewCompetitions: true, ReceiveCompetitionAlerts: true},
		Visibility:   nil,
	}
	EmergencyOnly = Preset{
		Name:         "emergencyOnly",
		Capabilities: Capabilities{CanViewLiveRiding: true, IsEmergencyContact: true},
		Visibility:   nil,
	}
)

// Presets is a registry of presets by name. Custom presets can be replaced
// at runtime; built-ins cannot.
type Presets struct {
	mu     sync.RWMutex
	byName map[string]Preset
}

var builtins = []Preset{FullAccess, LiveTrackingOnly, SummariesOnly, CompetitionsOnly, EmergencyOnly}

// DefaultPresets returns a registry holding the built-in presets.
func DefaultPresets() *Presets {
	return &Presets{byName: builtinMap()}
}

func builtinMap() map[string]Preset {
	m := make(map[string]Preset, len(builtins))
	for _, preset := range builtins {
		m[preset.Name] = preset
	}
	return m
}

// Get returns a preset by name.
func (p *Presets) Get(name string) (Preset, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	preset, ok := p.byName[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return preset, nil
}

// Names lists the registered presets in name order.
func (p *Presets) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every preset in name order.
func (p *Presets) All() []Preset {
	p.mu.RLock()
	out := make([]Preset, 0, len(p.byName))
	for _, preset := range p.byName {
		out = append(out, preset)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type presetEntry struct {
	Name         string   `yaml:"name" toml:"name"`
	Visibility   []string `yaml:"visibility" toml:"visibility"`
	Capabilities struct {
		CanViewLiveRiding        *bool `yaml:"canViewLiveRiding" toml:"canViewLiveRiding"`
		CanViewTrainingSummaries *bool `yaml:"canViewTrainingSummaries" toml:"canViewTrainingSummaries"`
		CanViewCompetitions      *bool `yaml:"canViewCompetitions" toml:"canViewCompetitions"`
		ReceiveCompletionAlerts  *bool `yaml:"receiveCompletionAlerts" toml:"receiveCompletionAlerts"`
		ReceiveCompetitionAlerts *bool `yaml:"receiveCompetitionAlerts" toml:"receiveCompetitionAlerts"`
		IsEmergencyContact       *bool `yaml:"isEmergencyContact" toml:"isEmergencyContact"`
	} `yaml:"capabilities" toml:"capabilities"`
}

// presetFile mirrors Preset with pointer flags so an omitted flag is detected.
type presetFile struct {
	Presets []presetEntry `yaml:"presets" toml:"presets"`
}

// Load adds the presets in a YAML document. Every flag must be stated; a
// preset that leaves one out is rejected, as is one redefining a name.
func (p *Presets) Load(r io.Reader) error {
	doc, err := decodeYAML(r)
	if err != nil {
		return err
	}
	return p.add(doc)
}

// LoadTOML is Load for a TOML document.
func (p *Presets) LoadTOML(r io.Reader) error {
	doc, err := decodeTOML(r)
	if err != nil {
		return err
	}
	return p.add(doc)
}

// LoadFile adds the presets in the file at path. A .toml extension selects
// TOML; anything else is read as YAML.
func (p *Presets) LoadFile(path string) error {
	doc, err := decodeFile(path)
	if err != nil {
		return err
	}
	return p.add(doc)
}

// Reload replaces every custom preset with the contents of path. On error the
// registry is left unchanged.
func (p *Presets) Reload(path string) error {
	doc, err := decodeFile(path)
	if err != nil {
		return err
	}
	loaded, err := resolve(doc, builtinMap())
	if err != nil {
		return err
	}
	next := builtinMap()
	for _, preset := range loaded {
		next[preset.Name] = preset
	}
	p.mu.Lock()
	p.byName = next
	p.mu.Unlock()
	return nil
}

func (p *Presets) add(doc presetFile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	loaded, err := resolve(doc, p.byName)
	if err != nil {
		return err
	}
	for _, preset := range loaded {
		p.byName[preset.Name] = preset
	}
	return nil
}

func decodeFile(path string) (presetFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return presetFile{}, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return decodeTOML(f)
	}
	return decodeYAML(f)
}

func decodeYAML(r io.Reader) (presetFile, error) {
	var doc presetFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return presetFile{}, fmt.Errorf("decode presets: %w", err)
	}
	return doc, nil
}

func decodeTOML(r io.Reader) (presetFile, error) {
	var doc presetFile
	md, err := toml.NewDecoder(r).Decode(&doc)
	if err != nil {
		return presetFile{}, fmt.Errorf("decode presets: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return presetFile{}, fmt.Errorf("decode presets: unknown key %s", undecoded[0])
	}
	return doc, nil
}

// resolve validates doc against the names already in existing.
func resolve(doc presetFile, existing map[string]Preset) ([]Preset, error) {
	loaded := make([]Preset, 0, len(doc.Presets))
	seen := make(map[string]bool, len(doc.Presets))
	for _, entry := range doc.Presets {
		if entry.Name == "" {
			return nil, errors.New("preset without a name")
		}
		if _, exists := existing[entry.Name]; exists || seen[entry.Name] {
			return nil, fmt.Errorf("preset %q already defined", entry.Name)
		}
		seen[entry.Name] = true
		c := entry.Capabilities
		flags := []struct {
			name string
			v    *bool
		}{
			{"canViewLiveRiding", c.CanViewLiveRiding},
			{"canViewTrainingSummaries", c.CanViewTrainingSummaries},
			{"canViewCompetitions", c.CanViewCompetitions},
			{"receiveCompletionAlerts", c.ReceiveCompletionAlerts},
			{"receiveCompetitionAlerts", c.ReceiveCompetitionAlerts},
			{"isEmergencyContact", c.IsEmergencyContact},
		}
		for _, flag := range flags {
			if flag.v == nil {
				return nil, fmt.Errorf("preset %q does not set %s", entry.Name, flag.name)
			}
		}
		visibility := make([]domain.Discipline, 0, len(entry.Visibility))
		for _, v := range entry.Visibility {
			d, err := domain.ParseDiscipline(v)
			if err != nil {
				return nil, fmt.Errorf("preset %q: %w", entry.Name, err)
			}
			visibility = append(visibility, d)
		}
		loaded = append(loaded, Preset{
			Name: entry.Name,
			Capabilities: Capabilities{
				CanViewLiveRiding:        *c.CanViewLiveRiding,
				CanViewTrainingSummaries: *c.CanViewTrainingSummaries,
				CanViewCompetitions:      *c.CanViewCompetitions,
				ReceiveCompletionAlerts:  *c.ReceiveCompletionAlerts,
				ReceiveCompetitionAlerts: *c.ReceiveCompetitionAlerts,
				IsEmergencyContact:       *c.IsEmergencyContact,
			},
			Visibility: NormalizeVisibility(visibility),
		})
	}
	return loaded, nil
}
