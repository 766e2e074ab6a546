// Package registry loads the versioned test-case and backend-configuration
// store. Cases pair a natural language question with the oracle that judges
// results for it; configuration versions form an append-only chain of prompt
// artifacts so every suite run can name exactly what the backend saw.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"squill/internal/oracle"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Case is one regression scenario.
type Case struct {
	ID       string        `yaml:"id" json:"id"`
	Question string        `yaml:"question" json:"question"`
	Notes    string        `yaml:"notes,omitempty" json:"notes,omitempty"`
	Oracle   []oracle.Spec `yaml:"oracle" json:"oracle"`

	assertions []oracle.Assertion
}

// Assertions returns the compiled oracle for the case.
func (c Case) Assertions() []oracle.Assertion { return c.assertions }

// Artifact is one prompt-shaping element of a configuration version, either
// a schema description or a question/SQL example.
type Artifact struct {
	Kind     string `yaml:"kind" json:"kind"`
	Scope    string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
	Question string `yaml:"question,omitempty" json:"question,omitempty"`
	SQL      string `yaml:"sql,omitempty" json:"sql,omitempty"`
}

// Key canonicalizes the full artifact content. Versions append artifacts and
// never edit them, so any change to the content is a new key.
func (a Artifact) Key() string {
	return strings.Join([]string{a.Kind, a.Scope, a.Text, a.Question, a.SQL}, "\x1f")
}

func (a Artifact) validate() error {
	switch a.Kind {
	case "description":
		if a.Scope == "" || a.Text == "" {
			return errors.New("description artifact needs scope and text")
		}
	case "example":
		if a.Question == "" || a.SQL == "" {
			return errors.New("example artifact needs question and sql")
		}
	default:
		return errors.Errorf("unknown artifact kind %q", a.Kind)
	}
	return nil
}

// Label renders a short human identifier for diffs and logs.
func (a Artifact) Label() string {
	if a.Kind == "description" {
		return "description " + a.Scope
	}
	return "example " + a.Question
}

// ConfigVersion is one immutable revision of the backend prompt context.
type ConfigVersion struct {
	ID        string     `yaml:"id" json:"id"`
	Seq       int        `yaml:"seq" json:"seq"`
	Parent    string     `yaml:"parent,omitempty" json:"parent,omitempty"`
	Notes     string     `yaml:"notes,omitempty" json:"notes,omitempty"`
	Artifacts []Artifact `yaml:"artifacts" json:"artifacts"`
}

// Diff lists artifacts present in one version but not another.
type Diff struct {
	Added   []Artifact
	Removed []Artifact
}

// Registry is a loaded and validated registry directory.
type Registry struct {
	Dir string

	cases     []Case
	caseIdx   map[string]int
	versions  []ConfigVersion
	configIdx map[string]int
}

type casesFile struct {
	Cases []Case `yaml:"cases"`
}

// Load reads cases.yaml and configs/*.yaml under dir, validates both against
// their schemas, compiles every case oracle, and checks the configuration
// chain. Any violation makes the whole registry unusable.
func Load(dir string) (*Registry, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		Dir:       dir,
		caseIdx:   make(map[string]int),
		configIdx: make(map[string]int),
	}

	casesPath := filepath.Join(dir, "cases.yaml")
	data, err := os.ReadFile(casesPath)
	if err != nil {
		return nil, errors.Wrap(err, "read cases")
	}
	if err := validateYAML(schemas.cases, data); err != nil {
		return nil, errors.Wrapf(err, "%s", casesPath)
	}
	var cf casesFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, errors.Wrapf(err, "%s", casesPath)
	}
	for i, c := range cf.Cases {
		if _, dup := reg.caseIdx[c.ID]; dup {
			return nil, errors.Errorf("%s: duplicate case id %q", casesPath, c.ID)
		}
		assertions, err := oracle.Build(c.Oracle)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: case %q", casesPath, c.ID)
		}
		c.assertions = assertions
		cf.Cases[i] = c
		reg.caseIdx[c.ID] = i
	}
	reg.cases = cf.Cases

	versions, err := loadConfigs(filepath.Join(dir, "configs"), schemas)
	if err != nil {
		return nil, err
	}
	if err := validateChain(versions); err != nil {
		return nil, err
	}
	reg.versions = versions
	for i, v := range versions {
		reg.configIdx[v.ID] = i
	}
	return reg, nil
}

func loadConfigs(dir string, schemas *schemaSet) ([]ConfigVersion, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read configs")
	}
	var versions []ConfigVersion
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		if err := validateYAML(schemas.configs, data); err != nil {
			return nil, errors.Wrapf(err, "%s", path)
		}
		var v ConfigVersion
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(err, "%s", path)
		}
		for i, a := range v.Artifacts {
			if err := a.validate(); err != nil {
				return nil, errors.Wrapf(err, "%s: artifact %d", path, i)
			}
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Seq < versions[j].Seq })
	return versions, nil
}

// validateChain enforces the append-only history: sequence numbers count up
// from 1 without gaps, each version names its predecessor as parent, and each
// version carries every artifact of its parent.
func validateChain(versions []ConfigVersion) error {
	if len(versions) == 0 {
		return errors.New("registry has no configuration versions")
	}
	seen := make(map[string]bool, len(versions))
	for i, v := range versions {
		if seen[v.ID] {
			return errors.Errorf("duplicate configuration id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Seq != i+1 {
			return errors.Errorf("configuration %q has seq %d, want %d", v.ID, v.Seq, i+1)
		}
		keys := make(map[string]bool, len(v.Artifacts))
		for _, a := range v.Artifacts {
			if keys[a.Key()] {
				return errors.Errorf("configuration %q repeats artifact %q", v.ID, a.Label())
			}
			keys[a.Key()] = true
		}
		if i == 0 {
			if v.Parent != "" {
				return errors.Errorf("configuration %q is first but names parent %q", v.ID, v.Parent)
			}
			continue
		}
		prev := versions[i-1]
		if v.Parent != prev.ID {
			return errors.Errorf("configuration %q names parent %q, want %q", v.ID, v.Parent, prev.ID)
		}
		for _, a := range prev.Artifacts {
			if !keys[a.Key()] {
				return errors.Errorf("configuration %q drops artifact %q from parent %q", v.ID, a.Label(), prev.ID)
			}
		}
	}
	return nil
}

// Cases returns all cases in file order.
func (r *Registry) Cases() []Case { return r.cases }

// Case finds a case by id.
func (r *Registry) Case(id string) (Case, bool) {
	i, ok := r.caseIdx[id]
	if !ok {
		return Case{}, false
	}
	return r.cases[i], true
}

// Configs returns all configuration versions in chain order.
func (r *Registry) Configs() []ConfigVersion { return r.versions }

// Config finds a configuration version by id.
func (r *Registry) Config(id string) (ConfigVersion, bool) {
	i, ok := r.configIdx[id]
	if !ok {
		return ConfigVersion{}, false
	}
	return r.versions[i], true
}

// Latest returns the configuration version with the highest sequence number.
func (r *Registry) Latest() ConfigVersion { return r.versions[len(r.versions)-1] }

// Previous returns the version immediately preceding id in the chain.
func (r *Registry) Previous(id string) (ConfigVersion, bool) {
	i, ok := r.configIdx[id]
	if !ok || i == 0 {
		return ConfigVersion{}, false
	}
	return r.versions[i-1], true
}

// Diff reports artifacts added and removed between two versions. Within a
// valid chain Removed is empty whenever from precedes to.
func (r *Registry) Diff(fromID, toID string) (Diff, error) {
	from, ok := r.Config(fromID)
	if !ok {
		return Diff{}, errors.Errorf("unknown configuration %q", fromID)
	}
	to, ok := r.Config(toID)
	if !ok {
		return Diff{}, errors.Errorf("unknown configuration %q", toID)
	}
	fromKeys := make(map[string]bool, len(from.Artifacts))
	for _, a := range from.Artifacts {
		fromKeys[a.Key()] = true
	}
	toKeys := make(map[string]bool, len(to.Artifacts))
	for _, a := range to.Artifacts {
		toKeys[a.Key()] = true
	}
	var d Diff
	for _, a := range to.Artifacts {
		if !fromKeys[a.Key()] {
			d.Added = append(d.Added, a)
		}
	}
	for _, a := range from.Artifacts {
		if !toKeys[a.Key()] {
			d.Removed = append(d.Removed, a)
		}
	}
	return d, nil
}

// Describe renders a one line summary for logs.
func (r *Registry) Describe() string {
	return fmt.Sprintf("%d cases, %d configuration versions, latest %s",
		len(r.cases), len(r.versions), r.Latest().ID)
}
