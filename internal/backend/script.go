package backend

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Script replays canned translations from a YAML file, cycling through the
// samples listed per case. It stands in for a live service in offline runs
// and keeps CI smoke tests deterministic.
type Script struct {
	mu    sync.Mutex
	next  map[string]int
	cases map[string][]ScriptSample
}

// ScriptSample is one canned answer. A non-empty Refusal wins over SQL.
type ScriptSample struct {
	SQL     string `yaml:"sql,omitempty"`
	Refusal string `yaml:"refusal,omitempty"`
}

type scriptFile struct {
	Cases map[string][]ScriptSample `yaml:"cases"`
}

// NewScript loads the script file.
func NewScript(path string) (*Script, error) {
	if path == "" {
		return nil, errors.New("script backend needs script_path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read script")
	}
	var sf scriptFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, errors.Wrapf(err, "parse script %s", path)
	}
	if len(sf.Cases) == 0 {
		return nil, errors.Errorf("script %s lists no cases", path)
	}
	return &Script{next: make(map[string]int), cases: sf.Cases}, nil
}

func (s *Script) Name() string { return "script" }

func (s *Script) Translate(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	samples := s.cases[req.CaseID]
	if len(samples) == 0 {
		s.mu.Unlock()
		return nil, failf(KindRefused, "no scripted answer for case %s", req.CaseID)
	}
	i := s.next[req.CaseID] % len(samples)
	s.next[req.CaseID]++
	s.mu.Unlock()

	sample := samples[i]
	if sample.Refusal != "" {
		return nil, failf(KindRefused, "%s", sample.Refusal)
	}
	raw, err := json.Marshal(map[string]any{"sql": sample.SQL, "script_index": i})
	if err != nil {
		return nil, errors.Wrap(err, "encode raw response")
	}
	return &Response{
		SQL:         StripFences(sample.SQL),
		RawResponse: string(raw),
		Model:       "script",
	}, nil
}
