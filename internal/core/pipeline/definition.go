package pipeline

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aevon-lab/sieve/internal/sandbox"
)

// Definition is a pipeline declared in a YAML file. Stage order is the order
// of the stages list; each entry names exactly one kind.
type Definition struct {
	Stages    []Def
	Begin     string
	End       string
	SpanClose string
	// Fingerprint is the SHA-256 of the raw file, for logging which version ran.
	Fingerprint string
}

// rawDefinition is the on-disk YAML shape.
type rawDefinition struct {
	Stages    []rawStage `yaml:"stages"`
	Begin     string     `yaml:"begin"`
	End       string     `yaml:"end"`
	SpanClose string     `yaml:"span_close"`
}

type rawStage struct {
	Filter *string `yaml:"filter"`
	Exec   *string `yaml:"exec"`
	Map    *string `yaml:"map"`
}

func (r rawStage) def() (Def, error) {
	var defs []Def
	if r.Filter != nil {
		defs = append(defs, Def{Kind: KindFilter, Source: *r.Filter})
	}
	if r.Exec != nil {
		defs = append(defs, Def{Kind: KindExec, Source: *r.Exec})
	}
	if r.Map != nil {
		defs = append(defs, Def{Kind: KindMap, Source: *r.Map})
	}
	if len(defs) != 1 {
		return Def{}, fmt.Errorf("each stage needs exactly one of filter, exec or map, got %d", len(defs))
	}
	if strings.TrimSpace(defs[0].Source) == "" {
		return Def{}, fmt.Errorf("%s stage is empty", defs[0].Kind)
	}
	return defs[0], nil
}

// LoadDefinition reads and validates a pipeline file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition decodes a pipeline document.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}

	def := &Definition{
		Begin:       raw.Begin,
		End:         raw.End,
		SpanClose:   raw.SpanClose,
		Fingerprint: fmt.Sprintf("%x", sha256.Sum256(data)),
	}
	for i, rs := range raw.Stages {
		d, err := rs.def()
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		def.Stages = append(def.Stages, d)
	}
	return def, nil
}

// Hooks are the compiled non-stage scripts. Any of them may be nil.
type Hooks struct {
	Begin     *sandbox.Hook
	End       *sandbox.Hook
	SpanClose *sandbox.Hook
}

// CompileHooks compiles the non-empty hook scripts against rt.
func CompileHooks(rt *sandbox.Runtime, begin, end, spanClose string) (*Hooks, error) {
	h := &Hooks{}
	for _, c := range []struct {
		name string
		src  string
		dst  **sandbox.Hook
	}{
		{"begin", begin, &h.Begin},
		{"end", end, &h.End},
		{"span_close", spanClose, &h.SpanClose},
	} {
		if strings.TrimSpace(c.src) == "" {
			continue
		}
		hook, err := rt.CompileHook(c.src)
		if err != nil {
			return nil, fmt.Errorf("compiling %s script: %w", c.name, err)
		}
		*c.dst = hook
	}
	return h, nil
}
