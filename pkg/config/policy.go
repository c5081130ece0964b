package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tetratelabs/wazero/api"
	"gopkg.in/yaml.v3"

	"github.com/dverse-systems/dverse-runtime/pkg/admission"
	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/quota"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/budget"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/sandbox"
)

// Policy file formats.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// PolicyFile is the on-disk policy document.
type PolicyFile struct {
	Version          int                 `yaml:"version" toml:"version"`
	Engine           EngineFile          `yaml:"engine" toml:"engine"`
	MaxBytecodeBytes int                 `yaml:"max_bytecode_bytes" toml:"max_bytecode_bytes"`
	TrustedAuthors   []string            `yaml:"trusted_authors" toml:"trusted_authors"`
	Defaults         budget.Limits       `yaml:"defaults" toml:"defaults"`
	DefaultQuota     quota.Rate          `yaml:"default_quota" toml:"default_quota"`
	Types            map[string]TypeFile `yaml:"types" toml:"types"`
}

// EngineFile selects engine options.
type EngineFile struct {
	// CoreFeatures is "v1" or "v2" (default).
	CoreFeatures string `yaml:"core_features" toml:"core_features"`
	Interpreter  bool   `yaml:"interpreter" toml:"interpreter"`
	CacheDir     string `yaml:"cache_dir" toml:"cache_dir"`
}

// TypeFile is the policy for one kapsule type. Zero limit fields inherit
// from the file defaults.
type TypeFile struct {
	Capabilities []string      `yaml:"capabilities" toml:"capabilities"`
	Limits       budget.Limits `yaml:"limits" toml:"limits"`
	Admission    string        `yaml:"admission" toml:"admission"`
	Quota        quota.Rate    `yaml:"quota" toml:"quota"`
}

// Policy is the validated, immutable form of a PolicyFile.
type Policy struct {
	source       string
	engine       sandbox.EngineConfig
	caps         *capabilities.Set
	defaults     budget.Limits
	limits       map[string]budget.Limits
	rules        map[string]*admission.Rule
	quotas       map[string]quota.Rate
	defaultQuota quota.Rate
	trusted      [][]byte
	maxBytecode  int
}

// DefaultPolicy grants nothing to anyone and uses default limits.
func DefaultPolicy() *Policy {
	p, err := BuildPolicy("default", PolicyFile{}, capabilities.Builtin())
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads a policy file. The format follows the extension:
// .yaml/.yml or .toml.
func LoadPolicy(path string) (*Policy, error) {
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".toml":
		format = FormatTOML
	default:
		return nil, fmt.Errorf("config: policy %s: unknown format %q", path, filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy: %w", err)
	}
	f, err := ParsePolicyFile(data, format)
	if err != nil {
		return nil, fmt.Errorf("config: policy %s: %w", path, err)
	}
	p, err := BuildPolicy(path, f, capabilities.Builtin())
	if err != nil {
		return nil, fmt.Errorf("config: policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicyFile decodes data strictly: unknown keys are errors.
func ParsePolicyFile(data []byte, format string) (PolicyFile, error) {
	var f PolicyFile
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return f, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return f, fmt.Errorf("parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return f, fmt.Errorf("parse toml: unknown keys %v", undecoded)
		}
	default:
		return f, fmt.Errorf("unknown format %q", format)
	}
	return f, nil
}

// BuildPolicy validates f against catalog and compiles its admission rules.
func BuildPolicy(source string, f PolicyFile, catalog *capabilities.Catalog) (*Policy, error) {
	if f.Version > 1 {
		return nil, fmt.Errorf("unsupported policy version %d", f.Version)
	}
	engine, err := f.Engine.config()
	if err != nil {
		return nil, err
	}
	if f.MaxBytecodeBytes < 0 {
		return nil, fmt.Errorf("max_bytecode_bytes must be positive")
	}

	defaults := f.Defaults.WithDefaults()
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	p := &Policy{
		source:       source,
		engine:       engine,
		defaults:     defaults,
		limits:       make(map[string]budget.Limits, len(f.Types)),
		rules:        make(map[string]*admission.Rule),
		quotas:       make(map[string]quota.Rate, len(f.Types)),
		defaultQuota: f.DefaultQuota,
		maxBytecode:  f.MaxBytecodeBytes,
	}

	grants := make(map[string][]string, len(f.Types))
	for name, t := range f.Types {
		if name == "" {
			return nil, fmt.Errorf("empty kapsule type name")
		}
		grants[name] = t.Capabilities
		lim := t.Limits.Inherit(defaults)
		if err := lim.Validate(); err != nil {
			return nil, fmt.Errorf("type %q: %w", name, err)
		}
		p.limits[name] = lim
		if t.Admission != "" {
			rule, err := admission.Compile(t.Admission)
			if err != nil {
				return nil, fmt.Errorf("type %q: %w", name, err)
			}
			p.rules[name] = rule
		}
		if t.Quota != (quota.Rate{}) {
			p.quotas[name] = t.Quota
		}
	}
	if p.caps, err = capabilities.NewSet(catalog, grants); err != nil {
		return nil, err
	}

	for _, s := range f.TrustedAuthors {
		key, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("trusted_authors: %q: %w", s, err)
		}
		p.trusted = append(p.trusted, key)
	}
	return p, nil
}

func (e EngineFile) config() (sandbox.EngineConfig, error) {
	cfg := sandbox.EngineConfig{Interpreter: e.Interpreter, CacheDir: e.CacheDir}
	switch strings.ToLower(e.CoreFeatures) {
	case "", "v2":
		cfg.CoreFeatures = api.CoreFeaturesV2
	case "v1":
		cfg.CoreFeatures = api.CoreFeaturesV1
	default:
		return cfg, fmt.Errorf("engine.core_features: unknown value %q", e.CoreFeatures)
	}
	return cfg, nil
}

func (p *Policy) Source() string                  { return p.source }
func (p *Policy) Engine() sandbox.EngineConfig    { return p.engine }
func (p *Policy) Capabilities() *capabilities.Set { return p.caps }
func (p *Policy) DefaultLimits() budget.Limits    { return p.defaults }
func (p *Policy) DefaultQuota() quota.Rate        { return p.defaultQuota }
func (p *Policy) MaxBytecodeBytes() int           { return p.maxBytecode }

// Limits returns the limits for kapsuleType; unknown types get the defaults.
func (p *Policy) Limits(kapsuleType string) budget.Limits {
	if l, ok := p.limits[kapsuleType]; ok {
		return l
	}
	return p.defaults
}

// AdmissionRules returns a copy of the per-type rules.
func (p *Policy) AdmissionRules() map[string]*admission.Rule {
	out := make(map[string]*admission.Rule, len(p.rules))
	for k, v := range p.rules {
		out[k] = v
	}
	return out
}

// Quotas returns a copy of the per-type run rates.
func (p *Policy) Quotas() map[string]quota.Rate {
	out := make(map[string]quota.Rate, len(p.quotas))
	for k, v := range p.quotas {
		out[k] = v
	}
	return out
}

// TrustedAuthors returns copies of the allow-listed author keys.
func (p *Policy) TrustedAuthors() [][]byte {
	out := make([][]byte, len(p.trusted))
	for i, k := range p.trusted {
		out[i] = bytes.Clone(k)
	}
	return out
}

// Types lists the configured kapsule types in sorted order.
func (p *Policy) Types() []string {
	out := make([]string, 0, len(p.limits))
	for t := range p.limits {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
