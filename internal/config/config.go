// Package config loads guard definitions from YAML or JSONC files and turns
// them into guard specs.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// File is the top-level guard configuration document.
type File struct {
	Guards []GuardConfig `yaml:"guards" json:"guards"`
}

// GuardConfig is one entry of the guards list. Pointer fields distinguish
// an absent key from its zero value so defaults apply only when omitted.
type GuardConfig struct {
	ID          string         `yaml:"id" json:"id"`
	Type        string         `yaml:"type" json:"type"`
	Enabled     *bool          `yaml:"enabled" json:"enabled"`
	Priority    *int           `yaml:"priority" json:"priority"`
	FailureMode string         `yaml:"failure_mode" json:"failure_mode"`
	TimeoutMs   *int           `yaml:"timeout_ms" json:"timeout_ms"`
	RunsOn      []string       `yaml:"runs_on" json:"runs_on"`
	Native      string         `yaml:"native" json:"native"`
	ModulePath  string         `yaml:"module_path" json:"module_path"`
	Endpoint    string         `yaml:"endpoint" json:"endpoint"`
	Description string         `yaml:"description" json:"description"`
	Config      map[string]any `yaml:"config" json:"config"`
}

// IsEnabled reports whether the guard takes part in evaluation. Guards are
// enabled unless they say otherwise.
func (g *GuardConfig) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Format is the syntax of a configuration file.
type Format int

const (
	FormatYAML Format = iota
	FormatJSONC
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSONC, nil
	default:
		return 0, guard.ConfigErrorf("", "unsupported config file extension %q", filepath.Ext(path))
	}
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, guard.ConfigErrorf("", "parse yaml: %v", err)
		}
	case FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, guard.ConfigErrorf("", "parse json: %v", err)
		}
	default:
		return nil, guard.ConfigErrorf("", "unknown config format %d", format)
	}
	return &f, nil
}

// Load reads path and returns the specs of its enabled guards in
// declaration order. Relative module paths resolve against the directory
// holding the file.
func Load(path string) ([]*guard.Spec, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, guard.ConfigErrorf("", "read %s: %v", path, err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	specs, err := f.Specs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// Specs converts the enabled guards to specs, applying defaults.
func (f *File) Specs(baseDir string) ([]*guard.Spec, error) {
	specs := make([]*guard.Spec, 0, len(f.Guards))
	for i := range f.Guards {
		g := &f.Guards[i]
		if !g.IsEnabled() {
			continue
		}
		s, err := g.Spec(baseDir)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// Spec converts one entry. Structural validation happens in Spec.Validate.
func (g *GuardConfig) Spec(baseDir string) (*guard.Spec, error) {
	tier, err := guard.ParseTier(g.Type)
	if err != nil {
		return nil, guard.NewFault(guard.ErrConfig, g.ID, err)
	}
	mode, err := guard.ParseFailureMode(g.FailureMode)
	if err != nil {
		return nil, guard.NewFault(guard.ErrConfig, g.ID, err)
	}

	s := &guard.Spec{
		ID:          g.ID,
		Description: g.Description,
		Tier:        tier,
		Priority:    guard.DefaultPriority,
		FailureMode: mode,
		Timeout:     guard.DefaultTimeout,
		Config:      g.Config,
	}
	if g.Priority != nil {
		s.Priority = *g.Priority
	}
	if g.TimeoutMs != nil {
		if *g.TimeoutMs <= 0 {
			return nil, guard.ConfigErrorf(g.ID, "timeout_ms must be positive, got %d", *g.TimeoutMs)
		}
		s.Timeout = time.Duration(*g.TimeoutMs) * time.Millisecond
	}
	for _, name := range g.RunsOn {
		h, err := guard.ParseHook(name)
		if err != nil {
			return nil, guard.NewFault(guard.ErrConfig, g.ID, err)
		}
		s.Hooks |= guard.NewHookSet(h)
	}

	switch tier {
	case guard.TierNative:
		s.Location = g.Native
	case guard.TierWasm:
		s.Location = g.ModulePath
		if s.Location != "" && !filepath.IsAbs(s.Location) && baseDir != "" {
			s.Location = filepath.Join(baseDir, s.Location)
		}
	case guard.TierHTTP:
		s.Location = g.Endpoint
	}
	if err := g.checkLocationFields(tier); err != nil {
		return nil, err
	}
	return s, nil
}

// checkLocationFields rejects location keys that belong to another tier.
func (g *GuardConfig) checkLocationFields(tier guard.Tier) error {
	set := map[string]bool{
		"native":      g.Native != "",
		"module_path": g.ModulePath != "",
		"endpoint":    g.Endpoint != "",
	}
	own := map[guard.Tier]string{
		guard.TierNative: "native",
		guard.TierWasm:   "module_path",
		guard.TierHTTP:   "endpoint",
	}[tier]
	for key, present := range set {
		if present && key != own {
			return guard.ConfigErrorf(g.ID, "%s is not valid for a %s guard", key, tier)
		}
	}
	return nil
}
