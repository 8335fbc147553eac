// Package bundle assembles the browser viewer's static bundle from a YAML
// build manifest: the entry module, loader-transformed assets and files
// copied verbatim.
package bundle

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"tilefarm/internal/pkg/errors"
)

// Manifest declares one build.
type Manifest struct {
	Entry       string        `yaml:"entry"`
	Output      Output        `yaml:"output"`
	Rules       []Rule        `yaml:"rules"`
	Copy        []CopyPattern `yaml:"copy"`
	Experiments Experiments   `yaml:"experiments"`
}

type Output struct {
	Path     string `yaml:"path"`
	Filename string `yaml:"filename"`
}

// Rule runs the Use loaders, right to left, over every source file whose
// slash-separated relative path matches Test.
type Rule struct {
	Test string   `yaml:"test"`
	Use  []string `yaml:"use"`

	re *regexp.Regexp
}

// CopyPattern copies From (a path or glob relative to the source dir) into
// the output dir, under To when set.
type CopyPattern struct {
	From string `yaml:"from"`
	To   string `yaml:"to,omitempty"`
}

type Experiments struct {
	AsyncWebAssembly bool `yaml:"asyncWebAssembly"`
	TopLevelAwait    bool `yaml:"topLevelAwait"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("manifest", path)
		}
		return nil, errors.Wrap(err, "bundle.load", "read manifest")
	}
	return Parse(data)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "bundle.parse", "invalid manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest and compiles its rule patterns.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Entry) == "" {
		return errors.ValidationField("entry", "required")
	}
	if err := checkRelative("entry", m.Entry); err != nil {
		return err
	}
	if m.Output.Path == "" {
		return errors.ValidationField("output.path", "required")
	}
	if m.Output.Filename == "" {
		return errors.ValidationField("output.filename", "required")
	}
	if err := checkRelative("output.filename", m.Output.Filename); err != nil {
		return err
	}

	for i := range m.Rules {
		r := &m.Rules[i]
		re, err := regexp.Compile(r.Test)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeValidation, "bundle.validate", "rule test is not a valid regexp").
				WithField("rule", i)
		}
		r.re = re
		if len(r.Use) == 0 {
			return errors.ValidationField("rules.use", "at least one loader is required").WithField("rule", i)
		}
		for _, name := range r.Use {
			if _, ok := loaders[name]; !ok {
				return errors.ValidationField("rules.use", "unknown loader").
					WithField("rule", i).
					WithField("loader", name)
			}
		}
	}

	for i, c := range m.Copy {
		if c.From == "" {
			return errors.ValidationField("copy.from", "required").WithField("pattern", i)
		}
		if err := checkRelative("copy.from", c.From); err != nil {
			return err
		}
		if c.To != "" {
			if err := checkRelative("copy.to", c.To); err != nil {
				return err
			}
		}
		if _, err := path.Match(filepath.ToSlash(c.From), ""); err != nil {
			return errors.WrapWithCode(err, errors.CodeValidation, "bundle.validate", "bad copy glob").
				WithField("from", c.From)
		}
	}
	return nil
}

// checkRelative rejects absolute paths and paths that leave their base dir.
func checkRelative(field, p string) error {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return errors.ValidationField(field, "must be a relative path").WithField("path", p)
	}
	clean := path.Clean(filepath.ToSlash(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.ValidationField(field, "escapes the source directory").WithField("path", p)
	}
	return nil
}
