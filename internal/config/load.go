// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"

	"grimm.is/nfqengine/internal/errors"
)

// LoadFile reads path, applies defaults and validates the result. The
// format follows the extension: .yaml/.yml is YAML, .json is HCL's JSON
// syntax, anything else is HCL.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return Load(path, data)
}

// Load parses data as if it had been read from filename.
func Load(filename string, data []byte) (*Config, error) {
	var cfg Config

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, errors.KindValidation, "failed to parse YAML config")
		}
	case ".json":
		if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "failed to parse JSON config")
		}
	default:
		// hclsimple picks the syntax from the extension, so force native HCL.
		name := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".hcl"
		if err := hclsimple.Decode(name, data, nil, &cfg); err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "failed to parse HCL config")
		}
	}

	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Attr(errors.Wrap(errs, errors.KindValidation, "invalid configuration"), "file", filename)
	}
	return &cfg, nil
}
