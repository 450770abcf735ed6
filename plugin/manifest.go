package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/teranos/buntime/errors"
)

// reservedManifestFields are interpreted by the loader; everything else
// in a manifest is handed to the plugin's factory as free-form options.
var reservedManifestFields = map[string]bool{
	"name":                 true,
	"version":              true,
	"enabled":              true,
	"base":                 true,
	"dependencies":         true,
	"optionalDependencies": true,
	"pluginEntry":          true,
	"runtime":              true,
}

// Manifest is a plugin descriptor parsed from disk.
type Manifest struct {
	// Name is required and identifies the plugin across the registry.
	Name string

	// Version is the plugin's own version string.
	Version string

	// Enabled defaults to true; only an explicit false disables.
	Enabled bool

	// Base is the URL path the plugin wants to own.
	Base string

	// Dependencies must be present and enabled for this plugin to load.
	Dependencies []string

	// OptionalDependencies order the load when present but are dropped
	// silently when absent.
	OptionalDependencies []string

	// PluginEntry names the plugin's entry file relative to its
	// directory, overriding the conventional candidates.
	PluginEntry string

	// Runtime is a semver constraint on the buntime version.
	Runtime string

	// Options carries every non-reserved manifest field.
	Options map[string]interface{}
}

// ParseManifest reads a TOML or JSON manifest, selected by extension.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plugin manifest %s", path)
	}

	raw := make(map[string]interface{})
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(err, "malformed plugin manifest %s", path)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(err, "malformed plugin manifest %s", path)
		}
	default:
		return nil, errors.Newf("unsupported plugin manifest format %q in %s", ext, path)
	}

	return manifestFromMap(raw, path)
}

func manifestFromMap(raw map[string]interface{}, path string) (*Manifest, error) {
	m := &Manifest{
		Enabled: true,
		Options: make(map[string]interface{}),
	}

	var err error
	if m.Name, err = stringField(raw, "name", path); err != nil {
		return nil, err
	}
	if m.Name == "" {
		return nil, errors.Newf("plugin manifest %s is missing required field name", path)
	}
	if m.Version, err = stringField(raw, "version", path); err != nil {
		return nil, err
	}
	if m.Base, err = stringField(raw, "base", path); err != nil {
		return nil, err
	}
	if m.PluginEntry, err = stringField(raw, "pluginEntry", path); err != nil {
		return nil, err
	}
	if m.Runtime, err = stringField(raw, "runtime", path); err != nil {
		return nil, err
	}
	if m.Dependencies, err = stringListField(raw, "dependencies", path); err != nil {
		return nil, err
	}
	if m.OptionalDependencies, err = stringListField(raw, "optionalDependencies", path); err != nil {
		return nil, err
	}
	if v, ok := raw["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Newf("plugin manifest %s: field enabled must be a boolean", path)
		}
		m.Enabled = b
	}

	for k, v := range raw {
		if !reservedManifestFields[k] {
			m.Options[k] = v
		}
	}
	return m, nil
}

func stringField(raw map[string]interface{}, key, path string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Newf("plugin manifest %s: field %s must be a string", path, key)
	}
	return s, nil
}

func stringListField(raw map[string]interface{}, key, path string) ([]string, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, errors.Newf("plugin manifest %s: field %s must be a list of strings", path, key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.Newf("plugin manifest %s: field %s must be a list of strings", path, key)
		}
		out = append(out, s)
	}
	return out, nil
}
