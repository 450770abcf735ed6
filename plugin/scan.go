package plugin

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

// Discovered is one plugin manifest found on disk, before any factory
// has run. Disabled plugins are discovered but never instantiated.
type Discovered struct {
	Manifest     *Manifest
	Dir          string
	ManifestPath string

	// Entry is the plugin's entry file, when one exists. Factories that
	// run their entry as worker code read it from the Context options.
	Entry string
}

// entryCandidates are the conventional entry filenames for a plugin
// directory, tried in order when the manifest sets no pluginEntry.
var entryCandidates = []string{"plugin.ts", "plugin.js", "index.ts", "index.js"}

// Scan walks the configured plugin directories and collects manifests.
// Three layouts are accepted: a manifest file directly in the directory
// (with an optional same-stem entry file next to it), a subdirectory
// holding plugin.toml or plugin.json, and scoped subdirectories under
// @scope/. Plugin identity is the manifest's name field; when two
// manifests share a name the first wins and the duplicate is dropped.
func Scan(dirs []string, log *zap.SugaredLogger) ([]*Discovered, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var found []*Discovered
	seen := make(map[string]*Discovered)

	for _, dir := range dirs {
		expanded, err := ExpandDir(dir)
		if err != nil {
			log.Warnw("skipping invalid plugin directory", logger.FieldDir, dir, "error", err)
			continue
		}
		entries, err := os.ReadDir(expanded)
		if err != nil {
			if os.IsNotExist(err) {
				log.Debugw("plugin directory does not exist", logger.FieldDir, expanded)
				continue
			}
			return nil, errors.Wrapf(err, "failed to read plugin directory %s", expanded)
		}

		for _, ent := range entries {
			batch, err := scanEntry(expanded, ent, log)
			if err != nil {
				return nil, err
			}
			for _, d := range batch {
				name := d.Manifest.Name
				if prev, dup := seen[name]; dup {
					log.Warnw("duplicate plugin name, keeping first",
						logger.FieldPlugin, name,
						"kept", prev.ManifestPath,
						"dropped", d.ManifestPath,
					)
					continue
				}
				seen[name] = d
				found = append(found, d)
			}
		}
	}
	return found, nil
}

// scanEntry classifies one directory entry into zero or more discovered
// plugins.
func scanEntry(dir string, ent os.DirEntry, log *zap.SugaredLogger) ([]*Discovered, error) {
	name := ent.Name()

	if ent.IsDir() {
		// Scoped layout: @scope/<name>/... holds one plugin per child.
		if strings.HasPrefix(name, "@") {
			scopeDir := filepath.Join(dir, name)
			subs, err := os.ReadDir(scopeDir)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read scoped plugin directory %s", scopeDir)
			}
			var out []*Discovered
			for _, sub := range subs {
				if !sub.IsDir() {
					continue
				}
				d, err := scanPluginDir(filepath.Join(scopeDir, sub.Name()), log)
				if err != nil {
					return nil, err
				}
				if d != nil {
					out = append(out, d)
				}
			}
			return out, nil
		}

		d, err := scanPluginDir(filepath.Join(dir, name), log)
		if err != nil || d == nil {
			return nil, err
		}
		return []*Discovered{d}, nil
	}

	switch filepath.Ext(name) {
	case ".toml", ".json":
		path := filepath.Join(dir, name)
		m, err := ParseManifest(path)
		if err != nil {
			return nil, err
		}
		return []*Discovered{{
			Manifest:     m,
			Dir:          dir,
			ManifestPath: path,
			Entry:        siblingEntry(dir, name, m.PluginEntry),
		}}, nil
	case ".ts", ".js":
		// A direct plugin file is discovered through its manifest; one
		// without a manifest is not a plugin.
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if !fileExists(filepath.Join(dir, stem+".toml")) && !fileExists(filepath.Join(dir, stem+".json")) {
			log.Debugw("plugin file without manifest, skipping", logger.FieldFile, filepath.Join(dir, name))
		}
	}
	return nil, nil
}

// scanPluginDir reads a subdirectory-layout plugin. A directory without
// plugin.toml or plugin.json is not a plugin.
func scanPluginDir(pdir string, log *zap.SugaredLogger) (*Discovered, error) {
	var mpath string
	for _, cand := range []string{"plugin.toml", "plugin.json"} {
		if p := filepath.Join(pdir, cand); fileExists(p) {
			mpath = p
			break
		}
	}
	if mpath == "" {
		log.Debugw("no plugin manifest in directory", logger.FieldDir, pdir)
		return nil, nil
	}

	m, err := ParseManifest(mpath)
	if err != nil {
		return nil, err
	}

	entry := ""
	if m.PluginEntry != "" {
		p := filepath.Join(pdir, m.PluginEntry)
		if fileExists(p) {
			entry = p
		} else {
			log.Warnw("configured pluginEntry does not exist",
				logger.FieldPlugin, m.Name,
				logger.FieldFile, p,
			)
		}
	}
	if entry == "" {
		for _, cand := range entryCandidates {
			if p := filepath.Join(pdir, cand); fileExists(p) {
				entry = p
				break
			}
		}
	}

	return &Discovered{
		Manifest:     m,
		Dir:          pdir,
		ManifestPath: mpath,
		Entry:        entry,
	}, nil
}

// siblingEntry finds the entry file next to a direct-layout manifest:
// the manifest's pluginEntry if it exists, else the same stem with a
// .ts or .js extension.
func siblingEntry(dir, manifestName, pluginEntry string) string {
	if pluginEntry != "" {
		if p := filepath.Join(dir, pluginEntry); fileExists(p) {
			return p
		}
	}
	stem := strings.TrimSuffix(manifestName, filepath.Ext(manifestName))
	for _, ext := range []string{".ts", ".js"} {
		if p := filepath.Join(dir, stem+ext); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ExpandDir resolves ~, relative paths, and file:// URLs to an absolute
// filesystem path.
func ExpandDir(path string) (string, error) {
	// go-getter does not expand tildes.
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	detected, err := getter.Detect(path, pwd, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	if u.Scheme == "file" {
		return u.Path, nil
	}
	if u.Scheme == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", errors.Wrap(err, "failed to make absolute path")
		}
		return abs, nil
	}
	return "", errors.Newf("unsupported path scheme: %s (expected file:// or local path)", u.Scheme)
}
