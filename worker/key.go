package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/teranos/buntime/errors"
)

// DefaultVersion is assumed when an application directory carries no
// version in its name or manifest.
const DefaultVersion = "latest"

var versionSegmentRe = regexp.MustCompile(`^\d+\.\d+\.\d+`)

// packageManifest is the subset of package.json the key resolver reads.
type packageManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ResolveKey derives the pool identity "name@version" from an application
// directory.
//
// The trailing two path segments decide the layout: when either looks like
// a semantic version the layout is nested (<name>/<version>); otherwise the
// last segment is parsed as name@version with "latest" as the default. A
// version present in the directory's package.json overrides the
// folder-derived one.
func ResolveKey(appDir string) (string, error) {
	cleaned := filepath.Clean(appDir)
	segments := strings.Split(cleaned, string(filepath.Separator))

	// Drop empty segments left by a leading separator
	parts := segments[:0]
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", errors.NewInvalidRequestError("empty application directory")
	}

	last := parts[len(parts)-1]
	prev := ""
	if len(parts) >= 2 {
		prev = parts[len(parts)-2]
	}

	var name, version string
	switch {
	case prev != "" && (versionSegmentRe.MatchString(last) || versionSegmentRe.MatchString(prev)):
		// Nested layout: <name>/<version>
		name, version = prev, last
	case strings.Contains(last, "@"):
		at := strings.LastIndex(last, "@")
		name, version = last[:at], last[at+1:]
		if version == "" {
			version = DefaultVersion
		}
	default:
		name, version = last, DefaultVersion
	}

	if name == "" {
		return "", errors.NewInvalidRequestError("cannot derive application name from %q", appDir)
	}

	if manifestVersion := readManifestVersion(appDir); manifestVersion != "" {
		version = manifestVersion
	}

	return name + "@" + version, nil
}

// readManifestVersion returns the version field of appDir/package.json, or
// "" when the file is absent or unparseable.
func readManifestVersion(appDir string) string {
	data, err := os.ReadFile(filepath.Join(appDir, "package.json"))
	if err != nil {
		return ""
	}

	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return ""
	}
	return manifest.Version
}
