package server

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/teranos/buntime/config"
	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/plugin"
	"github.com/teranos/buntime/worker"
)

// appConfigFile is the optional per-app manifest inside an application
// directory. Keys present in the file override the runtime's worker
// defaults, including explicit zeroes (ttl: 0 makes an app ephemeral
// even when the defaults cache workers).
const appConfigFile = "buntime.json"

// expandDirs normalizes the configured directories in place so the rest
// of the server only ever sees absolute paths. Tilde and relative forms
// are accepted in config files; resolveAppDir joins against apps_dir on
// every request, so it has to be stable regardless of the process cwd.
func expandDirs(cfg *config.Config) error {
	appsDir, err := plugin.ExpandDir(cfg.AppsDir)
	if err != nil {
		return errors.Wrapf(err, "invalid apps_dir %q", cfg.AppsDir)
	}
	cfg.AppsDir = appsDir

	dataDir, err := plugin.ExpandDir(cfg.DataDir)
	if err != nil {
		return errors.Wrapf(err, "invalid data_dir %q", cfg.DataDir)
	}
	cfg.DataDir = dataDir
	return nil
}

// resolveAppDir maps an app name from the URL onto a directory under
// apps_dir. The name must match the directory exactly; versioned keys
// are derived later from the directory contents.
func (s *Server) resolveAppDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", errors.NewNotFoundError("invalid application name %q", name)
	}
	dir := filepath.Join(s.config().AppsDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("no application directory for %q", name)
		}
		return "", errors.Wrapf(err, "failed to stat application directory %s", dir)
	}
	if !info.IsDir() {
		return "", errors.NewNotFoundError("application path %s is not a directory", dir)
	}
	return dir, nil
}

// appConfig layers the app's own manifest over the configured worker
// defaults. Unmarshalling into the defaults struct means absent keys
// keep their defaults while present keys override them.
func (s *Server) appConfig(appDir string) (worker.Config, error) {
	cfg := s.config().Worker.Defaults()

	data, err := os.ReadFile(filepath.Join(appDir, appConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "failed to read %s", appConfigFile)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "invalid %s in %s", appConfigFile, appDir)
	}
	return cfg, nil
}

// appPublicRoutes is the resolver handed to auth plugins: it reports
// whether an app marked the method and path public in its manifest.
// Plugin-owned apps resolve through the registry; everything else comes
// from apps_dir. Unknown apps and unreadable manifests are private.
func (s *Server) appPublicRoutes(app, method, reqPath string) bool {
	if app == "" {
		return false
	}

	dir := ""
	if reg := s.registry; reg != nil {
		if p, ok := reg.Get(app); ok && p.Dir != "" {
			dir = p.Dir
		}
	}
	if dir == "" {
		resolved, err := s.resolveAppDir(app)
		if err != nil {
			return false
		}
		dir = resolved
	}

	cfg, err := s.appConfig(dir)
	if err != nil {
		return false
	}
	return cfg.PublicRoutes.Match(method, reqPath)
}
