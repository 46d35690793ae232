// Package simulator locates the X-Plane installation that scenery is installed into
package simulator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"scenery-downloader/pkg/models"
)

const (
	// CustomSceneryDir is the scenery folder inside an X-Plane installation
	CustomSceneryDir = "Custom Scenery"
	// ManifestFile is the scenery list X-Plane reads at startup
	ManifestFile = "scenery_packs.ini"

	versionFile    = "version.txt"
	unknownVersion = "Unknown"
)

// Root describes a validated simulator installation
type Root struct {
	Path         string `json:"path"`
	SceneryDir   string `json:"scenery_dir"`
	ManifestPath string `json:"manifest_path"`
	Version      string `json:"version"`
}

// RootLocator supplies the simulator root for an install batch
type RootLocator interface {
	LocateSimulatorRoot() (Root, error)
}

// Validate checks that path is an X-Plane installation with a Custom Scenery
// folder and returns its Root
func Validate(path string) (Root, error) {
	const op = "validate simulator root"

	if strings.TrimSpace(path) == "" {
		return Root{}, models.Errorf(models.KindEnvironmentNotFound, op, "no simulator path configured")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return Root{}, models.NewError(models.KindEnvironmentNotFound, op, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Root{}, models.NewError(models.KindEnvironmentNotFound, op, fmt.Errorf("simulator path %s: %w", abs, err))
	}
	if !info.IsDir() {
		return Root{}, models.Errorf(models.KindEnvironmentNotFound, op, "simulator path %s is not a directory", abs)
	}

	sceneryDir := filepath.Join(abs, CustomSceneryDir)
	info, err = os.Stat(sceneryDir)
	if err != nil || !info.IsDir() {
		return Root{}, models.Errorf(models.KindEnvironmentNotFound, op, "%s has no %s folder", abs, CustomSceneryDir)
	}

	return Root{
		Path:         abs,
		SceneryDir:   sceneryDir,
		ManifestPath: filepath.Join(sceneryDir, ManifestFile),
		Version:      detectVersion(abs),
	}, nil
}

// detectVersion reads the major version from the folder name, then version.txt
func detectVersion(path string) string {
	if v := majorVersion(filepath.Base(path)); v != "" {
		return v
	}

	content, err := os.ReadFile(filepath.Join(path, versionFile))
	if err == nil {
		if v := majorVersion(string(content)); v != "" {
			return v
		}
	}
	return unknownVersion
}

func majorVersion(s string) string {
	switch {
	case strings.Contains(s, "12"):
		return "12"
	case strings.Contains(s, "11"):
		return "11"
	}
	return ""
}

// DirLocator tries a configured path first, then well-known install locations
type DirLocator struct {
	configured string
	candidates []string
	logger     *slog.Logger
}

// NewDirLocator creates a locator. An empty configured path relies on candidates
// alone; no candidates means the platform defaults.
func NewDirLocator(configured string, candidates ...string) *DirLocator {
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	return &DirLocator{
		configured: configured,
		candidates: candidates,
		logger:     slog.Default(),
	}
}

// LocateSimulatorRoot returns the first valid installation
func (l *DirLocator) LocateSimulatorRoot() (Root, error) {
	if l.configured != "" {
		root, err := Validate(l.configured)
		if err == nil {
			return root, nil
		}
		l.logger.Warn("Configured simulator path is not usable", "path", l.configured, "error", err)
	}

	for _, candidate := range l.candidates {
		if root, err := Validate(candidate); err == nil {
			l.logger.Info("Detected simulator installation", "path", root.Path, "version", root.Version)
			return root, nil
		}
	}

	return Root{}, models.Errorf(models.KindEnvironmentNotFound, "locate simulator root",
		"X-Plane installation not found, set the installation path manually")
}

// Installations lists every candidate that validates
func (l *DirLocator) Installations() []Root {
	var roots []Root
	seen := make(map[string]bool)
	for _, candidate := range append([]string{l.configured}, l.candidates...) {
		if candidate == "" {
			continue
		}
		root, err := Validate(candidate)
		if err != nil || seen[root.Path] {
			continue
		}
		seen[root.Path] = true
		roots = append(roots, root)
	}
	return roots
}

// DefaultCandidates lists common install locations for the current platform
func DefaultCandidates() []string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\X-Plane 12`,
			`C:\Program Files\X-Plane 11`,
			`C:\X-Plane 12`,
			`C:\X-Plane 11`,
			`D:\X-Plane 12`,
			`D:\X-Plane 11`,
			`C:\Program Files (x86)\Steam\steamapps\common\X-Plane 12`,
			`C:\Program Files (x86)\Steam\steamapps\common\X-Plane 11`,
		}
	case "darwin":
		return []string{
			filepath.Join(home, "X-Plane 12"),
			filepath.Join(home, "X-Plane 11"),
			"/Applications/X-Plane 12",
			"/Applications/X-Plane 11",
			filepath.Join(home, "Library/Application Support/Steam/steamapps/common/X-Plane 12"),
		}
	default:
		return []string{
			filepath.Join(home, "X-Plane 12"),
			filepath.Join(home, "X-Plane 11"),
			filepath.Join(home, ".steam/steam/steamapps/common/X-Plane 12"),
			filepath.Join(home, ".local/share/Steam/steamapps/common/X-Plane 12"),
		}
	}
}

// StaticLocator always returns the same root or error
type StaticLocator struct {
	Root Root
	Err  error
}

// LocateSimulatorRoot returns the fixed result
func (l StaticLocator) LocateSimulatorRoot() (Root, error) {
	return l.Root, l.Err
}
