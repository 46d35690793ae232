// Package cleanup removes installed scenery folders and leftovers from interrupted
// extractions inside the Custom Scenery directory
package cleanup

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scenery-downloader/internal/extractor"
	"scenery-downloader/pkg/models"
)

// Service provides file cleanup services scoped to one scenery directory
type Service struct {
	logger     *slog.Logger
	sceneryDir string
}

// InstallStats describes the contents of an install folder
type InstallStats struct {
	Files     int   `json:"files"`
	Dirs      int   `json:"dirs"`
	TotalSize int64 `json:"total_size"`
}

// NewService creates a new cleanup service
func NewService(sceneryDir string) *Service {
	return &Service{
		logger:     slog.Default(),
		sceneryDir: sceneryDir,
	}
}

// SceneryDir returns the directory this service may delete from
func (s *Service) SceneryDir() string {
	return s.sceneryDir
}

// RemoveInstallDir deletes an install folder. Only direct children of the scenery
// directory are accepted. A folder that is already gone is not an error.
func (s *Service) RemoveInstallDir(path string) error {
	const op = "remove install folder"

	if !s.isPathSafe(path) {
		return models.Errorf(models.KindStorage, op, "unsafe path for removal: %s", path)
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		s.logger.Debug("Install folder already removed", "path", path)
		return nil
	}
	if err != nil {
		return models.NewError(models.KindStorage, op, err)
	}
	if !info.IsDir() {
		return models.Errorf(models.KindStorage, op, "%s is not a directory", path)
	}

	stats, _ := s.Stats(path)
	if err := os.RemoveAll(path); err != nil {
		return models.NewError(models.KindStorage, op, fmt.Errorf("failed to remove %s: %w", path, err))
	}

	if stats != nil {
		s.logger.Info("Removed install folder", "path", path, "files", stats.Files, "size", stats.TotalSize)
	} else {
		s.logger.Info("Removed install folder", "path", path)
	}
	return nil
}

// RemoveStaleStaging deletes staging and moved-aside folders left behind by
// extractions that never finished, when they are older than olderThan
func (s *Service) RemoveStaleStaging(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.sceneryDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read scenery directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !(strings.HasPrefix(name, extractor.StagingPrefix) || strings.HasPrefix(name, extractor.ReplacedPrefix)) {
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.sceneryDir, name)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("Failed to remove stale staging folder", "path", path, "error", err)
			continue
		}
		s.logger.Info("Removed stale staging folder", "path", path)
		removed++
	}

	return removed, nil
}

// Stats walks an install folder and totals what it holds
func (s *Service) Stats(path string) (*InstallStats, error) {
	if !s.isPathSafe(path) {
		return nil, fmt.Errorf("unsafe path for stats: %s", path)
	}

	stats := &InstallStats{}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		if d.IsDir() {
			stats.Dirs++
			return nil
		}
		stats.Files++
		if info, err := d.Info(); err == nil {
			stats.TotalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	return stats, nil
}

// isPathSafe checks that path is a direct child of the scenery directory
func (s *Service) isPathSafe(path string) bool {
	if s.sceneryDir == "" || path == "" {
		return false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		s.logger.Warn("Failed to get absolute path", "path", path, "error", err)
		return false
	}

	absBase, err := filepath.Abs(s.sceneryDir)
	if err != nil {
		s.logger.Warn("Failed to get absolute path for scenery directory", "base", s.sceneryDir, "error", err)
		return false
	}

	return strings.HasPrefix(absPath, absBase+string(os.PathSeparator)) && filepath.Dir(absPath) == absBase
}
