// Package manifest maintains the simulator's scenery_packs.ini file
package manifest

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scenery-downloader/pkg/models"
)

const (
	// FileName is the manifest file inside the Custom Scenery directory
	FileName = "scenery_packs.ini"

	entryPrefix    = "SCENERY_PACK "
	disabledPrefix = "SCENERY_PACK_DISABLED "
	customPrefix   = "Custom Scenery/"
	globalAirports = "*GLOBAL_AIRPORTS*"
	backupLayout   = "20060102-150405"
)

// header is what X-Plane expects at the top of an otherwise empty manifest
var header = []string{"I", "1000 Version", "SCENERY", ""}

// Entry is one SCENERY_PACK line
type Entry struct {
	Path     string `json:"path"`
	Folder   string `json:"folder,omitempty"`
	Disabled bool   `json:"disabled"`
}

// Writer edits scenery_packs.ini. The first modification made by a Writer copies
// the current file to a timestamped backup; later ones do not.
type Writer struct {
	path     string
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	backedUp bool
}

// NewWriter creates a writer for the manifest inside sceneryDir
func NewWriter(sceneryDir string) *Writer {
	return &Writer{
		path:   filepath.Join(sceneryDir, FileName),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Path returns the manifest location
func (w *Writer) Path() string {
	return w.path
}

// Register adds the entry for folder unless it is already listed, enabled or not
func (w *Writer) Register(folder string) error {
	const op = "register scenery pack"

	if err := validateFolder(folder); err != nil {
		return models.NewError(models.KindManifest, op, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	content, exists, err := w.read()
	if err != nil {
		return models.NewError(models.KindManifest, op, err)
	}

	lines, eol := splitLines(content)
	for _, line := range lines {
		if e, ok := parseEntry(line); ok && e.Folder == folder {
			w.logger.Debug("Scenery pack already registered", "folder", folder, "disabled", e.Disabled)
			return nil
		}
	}

	entry := entryPrefix + customPrefix + folder + "/"
	if len(bytes.TrimSpace(content)) == 0 {
		lines = append(append([]string{}, header...), entry)
	} else {
		lines = insertEntry(lines, entry)
	}

	if err := w.write(joinLines(lines, eol), exists); err != nil {
		return models.NewError(models.KindManifest, op, err)
	}

	w.logger.Info("Registered scenery pack", "folder", folder, "manifest", w.path)
	return nil
}

// Unregister removes every entry for folder. A missing entry is not an error.
func (w *Writer) Unregister(folder string) error {
	const op = "unregister scenery pack"

	if err := validateFolder(folder); err != nil {
		return models.NewError(models.KindManifest, op, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	content, exists, err := w.read()
	if err != nil {
		return models.NewError(models.KindManifest, op, err)
	}
	if !exists {
		return nil
	}

	lines, eol := splitLines(content)
	kept := lines[:0:0]
	for _, line := range lines {
		if e, ok := parseEntry(line); ok && e.Folder == folder {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == len(lines) {
		return nil
	}

	if err := w.write(joinLines(kept, eol), exists); err != nil {
		return models.NewError(models.KindManifest, op, err)
	}

	w.logger.Info("Unregistered scenery pack", "folder", folder, "manifest", w.path)
	return nil
}

// Entries lists the SCENERY_PACK lines in file order
func (w *Writer) Entries() ([]Entry, error) {
	w.mu.Lock()
	content, _, err := w.read()
	w.mu.Unlock()
	if err != nil {
		return nil, models.NewError(models.KindManifest, "list scenery packs", err)
	}

	lines, _ := splitLines(content)
	var entries []Entry
	for _, line := range lines {
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Contains reports whether folder is listed
func (w *Writer) Contains(folder string) (bool, error) {
	entries, err := w.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Folder == folder {
			return true, nil
		}
	}
	return false, nil
}

func (w *Writer) read() ([]byte, bool, error) {
	content, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read manifest: %w", err)
	}
	return content, true, nil
}

// write backs up the current file once per Writer, then replaces it atomically
func (w *Writer) write(content []byte, exists bool) error {
	dir := filepath.Dir(w.path)
	mode := os.FileMode(0o644)

	if exists {
		info, err := os.Stat(w.path)
		if err != nil {
			return fmt.Errorf("failed to stat manifest: %w", err)
		}
		mode = info.Mode().Perm()

		if !w.backedUp {
			if err := w.backup(mode); err != nil {
				return err
			}
		}
	}

	tmp, err := os.CreateTemp(dir, "."+FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary manifest: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("failed to set manifest permissions: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	// a write without a prior file still counts as the session's first change
	w.backedUp = true
	return nil
}

func (w *Writer) backup(mode os.FileMode) error {
	backupPath := fmt.Sprintf("%s.%s.bak", w.path, w.now().Format(backupLayout))

	content, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read manifest for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, content, mode); err != nil {
		return fmt.Errorf("failed to write manifest backup: %w", err)
	}

	w.backedUp = true
	w.logger.Info("Backed up scenery manifest", "backup", backupPath)
	return nil
}

func validateFolder(folder string) error {
	if folder == "" || folder == "." || folder == ".." || strings.ContainsAny(folder, `/\`) {
		return fmt.Errorf("invalid scenery folder name %q", folder)
	}
	return nil
}

// parseEntry recognises SCENERY_PACK and SCENERY_PACK_DISABLED lines
func parseEntry(line string) (Entry, bool) {
	var e Entry
	switch {
	case strings.HasPrefix(line, disabledPrefix):
		e.Disabled = true
		e.Path = strings.TrimSpace(line[len(disabledPrefix):])
	case strings.HasPrefix(line, entryPrefix):
		e.Path = strings.TrimSpace(line[len(entryPrefix):])
	default:
		return Entry{}, false
	}

	normalized := strings.ReplaceAll(e.Path, `\`, "/")
	if strings.HasPrefix(normalized, customPrefix) {
		e.Folder = strings.TrimSuffix(strings.TrimPrefix(normalized, customPrefix), "/")
	}
	return e, true
}

// insertEntry places entry before the global airports line, or at the end
func insertEntry(lines []string, entry string) []string {
	for i, line := range lines {
		if strings.Contains(line, globalAirports) {
			out := make([]string, 0, len(lines)+1)
			out = append(out, lines[:i]...)
			out = append(out, entry)
			return append(out, lines[i:]...)
		}
	}

	// drop trailing blank lines so the entry follows the last pack
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	out := make([]string, 0, end+1)
	out = append(out, lines[:end]...)
	if end == 3 && isHeader(out) {
		out = append(out, "")
	}
	return append(out, entry)
}

func isHeader(lines []string) bool {
	return len(lines) >= 3 && strings.TrimSpace(lines[0]) == "I" &&
		strings.HasSuffix(strings.TrimSpace(lines[1]), "Version") &&
		strings.TrimSpace(lines[2]) == "SCENERY"
}

// splitLines returns the lines without terminators and the line ending in use
func splitLines(content []byte) ([]string, string) {
	eol := "\n"
	if bytes.Contains(content, []byte("\r\n")) {
		eol = "\r\n"
	}
	if len(content) == 0 {
		return nil, eol
	}

	text := strings.TrimSuffix(string(content), eol)
	return strings.Split(text, eol), eol
}

func joinLines(lines []string, eol string) []byte {
	return []byte(strings.Join(lines, eol) + eol)
}
