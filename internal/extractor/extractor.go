// Package extractor provides safe extraction of downloaded scenery archives
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"scenery-downloader/pkg/models"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
	"github.com/nwaples/rardecode"
)

const (
	// StagingPrefix marks directories holding an extraction in progress
	StagingPrefix = ".staging-"
	// ReplacedPrefix marks a previous install moved aside during a reinstall
	ReplacedPrefix = ".replaced-"

	// DefaultMaxTotalSize caps the uncompressed size of one archive
	DefaultMaxTotalSize int64 = 4 << 30

	mimeZip = "application/zip"
	mimeRar = "application/x-rar-compressed"
)

// DefaultSkipPatterns are archive members that are never written
var DefaultSkipPatterns = []string{
	"__MACOSX/**",
	"**/.DS_Store",
	"**/Thumbs.db",
	"**/desktop.ini",
}

// Extractor interface defines methods for extracting scenery archives
type Extractor interface {
	Extract(data []byte, destDir string) (string, error)
	IsArchive(data []byte) bool
}

// Service provides archive extraction services
type Service struct {
	logger       *slog.Logger
	maxTotalSize int64
	skipPatterns []string
}

// NewService creates a new extractor service
func NewService() *Service {
	return &Service{
		logger:       slog.Default(),
		maxTotalSize: DefaultMaxTotalSize,
		skipPatterns: DefaultSkipPatterns,
	}
}

// member is one validated archive entry
type member struct {
	name  string // cleaned, slash separated, relative
	isDir bool
	exec  bool
	skip  bool
}

// archive abstracts over the supported formats so validation and writing share
// one code path
type archive interface {
	// list returns the raw entries in archive order
	list() ([]rawEntry, error)
	// walk calls fn with a reader for every entry in archive order
	walk(fn func(index int, r io.Reader) error) error
}

type rawEntry struct {
	name  string
	mode  os.FileMode
	isDir bool
	size  int64
}

// IsArchive checks if the payload is a supported archive format
func (s *Service) IsArchive(data []byte) bool {
	return detectFormat(data) != ""
}

// Extract validates every member of the archive against destDir and, only if all
// of them are safe, writes the archive into a staging directory next to destDir
// and renames it into place. It returns the installed path.
func (s *Service) Extract(data []byte, destDir string) (string, error) {
	const op = "extract archive"

	destDir = filepath.Clean(destDir)
	if !filepath.IsAbs(destDir) {
		abs, err := filepath.Abs(destDir)
		if err != nil {
			return "", models.NewError(models.KindStorage, op, err)
		}
		destDir = abs
	}

	format := detectFormat(data)
	var arc archive
	switch format {
	case mimeZip:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return "", models.NewError(models.KindCorruptPayload, op, fmt.Errorf("failed to open ZIP archive: %w", err))
		}
		arc = &zipArchive{reader: zr}
	case mimeRar:
		arc = &rarArchive{data: data}
	default:
		return "", models.Errorf(models.KindCorruptPayload, op, "payload is not a supported archive")
	}

	members, err := s.validate(arc, destDir)
	if err != nil {
		return "", err
	}

	s.logger.Info("Extracting scenery archive", "format", format, "dest", destDir, "entries", len(members))

	staging, err := s.writeStaging(arc, members, destDir)
	if err != nil {
		return "", err
	}

	if err := s.install(staging, destDir); err != nil {
		if removeErr := os.RemoveAll(staging); removeErr != nil {
			s.logger.Warn("Failed to remove staging directory", "staging", staging, "error", removeErr)
		}
		return "", err
	}

	s.logger.Info("Archive extraction completed", "dest", destDir)
	return destDir, nil
}

// validate checks the full member listing before anything touches the disk
func (s *Service) validate(arc archive, destDir string) ([]member, error) {
	const op = "validate archive"

	entries, err := arc.list()
	if err != nil {
		return nil, models.NewError(models.KindCorruptPayload, op, err)
	}
	if len(entries) == 0 {
		return nil, models.Errorf(models.KindCorruptPayload, op, "archive is empty")
	}

	members := make([]member, 0, len(entries))
	var total int64
	for _, e := range entries {
		name, err := safeName(e.name, destDir)
		if err != nil {
			return nil, models.NewError(models.KindUnsafeArchive, op, err)
		}
		if e.mode&os.ModeSymlink != 0 {
			return nil, models.Errorf(models.KindUnsafeArchive, op, "archive member %q is a symbolic link", e.name)
		}
		if e.mode&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0 {
			return nil, models.Errorf(models.KindUnsafeArchive, op, "archive member %q is not a regular file", e.name)
		}

		if e.size > 0 {
			total += e.size
		}
		if total > s.maxTotalSize {
			return nil, models.Errorf(models.KindUnsafeArchive, op, "archive expands beyond %d bytes", s.maxTotalSize)
		}

		members = append(members, member{
			name:  name,
			isDir: e.isDir,
			exec:  e.mode&0o111 != 0,
			skip:  name == "" || s.skipped(name),
		})
	}
	return members, nil
}

// safeName normalizes an archive member name and rejects anything that would
// resolve outside destDir
func safeName(raw, destDir string) (string, error) {
	if raw == "" || strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("archive member has an invalid name %q", raw)
	}

	name := strings.ReplaceAll(raw, `\`, "/")
	if strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" || (len(name) > 1 && name[1] == ':') {
		return "", fmt.Errorf("archive member %q has an absolute path", raw)
	}

	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive member %q escapes the destination", raw)
	}

	local := filepath.FromSlash(cleaned)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("archive member %q is not a local path", raw)
	}

	target := filepath.Join(destDir, local)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes the destination", raw)
	}
	return cleaned, nil
}

func (s *Service) skipped(name string) bool {
	for _, pattern := range s.skipPatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// writeStaging writes all members into a fresh staging directory beside destDir
func (s *Service) writeStaging(arc archive, members []member, destDir string) (string, error) {
	const op = "write archive"

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", models.NewError(models.KindStorage, op, fmt.Errorf("failed to create destination directory: %w", err))
	}

	staging, err := os.MkdirTemp(parent, StagingPrefix+filepath.Base(destDir)+"-")
	if err != nil {
		return "", models.NewError(models.KindStorage, op, fmt.Errorf("failed to create staging directory: %w", err))
	}

	var written int64
	walkErr := arc.walk(func(index int, r io.Reader) error {
		if index >= len(members) {
			return models.Errorf(models.KindCorruptPayload, op, "archive changed between validation and extraction")
		}
		m := members[index]
		if m.skip {
			return nil
		}

		target := filepath.Join(staging, filepath.FromSlash(m.name))
		if m.isDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return models.NewError(models.KindStorage, op, fmt.Errorf("failed to create directory: %w", err))
			}
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return models.NewError(models.KindStorage, op, fmt.Errorf("failed to create directory: %w", err))
		}

		n, err := s.writeFile(target, r, m.exec, s.maxTotalSize-written)
		written += n
		if err != nil {
			return err
		}
		s.logger.Debug("Extracted file", "file", m.name, "bytes", n)
		return nil
	})
	if walkErr != nil {
		if removeErr := os.RemoveAll(staging); removeErr != nil {
			s.logger.Warn("Failed to remove staging directory", "staging", staging, "error", removeErr)
		}
		if _, ok := models.AsError(walkErr); ok {
			return "", walkErr
		}
		return "", models.NewError(models.KindCorruptPayload, op, walkErr)
	}

	return staging, nil
}

// writeFile copies one member to disk, refusing to write more than limit bytes
func (s *Service) writeFile(target string, r io.Reader, exec bool, limit int64) (int64, error) {
	const op = "write archive"

	mode := os.FileMode(0o644)
	if exec {
		mode = 0o755
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, models.NewError(models.KindStorage, op, fmt.Errorf("failed to create destination file: %w", err))
	}
	defer f.Close()

	n, err := io.Copy(f, &readerOnly{io.LimitReader(r, limit+1)})
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return n, models.NewError(models.KindStorage, op, fmt.Errorf("failed to write file: %w", err))
		}
		return n, models.NewError(models.KindCorruptPayload, op, fmt.Errorf("failed to read archive member: %w", err))
	}
	if n > limit {
		return n, models.Errorf(models.KindUnsafeArchive, op, "archive expands beyond %d bytes", s.maxTotalSize)
	}
	if err := f.Close(); err != nil {
		return n, models.NewError(models.KindStorage, op, fmt.Errorf("failed to close file: %w", err))
	}
	return n, nil
}

// readerOnly hides WriterTo so io.Copy write errors surface as *os.PathError
type readerOnly struct{ io.Reader }

// install moves staging onto destDir. An existing destDir is moved aside first and
// restored if the final rename fails.
func (s *Service) install(staging, destDir string) error {
	const op = "install archive"

	_, err := os.Lstat(destDir)
	switch {
	case os.IsNotExist(err):
		if err := os.Rename(staging, destDir); err != nil {
			return models.NewError(models.KindStorage, op, fmt.Errorf("failed to move staging directory into place: %w", err))
		}
		return nil
	case err != nil:
		return models.NewError(models.KindStorage, op, err)
	}

	replaced := filepath.Join(filepath.Dir(destDir), ReplacedPrefix+filepath.Base(destDir)+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.Rename(destDir, replaced); err != nil {
		return models.NewError(models.KindStorage, op, fmt.Errorf("failed to move previous install aside: %w", err))
	}
	if err := os.Rename(staging, destDir); err != nil {
		if restoreErr := os.Rename(replaced, destDir); restoreErr != nil {
			s.logger.Error("Failed to restore previous install", "path", destDir, "error", restoreErr)
		}
		return models.NewError(models.KindStorage, op, fmt.Errorf("failed to move staging directory into place: %w", err))
	}
	if err := os.RemoveAll(replaced); err != nil {
		s.logger.Warn("Failed to remove previous install", "path", replaced, "error", err)
	}

	s.logger.Info("Replaced existing install", "path", destDir)
	return nil
}

func detectFormat(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		switch {
		case m.Is(mimeZip):
			return mimeZip
		case m.Is(mimeRar):
			return mimeRar
		}
	}
	return ""
}

type zipArchive struct {
	reader *zip.Reader
}

func (z *zipArchive) list() ([]rawEntry, error) {
	entries := make([]rawEntry, 0, len(z.reader.File))
	for _, f := range z.reader.File {
		entries = append(entries, rawEntry{
			name:  f.Name,
			mode:  f.Mode(),
			isDir: f.FileInfo().IsDir(),
			size:  int64(f.UncompressedSize64),
		})
	}
	return entries, nil
}

func (z *zipArchive) walk(fn func(int, io.Reader) error) error {
	for i, f := range z.reader.File {
		if f.FileInfo().IsDir() {
			if err := fn(i, nil); err != nil {
				return err
			}
			continue
		}
		if err := z.walkFile(i, f, fn); err != nil {
			return err
		}
	}
	return nil
}

func (z *zipArchive) walkFile(i int, f *zip.File, fn func(int, io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open file in archive: %w", err)
	}
	defer rc.Close()
	return fn(i, rc)
}

// rarArchive re-reads the in-memory payload for each pass since rardecode only
// offers a forward-only stream
type rarArchive struct {
	data []byte
}

func (r *rarArchive) open() (*rardecode.Reader, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(r.data), "")
	if err != nil {
		return nil, fmt.Errorf("failed to open RAR archive: %w", err)
	}
	return rr, nil
}

func (r *rarArchive) list() ([]rawEntry, error) {
	rr, err := r.open()
	if err != nil {
		return nil, err
	}

	var entries []rawEntry
	for {
		header, err := rr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read RAR header: %w", err)
		}
		size := header.UnPackedSize
		if header.UnKnownSize {
			size = 0
		}
		entries = append(entries, rawEntry{
			name:  header.Name,
			mode:  header.Mode(),
			isDir: header.IsDir,
			size:  size,
		})
	}
}

func (r *rarArchive) walk(fn func(int, io.Reader) error) error {
	rr, err := r.open()
	if err != nil {
		return err
	}

	for i := 0; ; i++ {
		header, err := rr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read RAR header: %w", err)
		}
		var body io.Reader = rr
		if header.IsDir {
			body = nil
		}
		if err := fn(i, body); err != nil {
			return err
		}
	}
}
