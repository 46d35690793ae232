package simulator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Browser lists directories under a base path so a simulator folder can be
// picked by hand. Paths are relative to the base and cannot leave it.
type Browser struct {
	BasePath string
}

// DirectoryInfo represents one directory in a listing
type DirectoryInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Simulator bool   `json:"simulator"`
}

// Breadcrumb represents one step of the current path
type Breadcrumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// NewBrowser creates a browser rooted at basePath
func NewBrowser(basePath string) *Browser {
	return &Browser{BasePath: filepath.Clean(basePath)}
}

// ListDirectories lists directories within relativePath, marking the ones that
// look like an X-Plane installation
func (b *Browser) ListDirectories(relativePath string) ([]DirectoryInfo, error) {
	fullPath, err := b.ValidatePath(relativePath)
	if err != nil {
		return nil, fmt.Errorf("validate path error: %w", err)
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", fullPath, err)
	}

	current := "/" + strings.Trim(filepath.ToSlash(relativePath), "/")
	var directories []DirectoryInfo

	if current != "/" {
		parent := filepath.ToSlash(filepath.Dir(current))
		directories = append(directories, DirectoryInfo{Name: "..", Path: parent})
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		_, err := Validate(filepath.Join(fullPath, entry.Name()))
		directories = append(directories, DirectoryInfo{
			Name:      entry.Name(),
			Path:      strings.TrimSuffix(current, "/") + "/" + entry.Name(),
			Simulator: err == nil,
		})
	}

	sort.SliceStable(directories, func(i, j int) bool {
		if directories[i].Name == ".." {
			return true
		}
		if directories[j].Name == ".." {
			return false
		}
		return strings.ToLower(directories[i].Name) < strings.ToLower(directories[j].Name)
	})
	return directories, nil
}

// ValidatePath resolves relativePath against the base and rejects escapes
func (b *Browser) ValidatePath(relativePath string) (string, error) {
	if relativePath == "" || relativePath == "/" {
		return b.BasePath, nil
	}

	prefix := b.BasePath
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	fullPath := filepath.Clean(filepath.Join(b.BasePath, strings.TrimPrefix(relativePath, "/")))
	if fullPath != b.BasePath && !strings.HasPrefix(fullPath, prefix) {
		return "", fmt.Errorf("path outside of base directory: %s", relativePath)
	}
	return fullPath, nil
}

// Breadcrumbs splits relativePath into navigable steps
func (b *Browser) Breadcrumbs(relativePath string) []Breadcrumb {
	rootName := filepath.Base(b.BasePath)
	if rootName == "" || rootName == "/" || rootName == "." {
		rootName = "Root"
	}

	crumbs := []Breadcrumb{{Name: rootName, Path: "/"}}
	current := ""
	for _, part := range strings.Split(strings.Trim(relativePath, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		crumbs = append(crumbs, Breadcrumb{Name: part, Path: current})
	}
	return crumbs
}
