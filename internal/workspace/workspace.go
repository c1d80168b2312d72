// Package workspace manages the on-disk directory of each project: the uploaded bid
// file, step outputs and the bidconfig.json project config.
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConfigFileName is the per-project config file
const ConfigFileName = "bidconfig.json"

// Directory names used by steps
const (
	DirUploads      = "uploads"
	DirFormatted    = "formatted"
	DirMaterials    = "materials"
	DirFramework    = "framework"
	DirContent      = "content"
	DirFormatConfig = "format_config"
	DirExports      = "exports"
)

// BidFileExtensions are the file types accepted as a bid document
var BidFileExtensions = []string{".pdf", ".docx", ".doc", ".txt", ".md", ".html", ".htm"}

var bidKeywords = []string{"招标", "投标", "采购", "公告", "tender", "bid"}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\-]+`)

// FileInfo describes one file in a project directory
type FileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager creates and reads project directories below Root
type Manager struct {
	Root string

	mu  sync.Mutex
	now func() time.Time
}

// NewManager returns a manager rooted at root
func NewManager(root string) *Manager {
	return &Manager{Root: root, now: time.Now}
}

// Create makes a new project directory named after name and returns its absolute path
func (m *Manager) Create(name string) (string, error) {
	base := SanitizeName(name)
	if base == "" {
		base = "project"
	}
	dirName := fmt.Sprintf("%s_%s", base, m.now().Format("20060102_150405"))

	root, err := filepath.Abs(m.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	path := filepath.Join(root, dirName)
	for i := 2; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(root, fmt.Sprintf("%s_%d", dirName, i))
	}
	if err := os.MkdirAll(filepath.Join(path, DirUploads), 0o755); err != nil {
		return "", fmt.Errorf("failed to create project directory: %w", err)
	}
	return path, nil
}

// SanitizeName strips the extension and replaces anything that is not a letter,
// digit, dash or underscore with an underscore.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// SanitizeFileName keeps the extension of name and sanitizes the rest
func SanitizeFileName(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(strings.ReplaceAll(name, "\\", "/"))))
	base := SanitizeName(name)
	if base == "" {
		base = "file"
	}
	ext = unsafeChars.ReplaceAllString(strings.TrimPrefix(ext, "."), "")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// SaveUpload copies r into dir (relative to projectPath) under a sanitized name
// and returns the stored path relative to projectPath.
func (m *Manager) SaveUpload(projectPath, dir, fileName string, r io.Reader) (string, error) {
	target, err := m.Resolve(projectPath, filepath.Join(dir, SanitizeFileName(fileName)))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	return filepath.Rel(projectPath, target)
}

// Resolve joins rel onto projectPath and rejects paths that leave the project
func (m *Manager) Resolve(projectPath, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the project: %s", rel)
	}
	full := filepath.Join(projectPath, rel)
	back, err := filepath.Rel(projectPath, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the project directory: %s", rel)
	}
	return full, nil
}

// WriteFile writes data to rel inside projectPath, creating parent directories
func (m *Manager) WriteFile(projectPath, rel string, data []byte) (string, error) {
	target, err := m.Resolve(projectPath, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return target, nil
}

// WriteJSON writes v as indented JSON to rel inside projectPath
func (m *Manager) WriteJSON(projectPath, rel string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", rel, err)
	}
	return m.WriteFile(projectPath, rel, data)
}

// FindBidFile returns the bid document of a project. Files whose names contain a
// bid keyword win; otherwise the first supported file in lexical order is used.
// It returns "" when the project holds no supported file.
func (m *Manager) FindBidFile(projectPath string) (string, error) {
	var candidates []string
	err := filepath.WalkDir(projectPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case DirFormatted, DirContent, DirExports, DirFramework, DirFormatConfig:
				return filepath.SkipDir
			}
			return nil
		}
		if isBidExtension(path) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan project directory: %w", err)
	}
	sort.Strings(candidates)

	for _, c := range candidates {
		name := strings.ToLower(filepath.Base(c))
		for _, kw := range bidKeywords {
			if strings.Contains(name, kw) {
				return c, nil
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return "", nil
}

func isBidExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range BidFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ListFiles returns every regular file below projectPath, or below dir when it is set
func (m *Manager) ListFiles(projectPath, dir string) ([]FileInfo, error) {
	start := projectPath
	if dir != "" {
		var err error
		if start, err = m.Resolve(projectPath, dir); err != nil {
			return nil, err
		}
	}

	files := []FileInfo{}
	err := filepath.WalkDir(start, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == start {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(projectPath, path)
		files = append(files, FileInfo{
			Path:       filepath.ToSlash(rel),
			Name:       d.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list project files: %w", err)
	}
	return files, nil
}

// ReadConfig returns the contents of bidconfig.json. A missing file yields an empty map.
func (m *Manager) ReadConfig(projectPath string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, ConfigFileName))
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	cfg := map[string]any{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig merges values into bidconfig.json at the top level
func (m *Manager) UpdateConfig(projectPath string, values map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.ReadConfig(projectPath)
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		cfg[k] = v
	}
	cfg["updated_at"] = m.now().Format(time.RFC3339)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project config: %w", err)
	}
	tmp := filepath.Join(projectPath, ConfigFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write project config: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(projectPath, ConfigFileName)); err != nil {
		return nil, fmt.Errorf("failed to write project config: %w", err)
	}
	return cfg, nil
}
