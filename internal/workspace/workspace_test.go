package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	m.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	return m
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"市政道路 招标文件(2025).pdf", "市政道路_招标文件_2025"},
		{"../../etc/passwd", "passwd"},
		{`C:\docs\tender notice.docx`, "tender_notice"},
		{"***", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
	assert.Equal(t, "招标文件.pdf", SanitizeFileName("招标文件.PDF"))
	assert.Equal(t, "file.txt", SanitizeFileName("???.txt"))
}

func TestCreate(t *testing.T) {
	m := newTestManager(t)

	p1, err := m.Create("招标文件.pdf")
	require.NoError(t, err)
	assert.Equal(t, "招标文件_20250301_093000", filepath.Base(p1))
	assert.DirExists(t, filepath.Join(p1, DirUploads))

	p2, err := m.Create("招标文件.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestSaveUploadAndFindBidFile(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("demo")
	require.NoError(t, err)

	found, err := m.FindBidFile(p)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = m.SaveUpload(p, DirUploads, "notes.txt", strings.NewReader("misc"))
	require.NoError(t, err)
	rel, err := m.SaveUpload(p, DirUploads, "../城市照明采购公告.docx", strings.NewReader("docx"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(DirUploads, "城市照明采购公告.docx"), rel)

	found, err = m.FindBidFile(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p, rel), found)

	// Step outputs are never picked up as the source document
	_, err = m.WriteFile(p, filepath.Join(DirContent, "bid_overview.md"), []byte("x"))
	require.NoError(t, err)
	found, err = m.FindBidFile(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p, rel), found)
}

func TestFindBidFile_FallsBackToFirstSupported(t *testing.T) {
	m := newTestManager(t)
	p, err := m.Create("demo")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p, "a.md"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p, "image.png"), []byte("png"), 0o644))

	found, err := m.FindBidFile(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p, "a.md"), found)
}

func TestResolve_RejectsEscape(t *testing.T) {
	m := newTestManager(t)
	p := t.TempDir()

	_, err := m.Resolve(p, "../outside.txt")
	assert.Error(t, err)
	_, err = m.Resolve(p, "/etc/passwd")
	assert.Error(t, err)

	got, err := m.Resolve(p, "formatted/../formatted/cleaned.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p, "formatted", "cleaned.txt"), got)
}

func TestListFiles(t *testing.T) {
	m := newTestManager(t)
	p := t.TempDir()
	_, err := m.WriteFile(p, "materials/financial/audit.pdf", []byte("1234"))
	require.NoError(t, err)
	_, err = m.WriteFile(p, "uploads/bid.txt", []byte("12"))
	require.NoError(t, err)

	all, err := m.ListFiles(p, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mats, err := m.ListFiles(p, DirMaterials)
	require.NoError(t, err)
	require.Len(t, mats, 1)
	assert.Equal(t, "materials/financial/audit.pdf", mats[0].Path)
	assert.Equal(t, int64(4), mats[0].Size)

	none, err := m.ListFiles(p, DirExports)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConfig(t *testing.T) {
	m := newTestManager(t)
	p := t.TempDir()

	cfg, err := m.ReadConfig(p)
	require.NoError(t, err)
	assert.Empty(t, cfg)

	_, err = m.UpdateConfig(p, map[string]any{"service_mode": "ai"})
	require.NoError(t, err)
	cfg, err = m.UpdateConfig(p, map[string]any{"template_key": "standard"})
	require.NoError(t, err)
	assert.Equal(t, "ai", cfg["service_mode"])
	assert.Equal(t, "standard", cfg["template_key"])

	cfg, err = m.ReadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "ai", cfg["service_mode"])
	assert.Equal(t, "2025-03-01T09:30:00Z", cfg["updated_at"])

	require.NoError(t, os.WriteFile(filepath.Join(p, ConfigFileName), []byte("{broken"), 0o644))
	_, err = m.ReadConfig(p)
	assert.Error(t, err)
}
