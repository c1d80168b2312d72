package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_BidPrompts(t *testing.T) {
	ClearCache()

	for _, key := range []string{KeyAnalysis, KeyStrategy, KeyFramework, KeySectionContent} {
		prompt, err := Get(BidFile, key)
		require.NoError(t, err, key)
		assert.NotEmpty(t, prompt)
	}

	prompt, err := Get(BidFile, KeyAnalysis)
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.Document}}")
	assert.Contains(t, prompt, "\n")
}

func TestGet_Errors(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")

	_, err = Get(BidFile, "nonexistent-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	assert.Panics(t, func() { MustGet("nonexistent.json", "some-key") })
}

func TestFormat(t *testing.T) {
	result := Format("标题：{{.Title}}，项目：{{.ProjectName}}，{{.Missing}}", map[string]string{
		"Title":       "技术方案",
		"ProjectName": "道路改造",
	})
	assert.Equal(t, "标题：技术方案，项目：道路改造，{{.Missing}}", result)

	// Values are not re-expanded
	assert.Equal(t, "{{.B}}", Format("{{.A}}", map[string]string{"A": "{{.B}}", "B": "x"}))
}

func TestRender(t *testing.T) {
	out, err := Render(KeySectionContent, map[string]string{"Title": "服务承诺"})
	require.NoError(t, err)
	assert.Contains(t, out, "标题：服务承诺")
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List(BidFile)
	require.NoError(t, err)
	assert.Equal(t, []string{KeyAnalysis, KeyStrategy, KeyFramework, KeySectionContent}, keys)
}
