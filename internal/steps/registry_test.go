package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_Order(t *testing.T) {
	expected := []string{
		"service-mode", "bid-analysis", "file-formatting", "material-management",
		"framework-generation", "content-generation", "format-config", "document-export",
	}

	list := List()
	require.Len(t, list, len(expected))
	for i, s := range list {
		assert.Equal(t, expected[i], s.Key)
		assert.Equal(t, i+1, s.Ordinal)
		assert.NotEmpty(t, s.Name)
	}
	assert.Equal(t, expected, Keys())
}

func TestList_ReturnsCopy(t *testing.T) {
	list := List()
	list[0].Key = "mutated"
	assert.Equal(t, ServiceMode, List()[0].Key)
}

func TestNext(t *testing.T) {
	tests := []struct {
		key      string
		expected string
		ok       bool
	}{
		{ServiceMode, BidAnalysis, true},
		{FormatConfig, DocumentExport, true},
		{DocumentExport, "", false},
		{"no-such-step", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			next, ok := Next(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, next)
		})
	}
}

func TestNext_WalksWholePipeline(t *testing.T) {
	key := First().Key
	visited := []string{key}
	for {
		next, ok := Next(key)
		if !ok {
			break
		}
		visited = append(visited, next)
		key = next
	}
	assert.Equal(t, Keys(), visited)
}

func TestLookup(t *testing.T) {
	s, ok := Lookup(BidAnalysis)
	require.True(t, ok)
	assert.Equal(t, "招标文件分析", s.Name)
	assert.Equal(t, 2, s.Ordinal)

	_, ok = Lookup("unknown")
	assert.False(t, ok)

	_, err := MustLookup("unknown")
	var unknown *UnknownStepError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "unknown step: unknown", err.Error())
}

func TestOrdinalAndName(t *testing.T) {
	assert.Equal(t, 8, Ordinal(DocumentExport))
	assert.Equal(t, 0, Ordinal("unknown"))
	assert.Equal(t, "文档导出", Name(DocumentExport))
	assert.Equal(t, "unknown", Name("unknown"))
	assert.Equal(t, 8, Count())
}
