package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "json code block",
			input:    "```json\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "generic code block",
			input:    "```\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "plain JSON",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "preamble before object",
			input:    "以下是分析结果：\n{\"project_name\": \"道路改造\"}",
			expected: `{"project_name": "道路改造"}`,
		},
		{
			name:     "array",
			input:    "  [1, 2]  ",
			expected: `[1, 2]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"title\": \"技术方案\"}\n```", &out))
	assert.Equal(t, "技术方案", out.Title)

	assert.Error(t, DecodeJSON("not json at all", &out))
}

func TestOfflineClient(t *testing.T) {
	c := NewOfflineClient()
	ctx := context.Background()

	text, err := c.GenerateContent(ctx, "请撰写投标文件章节。\n标题：技术方案\n要求：...", TierLite)
	require.NoError(t, err)
	assert.Contains(t, text, "## 技术方案")

	again, err := c.GenerateContent(ctx, "请撰写投标文件章节。\n标题：技术方案\n要求：...", TierLite)
	require.NoError(t, err)
	assert.Equal(t, text, again)

	js, err := c.GenerateJSON(ctx, "anything", TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "{}", js)
	assert.Equal(t, "offline", c.GetModel(TierAdvanced))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.GenerateContent(cancelled, "x", TierLite)
	assert.Error(t, err)
}

func TestNewClient_FallsBackToOffline(t *testing.T) {
	c, err := NewClient(context.Background(), DefaultConfig(), "")
	require.NoError(t, err)
	_, ok := c.(*OfflineClient)
	assert.True(t, ok)

	c, err = NewClient(context.Background(), &Config{Provider: ProviderOffline}, "some-key")
	require.NoError(t, err)
	_, ok = c.(*OfflineClient)
	assert.True(t, ok)
}

func TestPromptTitle(t *testing.T) {
	assert.Equal(t, "服务承诺", promptTitle("\n标题: 服务承诺\n"))
	assert.Equal(t, "第一行", promptTitle("第一行\n第二行"))
	assert.Equal(t, "内容草稿", promptTitle("  \n "))
}
