package llm

import (
	"context"
	"fmt"
	"strings"
)

// OfflineClient returns deterministic drafts. It is used in fast mode and when no
// API key is configured; steps fill any JSON fields it leaves out with their defaults.
type OfflineClient struct{}

// NewOfflineClient creates an offline client
func NewOfflineClient() *OfflineClient {
	return &OfflineClient{}
}

// GenerateContent drafts a short markdown section titled after the prompt's 标题 line
func (c *OfflineClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title := promptTitle(prompt)
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", title)
	fmt.Fprintf(&sb, "本节围绕“%s”展开，结合招标文件要求说明我方的响应方案、实施安排与质量保障措施。\n\n", title)
	sb.WriteString("1. 充分理解招标文件的技术与商务要求，逐条响应。\n")
	sb.WriteString("2. 明确组织架构、人员配置与进度计划。\n")
	sb.WriteString("3. 建立质量、安全与服务保障体系。\n")
	return sb.String(), nil
}

// GenerateJSON returns an empty object
func (c *OfflineClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "{}", nil
}

// GetModel returns the provider name for every tier
func (c *OfflineClient) GetModel(tier ModelTier) string {
	return string(ProviderOffline)
}

// Close is a no-op
func (c *OfflineClient) Close() error { return nil }

// promptTitle returns the value of the first "标题：" line, or the first non-empty line
func promptTitle(prompt string) string {
	first := ""
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range []string{"标题：", "标题:"} {
			if strings.HasPrefix(line, prefix) {
				if v := strings.TrimSpace(strings.TrimPrefix(line, prefix)); v != "" {
					return v
				}
			}
		}
		if first == "" {
			first = line
		}
	}
	if first == "" {
		return "内容草稿"
	}
	if r := []rune(first); len(r) > 40 {
		return string(r[:40])
	}
	return first
}
