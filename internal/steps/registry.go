// Package steps defines the fixed, ordered list of steps a bid project moves through.
package steps

import "fmt"

// Step keys
const (
	ServiceMode         = "service-mode"
	BidAnalysis         = "bid-analysis"
	FileFormatting      = "file-formatting"
	MaterialManagement  = "material-management"
	FrameworkGeneration = "framework-generation"
	ContentGeneration   = "content-generation"
	FormatConfig        = "format-config"
	DocumentExport      = "document-export"
)

// Step describes one registry entry
type Step struct {
	Key     string `json:"step_key"`
	Name    string `json:"step_name"`
	Ordinal int    `json:"ordinal"`
}

// registry is ordered; Ordinal is the 1-based position.
var registry = []Step{
	{Key: ServiceMode, Name: "服务模式选择", Ordinal: 1},
	{Key: BidAnalysis, Name: "招标文件分析", Ordinal: 2},
	{Key: FileFormatting, Name: "投标文件初始化", Ordinal: 3},
	{Key: MaterialManagement, Name: "资料管理", Ordinal: 4},
	{Key: FrameworkGeneration, Name: "框架生成", Ordinal: 5},
	{Key: ContentGeneration, Name: "内容生成", Ordinal: 6},
	{Key: FormatConfig, Name: "格式配置", Ordinal: 7},
	{Key: DocumentExport, Name: "文档导出", Ordinal: 8},
}

var byKey = func() map[string]Step {
	m := make(map[string]Step, len(registry))
	for _, s := range registry {
		m[s.Key] = s
	}
	return m
}()

// UnknownStepError is returned when a step key is not in the registry
type UnknownStepError struct {
	Key string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step: %s", e.Key)
}

// List returns all steps in pipeline order. The returned slice is a copy.
func List() []Step {
	out := make([]Step, len(registry))
	copy(out, registry)
	return out
}

// Keys returns the step keys in pipeline order
func Keys() []string {
	keys := make([]string, len(registry))
	for i, s := range registry {
		keys[i] = s.Key
	}
	return keys
}

// Lookup finds a step by key
func Lookup(key string) (Step, bool) {
	s, ok := byKey[key]
	return s, ok
}

// MustLookup is Lookup returning an *UnknownStepError for unknown keys
func MustLookup(key string) (Step, error) {
	s, ok := byKey[key]
	if !ok {
		return Step{}, &UnknownStepError{Key: key}
	}
	return s, nil
}

// First returns the first step of the pipeline
func First() Step {
	return registry[0]
}

// Next returns the key immediately after key. It reports false for the last
// step and for unknown keys.
func Next(key string) (string, bool) {
	s, ok := byKey[key]
	if !ok || s.Ordinal >= len(registry) {
		return "", false
	}
	return registry[s.Ordinal].Key, true
}

// Ordinal returns the 1-based position of key, or 0 if unknown
func Ordinal(key string) int {
	return byKey[key].Ordinal
}

// Name returns the display name for key, or the key itself when unknown
func Name(key string) string {
	if s, ok := byKey[key]; ok {
		return s.Name
	}
	return key
}

// Count returns the number of registered steps
func Count() int {
	return len(registry)
}
