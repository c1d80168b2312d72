package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/bid-assistant/internal/steps"
)

func TestEveryStepHasSchema(t *testing.T) {
	for _, key := range steps.Keys() {
		assert.True(t, HasSchema(key), key)
		_, err := loadResultSchema(key)
		assert.NoError(t, err, key)
	}
	assert.False(t, HasSchema("unknown-step"))
}

func TestValidateResult_ServiceMode(t *testing.T) {
	err := ValidateResult(steps.ServiceMode, map[string]any{
		"mode": "ai", "applied_at": "2025-03-01T09:30:00Z", "saved_to_config": true,
	})
	assert.NoError(t, err)

	err = ValidateResult(steps.ServiceMode, map[string]any{"mode": "turbo", "applied_at": "x"})
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, steps.ServiceMode, ve.Schema)
	assert.GreaterOrEqual(t, len(ve.Errors), 2)
	assert.Contains(t, err.Error(), "service-mode result failed validation")
}

func TestValidateResult_Framework(t *testing.T) {
	ok := map[string]any{
		"framework_type": "standard",
		"title":          "投标文件",
		"sections": []any{
			map[string]any{"key": "technical", "title": "技术方案", "subsections": []any{"总体设计"}},
		},
	}
	assert.NoError(t, ValidateResult(steps.FrameworkGeneration, ok))

	empty := map[string]any{"framework_type": "standard", "title": "投标文件", "sections": []any{}}
	assert.Error(t, ValidateResult(steps.FrameworkGeneration, empty))
}

func TestValidateResult_ContentGenerationNeedsOneSuccess(t *testing.T) {
	result := map[string]any{
		"sections":       []any{map[string]any{"key": "a", "title": "A", "status": "error", "error": "x"}},
		"summary":        "",
		"total_sections": 1,
		"success_count":  0,
		"error_count":    1,
	}
	assert.Error(t, ValidateResult(steps.ContentGeneration, result))
}

func TestValidateResult_UnknownStepPasses(t *testing.T) {
	assert.NoError(t, ValidateResult("custom-step", map[string]any{"anything": 1}))
}

func TestValidateValue(t *testing.T) {
	type exportFile struct {
		Name string `json:"name"`
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	v := struct {
		Files        []exportFile `json:"files"`
		ExportedAt   string       `json:"exported_at"`
		ExportFormat string       `json:"export_format"`
		TotalFiles   int          `json:"total_files"`
	}{
		Files:        []exportFile{{Name: "bid.html", Path: "exports/bid.html", Size: 10}},
		ExportedAt:   "2025-03-01T09:30:00Z",
		ExportFormat: "html",
		TotalFiles:   1,
	}
	assert.NoError(t, ValidateValue(steps.DocumentExport, v))

	v.ExportFormat = "docx"
	assert.Error(t, ValidateValue(steps.DocumentExport, v))
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}`

	assert.NoError(t, ValidateJSONString(schema, `{"name": "x"}`))

	err := ValidateJSONString(schema, `{"name": 1}`)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Errors[0].Field)

	err = ValidateJSONString(`{"type": 12}`, `{}`)
	var le *SchemaLoadError
	assert.ErrorAs(t, err, &le)
}
