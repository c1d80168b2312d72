package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/bid-assistant/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// defaulter is implemented by param structs that fill optional fields
type defaulter interface {
	applyDefaults()
}

// bindParams decodes raw into dst, applies its defaults and validates it. The
// returned map is the normalized form handed to Run.
func bindParams(raw map[string]any, dst defaulter) (map[string]any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperr.Invalid("params", "params are not valid JSON: %v", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, apperr.Invalid(typeErr.Field, "expected %s", typeErr.Type)
		}
		return nil, apperr.Invalid("params", "malformed params: %v", err)
	}
	dst.applyDefaults()

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, apperr.Invalid(fieldErrs[0].Field(), "%s", constraintMessage(fieldErrs[0]))
		}
		return nil, apperr.Invalid("params", "%v", err)
	}
	return toMap(dst)
}

func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "dive":
		return "contains an invalid entry"
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed on the '%s=%s' constraint", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed on the '%s' constraint", fe.Tag())
}

// decodeParams reads the normalized params of a run back into dst
func decodeParams(params map[string]any, dst any) error {
	if err := fromMap(params, dst); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// Service modes accepted by the service-mode step
const (
	ModeAI            = "ai"
	ModeFree          = "free"
	ModeManual        = "manual"
	ModeAIIntelligent = "ai_intelligent"
	ModeStandard      = "standard"
)

type serviceModeParams struct {
	Mode string `json:"mode" validate:"required,oneof=ai free manual ai_intelligent standard"`
}

func (p *serviceModeParams) applyDefaults() {}

// Analysis types
const (
	AnalysisComprehensive = "comprehensive"
	AnalysisQuick         = "quick"
)

type bidAnalysisParams struct {
	AnalysisType string `json:"analysis_type" validate:"oneof=comprehensive quick"`
}

func (p *bidAnalysisParams) applyDefaults() {
	if p.AnalysisType == "" {
		p.AnalysisType = AnalysisComprehensive
	}
}

// File formatting stages in execution order
const (
	StageDetect  = "detect"
	StageClean   = "clean"
	StageExtract = "extract"
	StageHTML    = "html"
)

var allStages = []string{StageDetect, StageClean, StageExtract, StageHTML}

type fileFormattingParams struct {
	Sequence           []string `json:"sequence" validate:"dive,oneof=detect clean extract html"`
	SourceRelativePath string   `json:"source_relative_path,omitempty"`
}

func (p *fileFormattingParams) applyDefaults() {
	if len(p.Sequence) == 0 {
		p.Sequence = append([]string(nil), allStages...)
	}
}

// Material actions
const (
	ActionOrganize  = "organize"
	ActionChecklist = "checklist"
)

type materialParams struct {
	Action string `json:"action" validate:"oneof=organize checklist"`
}

func (p *materialParams) applyDefaults() {
	if p.Action == "" {
		p.Action = ActionOrganize
	}
}

// Framework types
const (
	FrameworkStandard = "standard"
	FrameworkDetailed = "detailed"
)

type frameworkParams struct {
	FrameworkType string `json:"framework_type" validate:"oneof=standard detailed"`
	TemplateID    string `json:"template_id,omitempty"`
}

func (p *frameworkParams) applyDefaults() {
	if p.FrameworkType == "" {
		p.FrameworkType = FrameworkStandard
	}
}

type contentParams struct {
	Sections   []string `json:"sections,omitempty" validate:"dive,required"`
	ChapterKey string   `json:"chapter_key,omitempty"`
}

func (p *contentParams) applyDefaults() {}

type formatConfigParams struct {
	TemplateKey  string         `json:"template_key" validate:"oneof=standard professional"`
	CustomConfig map[string]any `json:"custom_config,omitempty"`
}

func (p *formatConfigParams) applyDefaults() {
	if p.TemplateKey == "" {
		p.TemplateKey = "standard"
	}
}

// Export formats
const (
	ExportHTML     = "html"
	ExportMarkdown = "md"
	ExportPDF      = "pdf"
)

type exportParams struct {
	ExportFormat string   `json:"export_format" validate:"oneof=html md pdf"`
	Sections     []string `json:"sections,omitempty" validate:"dive,required"`
}

func (p *exportParams) applyDefaults() {
	if p.ExportFormat == "" {
		p.ExportFormat = ExportHTML
	}
}
