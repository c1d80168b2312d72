package rendering

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FormatConfig is the page and typography setup of an exported document. Margins are in centimetres.
type FormatConfig struct {
	TemplateName string  `json:"template_name" validate:"required"`
	FontFamily   string  `json:"font_family" validate:"required"`
	FontSize     float64 `json:"font_size" validate:"gt=0,lte=72"`
	LineHeight   float64 `json:"line_height" validate:"gte=1,lte=3"`
	MarginTop    float64 `json:"margin_top" validate:"gte=0,lte=10"`
	MarginBottom float64 `json:"margin_bottom" validate:"gte=0,lte=10"`
	MarginLeft   float64 `json:"margin_left" validate:"gte=0,lte=10"`
	MarginRight  float64 `json:"margin_right" validate:"gte=0,lte=10"`
	HeadingFont  string  `json:"heading_font,omitempty"`
	PageSize     string  `json:"page_size" validate:"oneof=A4 A3 Letter"`
}

var templates = map[string]FormatConfig{
	"standard": {
		TemplateName: "标准模板",
		FontFamily:   "宋体",
		FontSize:     12,
		LineHeight:   1.5,
		MarginTop:    2.54,
		MarginBottom: 2.54,
		MarginLeft:   3.17,
		MarginRight:  3.17,
		HeadingFont:  "黑体",
		PageSize:     "A4",
	},
	"professional": {
		TemplateName: "专业模板",
		FontFamily:   "微软雅黑",
		FontSize:     11,
		LineHeight:   1.6,
		MarginTop:    2.0,
		MarginBottom: 2.0,
		MarginLeft:   2.5,
		MarginRight:  2.5,
		HeadingFont:  "微软雅黑",
		PageSize:     "A4",
	},
}

var validate = validator.New()

// TemplateKeys lists the built-in format templates
func TemplateKeys() []string {
	keys := make([]string, 0, len(templates))
	for k := range templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Template returns a copy of a built-in template
func Template(key string) (FormatConfig, bool) {
	cfg, ok := templates[key]
	return cfg, ok
}

// DefaultFormat is the standard template
func DefaultFormat() FormatConfig {
	return templates["standard"]
}

// BuildFormat applies custom overrides to the template named key and validates the result
func BuildFormat(key string, custom map[string]any) (FormatConfig, error) {
	cfg, ok := Template(key)
	if !ok {
		return FormatConfig{}, fmt.Errorf("unknown format template: %s", key)
	}
	if len(custom) > 0 {
		data, err := json.Marshal(custom)
		if err != nil {
			return FormatConfig{}, fmt.Errorf("invalid custom config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return FormatConfig{}, fmt.Errorf("invalid custom config: %w", err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return FormatConfig{}, fmt.Errorf("invalid format config: %w", err)
	}
	return cfg, nil
}

// ToMap returns cfg as a JSON-shaped map
func (c FormatConfig) ToMap() map[string]any {
	data, _ := json.Marshal(c)
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

// FormatFromMap decodes a stored format config, falling back to the standard template
// for missing fields.
func FormatFromMap(m map[string]any) FormatConfig {
	cfg := DefaultFormat()
	if len(m) == 0 {
		return cfg
	}
	data, err := json.Marshal(m)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(data, &cfg)
	return cfg
}

// CSS renders the stylesheet for cfg
func CSS(cfg FormatConfig) string {
	heading := cfg.HeadingFont
	if heading == "" {
		heading = cfg.FontFamily
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "@page {\n  size: %s;\n  margin: %.2fcm %.2fcm %.2fcm %.2fcm;\n}\n\n",
		cfg.PageSize, cfg.MarginTop, cfg.MarginRight, cfg.MarginBottom, cfg.MarginLeft)
	fmt.Fprintf(&sb, "body {\n  font-family: %q, serif;\n  font-size: %gpt;\n  line-height: %g;\n  color: #000;\n}\n\n",
		cfg.FontFamily, cfg.FontSize, cfg.LineHeight)
	fmt.Fprintf(&sb, "h1, h2, h3, h4 {\n  font-family: %q, sans-serif;\n  page-break-after: avoid;\n}\n\n", heading)
	sb.WriteString("h1 { font-size: 22pt; text-align: center; }\n")
	sb.WriteString("h2 { font-size: 16pt; page-break-before: always; }\n")
	sb.WriteString("h3 { font-size: 14pt; }\n")
	sb.WriteString("p { text-indent: 2em; margin: 0 0 0.5em 0; }\n")
	sb.WriteString("table { border-collapse: collapse; width: 100%; }\n")
	sb.WriteString("td, th { border: 1px solid #333; padding: 4px 6px; }\n")
	sb.WriteString("nav.toc { page-break-after: always; }\n")
	sb.WriteString("nav.toc ol { list-style: none; padding-left: 0; }\n")
	sb.WriteString("nav.toc li.level-3 { padding-left: 2em; }\n")
	return sb.String()
}
