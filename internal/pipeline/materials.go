package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// MaterialItem is one document a bid usually needs
type MaterialItem struct {
	ID   string `json:"item_id"`
	Name string `json:"item_name"`
}

// MaterialCategory groups related material items
type MaterialCategory struct {
	ID    string         `json:"category_id"`
	Name  string         `json:"category_name"`
	Items []MaterialItem `json:"items"`
}

var materialCategories = []MaterialCategory{
	{ID: "qualification", Name: "企业资质", Items: []MaterialItem{
		{ID: "business_license", Name: "营业执照"},
		{ID: "qualification_cert", Name: "资质证书"},
		{ID: "safety_cert", Name: "安全生产许可证"},
		{ID: "tax_cert", Name: "税务登记证"},
	}},
	{ID: "performance", Name: "业绩证明", Items: []MaterialItem{
		{ID: "project_contract", Name: "项目合同"},
		{ID: "completion_cert", Name: "竣工证书"},
		{ID: "client_reference", Name: "客户证明"},
		{ID: "award_cert", Name: "获奖证书"},
	}},
	{ID: "financial", Name: "财务证明", Items: []MaterialItem{
		{ID: "financial_report", Name: "财务报表"},
		{ID: "bank_credit", Name: "银行资信证明"},
		{ID: "audit_report", Name: "审计报告"},
		{ID: "tax_payment", Name: "纳税证明"},
	}},
	{ID: "technical", Name: "技术资料", Items: []MaterialItem{
		{ID: "tech_proposal", Name: "技术方案"},
		{ID: "product_spec", Name: "产品说明书"},
		{ID: "tech_drawing", Name: "技术图纸"},
		{ID: "patent_cert", Name: "专利证书"},
	}},
}

// MaterialCategories returns the material categories and their items
func MaterialCategories() []MaterialCategory {
	out := make([]MaterialCategory, len(materialCategories))
	for i, c := range materialCategories {
		out[i] = c
		out[i].Items = append([]MaterialItem(nil), c.Items...)
	}
	return out
}

func findCategory(id string) (MaterialCategory, bool) {
	for _, c := range materialCategories {
		if c.ID == id {
			return c, true
		}
	}
	return MaterialCategory{}, false
}

// Material is one uploaded file under materials/
type Material struct {
	FileName     string    `json:"filename"`
	CategoryID   string    `json:"category_id"`
	CategoryName string    `json:"category_name"`
	ItemID       string    `json:"item_id,omitempty"`
	Path         string    `json:"file_path"`
	Size         int64     `json:"file_size"`
	UploadedAt   time.Time `json:"upload_time"`
}

// ChecklistItem reports whether a material item has been provided
type ChecklistItem struct {
	ID       string `json:"item_id"`
	Name     string `json:"item_name"`
	Uploaded bool   `json:"uploaded"`
	Required bool   `json:"required"`
}

// ChecklistCategory is the checklist of one category
type ChecklistCategory struct {
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	Items        []ChecklistItem `json:"items"`
}

// MaterialResult is the output of the material-management step
type MaterialResult struct {
	Action          string              `json:"action"`
	MaterialsCount  int                 `json:"materials_count"`
	CategoriesCount int                 `json:"categories_count"`
	ChecklistItems  int                 `json:"checklist_items"`
	Materials       []Material          `json:"materials"`
	Checklist       []ChecklistCategory `json:"checklist"`
	MaterialsFile   string              `json:"materials_file,omitempty"`
}

// MaterialStep organizes uploaded qualification, performance, financial and
// technical documents and reports what is still missing.
type MaterialStep struct {
	deps *Deps
}

func (s *MaterialStep) Key() string { return steps.MaterialManagement }

func (s *MaterialStep) Validate(params map[string]any) (map[string]any, error) {
	return bindParams(params, &materialParams{})
}

func (s *MaterialStep) Run(ctx context.Context, run *executor.Run) (map[string]any, error) {
	var p materialParams
	if err := decodeParams(run.Params, &p); err != nil {
		return nil, err
	}
	dir, err := projectDir(s.Key(), run)
	if err != nil {
		return nil, err
	}

	if p.Action == ActionOrganize {
		for _, c := range materialCategories {
			if err := os.MkdirAll(filepath.Join(dir, workspace.DirMaterials, c.ID), 0o755); err != nil {
				return nil, apperr.Domain(s.Key(), "failed to create material directories", err)
			}
		}
	}
	if err := run.Checkpoint(ctx, 30); err != nil {
		return nil, err
	}

	materials, err := scanMaterials(dir)
	if err != nil {
		return nil, apperr.Domain(s.Key(), "failed to scan materials", err)
	}
	if err := run.Checkpoint(ctx, 60); err != nil {
		return nil, err
	}

	checklist, items := buildChecklist(materials)
	result := MaterialResult{
		Action:          p.Action,
		MaterialsCount:  len(materials),
		CategoriesCount: len(materialCategories),
		ChecklistItems:  items,
		Materials:       materials,
		Checklist:       checklist,
	}

	rel := filepath.Join(workspace.DirMaterials, "materials.json")
	if _, err := s.deps.Workspace.WriteJSON(dir, rel, map[string]any{
		"materials":    materials,
		"categories":   materialCategories,
		"checklist":    checklist,
		"last_updated": s.deps.clock().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, apperr.Domain(s.Key(), "failed to save material list", err)
	}
	result.MaterialsFile = filepath.ToSlash(rel)
	return toMap(result)
}

// scanMaterials lists the files inside each category directory
func scanMaterials(projectPath string) ([]Material, error) {
	base := filepath.Join(projectPath, workspace.DirMaterials)
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return []Material{}, nil
	}
	if err != nil {
		return nil, err
	}

	materials := []Material{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		categoryName := entry.Name()
		category, known := findCategory(entry.Name())
		if known {
			categoryName = category.Name
		}
		files, err := os.ReadDir(filepath.Join(base, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return nil, err
			}
			m := Material{
				FileName:     f.Name(),
				CategoryID:   entry.Name(),
				CategoryName: categoryName,
				Path:         filepath.ToSlash(filepath.Join(workspace.DirMaterials, entry.Name(), f.Name())),
				Size:         info.Size(),
				UploadedAt:   info.ModTime().UTC(),
			}
			if known {
				m.ItemID = matchItem(category, f.Name())
			}
			materials = append(materials, m)
		}
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i].Path < materials[j].Path })
	return materials, nil
}

// matchItem returns the item whose id prefixes fileName
func matchItem(c MaterialCategory, fileName string) string {
	for _, item := range c.Items {
		if strings.HasPrefix(fileName, item.ID+"_") {
			return item.ID
		}
	}
	return ""
}

// buildChecklist marks each item uploaded when a file is tagged with its id
func buildChecklist(materials []Material) ([]ChecklistCategory, int) {
	uploaded := map[string]bool{}
	for _, m := range materials {
		if m.ItemID != "" {
			uploaded[m.CategoryID+"/"+m.ItemID] = true
		}
	}

	checklist := make([]ChecklistCategory, 0, len(materialCategories))
	count := 0
	for _, c := range materialCategories {
		cc := ChecklistCategory{CategoryID: c.ID, CategoryName: c.Name}
		for _, item := range c.Items {
			cc.Items = append(cc.Items, ChecklistItem{
				ID:       item.ID,
				Name:     item.Name,
				Uploaded: uploaded[c.ID+"/"+item.ID],
				Required: true,
			})
			count++
		}
		checklist = append(checklist, cc)
	}
	return checklist, count
}

// UploadMaterial stores a material file under materials/{category}. The stored name is
// prefixed with itemID so the checklist can match it.
func (d *Deps) UploadMaterial(projectPath, categoryID, itemID, fileName string, r io.Reader) (*Material, error) {
	category, ok := findCategory(categoryID)
	if !ok {
		return nil, apperr.Invalid("category_id", "unknown material category: %s", categoryID)
	}
	if itemID != "" && matchItem(category, itemID+"_") == "" {
		return nil, apperr.Invalid("item_id", "unknown item %s in category %s", itemID, categoryID)
	}
	if fileName == "" {
		return nil, apperr.Invalid("file", "file name is required")
	}

	name := workspace.SanitizeFileName(fileName)
	if itemID != "" {
		name = itemID + "_" + name
	}
	rel, err := d.Workspace.SaveUpload(projectPath, filepath.Join(workspace.DirMaterials, categoryID), name, r)
	if err != nil {
		return nil, fmt.Errorf("failed to save material: %w", err)
	}
	info, err := os.Stat(filepath.Join(projectPath, rel))
	if err != nil {
		return nil, fmt.Errorf("failed to stat material: %w", err)
	}
	return &Material{
		FileName:     filepath.Base(rel),
		CategoryID:   categoryID,
		CategoryName: category.Name,
		ItemID:       itemID,
		Path:         filepath.ToSlash(rel),
		Size:         info.Size(),
		UploadedAt:   info.ModTime().UTC(),
	}, nil
}
