package server

import (
	"errors"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/pipeline"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/workspace"
)

// CreateProjectRequest holds the form fields of POST /projects
type CreateProjectRequest struct {
	Name        string `json:"name" validate:"max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// ProjectResponse is a project with its progress summary
type ProjectResponse struct {
	db.Project
	TotalProgress float64 `json:"total_progress"`
	NextStep      *string `json:"next_step"`
}

// ProjectFilesResponse lists the files stored for a project
type ProjectFilesResponse struct {
	ProjectID string               `json:"project_id"`
	Dir       string               `json:"dir,omitempty"`
	Files     []workspace.FileInfo `json:"files"`
}

const defaultProjectListLimit = 50

// handleCreateProject handles POST /projects (multipart: file, name, description)
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, r, apperr.Invalid("file", "invalid multipart form: %v", err))
		return
	}

	req := CreateProjectRequest{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	if err := requestValidator.Struct(req); err != nil {
		s.fail(w, r, validationError(err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, apperr.Invalid("file", "is required"))
		return
	}
	defer file.Close()

	if req.Name == "" {
		req.Name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	project, err := s.createProject(r, req, header.Filename, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.Printf("[server] created project %s (%s) at %s", project.ID, project.Name, project.ProjectPath)
	s.ok(w, http.StatusCreated, "project created", project)
}

func (s *Server) createProject(r *http.Request, req CreateProjectRequest, fileName string, file multipart.File) (*db.Project, error) {
	ctx := r.Context()

	projectPath, err := s.workspace.Create(req.Name)
	if err != nil {
		return nil, err
	}
	sourceFile, err := s.workspace.SaveUpload(projectPath, workspace.DirUploads, fileName, file)
	if err != nil {
		return nil, err
	}

	project, err := s.store.CreateProject(ctx, &db.ProjectInput{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		SourceFile:  filepath.ToSlash(sourceFile),
		ProjectPath: projectPath,
		CurrentStep: steps.First().Key,
	})
	if err != nil {
		return nil, err
	}
	if err := s.progress.EnsureDefaults(ctx, project.ID); err != nil {
		return nil, err
	}
	return project, nil
}

// handleListProjects handles GET /projects?limit=N
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit := defaultProjectListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.fail(w, r, apperr.Invalid("limit", "must be between 1 and 500"))
			return
		}
		limit = n
	}

	projects, err := s.store.ListProjects(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []db.Project{}
	}
	s.ok(w, http.StatusOK, "ok", projects)
}

// handleGetProject handles GET /projects/{project_id}
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := s.progress.RequireProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.progress.GetProgress(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "ok", ProjectResponse{
		Project:       *project,
		TotalProgress: snap.TotalProgress,
		NextStep:      snap.NextStep,
	})
}

// handleListProjectFiles handles GET /projects/{project_id}/files?dir=...
func (s *Server) handleListProjectFiles(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := s.progress.RequireProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	dir := strings.TrimSpace(r.URL.Query().Get("dir"))
	if dir != "" {
		if _, err := s.workspace.Resolve(project.ProjectPath, dir); err != nil {
			s.fail(w, r, apperr.Invalid("dir", "%v", err))
			return
		}
	}
	files, err := s.workspace.ListFiles(project.ProjectPath, dir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "ok", ProjectFilesResponse{ProjectID: projectID, Dir: dir, Files: files})
}

// handleMaterialCategories handles GET /materials/categories
func (s *Server) handleMaterialCategories(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, "ok", pipeline.MaterialCategories())
}

// handleUploadMaterial handles POST /projects/{project_id}/materials
// (multipart: file, category_id, item_id)
func (s *Server) handleUploadMaterial(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "material uploads are not configured")
		return
	}
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	project, err := s.progress.RequireProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.fail(w, r, apperr.Invalid("file", "invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, apperr.Invalid("file", "is required"))
		return
	}
	defer file.Close()

	material, err := s.pipeline.UploadMaterial(project.ProjectPath,
		strings.TrimSpace(r.FormValue("category_id")),
		strings.TrimSpace(r.FormValue("item_id")),
		header.Filename, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log.Printf("[server] project %s: stored material %s", projectID, material.Path)
	s.ok(w, http.StatusCreated, "material uploaded", material)
}

// handleFile handles GET /files/{key...} for the local export backend
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	f, err := s.files.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fail(w, r, apperr.NotFound("file", key))
			return
		}
		s.fail(w, r, apperr.Invalid("key", "%v", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.fail(w, r, apperr.NotFound("file", key))
		return
	}
	http.ServeContent(w, r, filepath.Base(key), info.ModTime(), f)
}
