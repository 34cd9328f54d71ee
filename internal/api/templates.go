package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailsage/internal/models"
	"github.com/foxzi/mailsage/internal/repository"
	"github.com/foxzi/mailsage/internal/template"
)

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	Name      string   `json:"name"`
	Subject   string   `json:"subject"`
	HTML      string   `json:"html"`
	Variables []string `json:"variables,omitempty"`
}

// TemplateResponse is a stored template with every variable it requires
type TemplateResponse struct {
	models.Template
	RequiredVariables []string `json:"required_variables"`
}

// TemplatePreviewRequest is the request for previewing a template
type TemplatePreviewRequest struct {
	Variables map[string]string `json:"variables"`
}

func newTemplateResponse(t *models.Template) *TemplateResponse {
	return &TemplateResponse{Template: *t, RequiredVariables: template.RequiredVariables(t)}
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Templates.ListByOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	out := make([]*TemplateResponse, len(list))
	for i := range list {
		out[i] = newTemplateResponse(&list[i])
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"templates": out, "total": len(out)})
}

// handleTemplateCreate handles POST /api/v1/templates
func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.HTML) == "" {
		s.sendError(w, http.StatusBadRequest, "subject and html are required")
		return
	}

	tpl := &models.Template{
		OwnerID:   ownerFrom(r.Context()),
		Name:      req.Name,
		Subject:   req.Subject,
		HTML:      req.HTML,
		Variables: req.Variables,
		IsActive:  true,
	}
	if err := s.engine.Validate(tpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Templates.Create(r.Context(), tpl); err != nil {
		s.logger.Error("failed to create template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}

	s.logger.Info("template created", "template_id", tpl.ID, "owner", tpl.OwnerID)
	s.sendJSON(w, http.StatusCreated, newTemplateResponse(tpl))
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, newTemplateResponse(tpl))
}

// handleTemplatePreview handles POST /api/v1/templates/{id}/preview
func (s *Server) handleTemplatePreview(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.loadTemplate(w, r)
	if !ok {
		return
	}

	var req TemplatePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := template.ValidateVariables(tpl, req.Variables); err != nil {
		s.writeJobError(w, err, "Failed to preview template")
		return
	}

	result, err := s.engine.Render(tpl, req.Variables)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) loadTemplate(w http.ResponseWriter, r *http.Request) (*models.Template, bool) {
	tpl, err := s.deps.Templates.GetForOwner(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if errors.Is(err, repository.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return nil, false
	}
	return tpl, true
}
